// Package audit records every security decision the core makes. Events
// carry identifiers and outcomes only, never PINs, digests, salts or keys.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventPinSetup          EventType = "pin_setup"
	EventPinValidated      EventType = "pin_validated"
	EventPinRejected       EventType = "pin_rejected"
	EventPinChanged        EventType = "pin_changed"
	EventPinRemoved        EventType = "pin_removed"
	EventBiometricUpdated  EventType = "biometric_updated"
	EventPreferencesUpdate EventType = "preferences_updated"
	EventSafetyValve       EventType = "safety_valve_tripped"
	EventLockout           EventType = "lockout"
	EventLocked            EventType = "app_locked"
	EventWiped             EventType = "security_wiped"
	EventDegradedKey       EventType = "degraded_device_key"
	EventDegradedRandom    EventType = "degraded_random"
	EventRemoteSynced      EventType = "remote_synced"
)

type Event struct {
	ID       string            `json:"id"`
	Type     EventType         `json:"type"`
	DeviceID string            `json:"device_id,omitempty"`
	Outcome  string            `json:"outcome,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
	Time     time.Time         `json:"time"`
}

// NewEvent stamps a fresh id and the current time.
func NewEvent(t EventType, deviceID string) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     t,
		DeviceID: deviceID,
		Time:     time.Now().UTC(),
	}
}

func (e Event) With(key, value string) Event {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}

// Sink receives audit events. Implementations must not block for long;
// callers treat sink errors as non-fatal.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
