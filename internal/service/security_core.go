package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"app-security/internal/audit"
	"app-security/internal/devicekey"
	"app-security/internal/hashing"
	"app-security/internal/random"
	"app-security/internal/remote"
	"app-security/internal/repository"
	"app-security/internal/session"
	"app-security/internal/settings"
	"app-security/internal/util"
)

// Dependencies are the collaborators SecurityCore orchestrates. All are
// required except Audit and RNG.
type Dependencies struct {
	Hasher     *hashing.PinHasher
	DeviceKeys *devicekey.Store
	Sessions   *session.Manager
	Settings   *settings.Store
	Plain      repository.KVStore
	Remote     remote.Authority
	Audit      audit.Sink
	RNG        *random.Source
	Logger     *zap.Logger

	// DeviceID is used when an operation is called without one.
	DeviceID        string
	LockoutCooldown time.Duration
	SyncTimeout     time.Duration
}

// SecurityCore is the single entry point the app shell uses for the lock.
// Local state is authoritative for unlocking; the remote authority is
// reconciled opportunistically.
type SecurityCore struct {
	hasher   *hashing.PinHasher
	keys     *devicekey.Store
	sessions *session.Manager
	settings *settings.Store
	plain    repository.KVStore
	remote   remote.Authority
	valve    *SafetyValve
	throttle *throttle
	pending  *pendingSync
	rng      *random.Source
	logger   *zap.Logger

	deviceID    string
	syncTimeout time.Duration
	now         func() time.Time

	// opMu serialises every operation that reads or writes credentials.
	opMu   sync.Mutex
	flight singleflight.Group

	bg       sync.WaitGroup
	lifeMu   sync.RWMutex
	closing  bool
	closed   bool
	events   chan audit.Event
	sink     audit.Sink
	sinkDone chan struct{}
}

func NewSecurityCore(d Dependencies) *SecurityCore {
	logger := util.OrNop(d.Logger)
	sink := d.Audit
	if sink == nil {
		sink = audit.Nop{}
	}
	cooldown := d.LockoutCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	syncTimeout := d.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 5 * time.Second
	}

	s := &SecurityCore{
		hasher:      d.Hasher,
		keys:        d.DeviceKeys,
		sessions:    d.Sessions,
		settings:    d.Settings,
		plain:       d.Plain,
		remote:      d.Remote,
		rng:         d.RNG,
		logger:      logger,
		deviceID:    d.DeviceID,
		syncTimeout: syncTimeout,
		now:         time.Now,
		events:      make(chan audit.Event, 256),
		sink:        sink,
		sinkDone:    make(chan struct{}),
	}
	s.throttle = &throttle{kv: d.Plain, cooldown: cooldown, now: s.clock, logger: logger}
	s.pending = &pendingSync{kv: d.Plain, logger: logger}
	s.valve = NewSafetyValve(d.Plain, d.Settings, s.emit, logger)

	if d.DeviceKeys != nil {
		d.DeviceKeys.OnDegraded(func() {
			s.emit(audit.NewEvent(audit.EventDegradedKey, s.deviceID))
		})
		// A PIN bound to an unreadable key can never verify; dropping it lets
		// the safety valve open the lock.
		d.DeviceKeys.OnReplace(func(ctx context.Context) error {
			s.logger.Warn("Device key is malformed, dropping the PIN record bound to it")
			return d.Hasher.Delete(ctx)
		})
	}
	if d.RNG != nil {
		d.RNG.OnWeak(func() {
			s.emit(audit.NewEvent(audit.EventDegradedRandom, s.deviceID))
		})
	}

	go s.drainEvents()
	return s
}

// WithClock replaces the time source used for lockouts.
func (s *SecurityCore) WithClock(now func() time.Time) *SecurityCore {
	s.now = now
	return s
}

func (s *SecurityCore) clock() time.Time {
	return s.now()
}

func (s *SecurityCore) device(id string) string {
	if id == "" {
		return s.deviceID
	}
	return id
}

// SetupPin stores a new PIN and enables the lock. A connectivity failure of
// the authority degrades to local-only; an explicit rejection aborts.
func (s *SecurityCore) SetupPin(ctx context.Context, pin, deviceID string, biometricEnabled bool) Result {
	deviceID = s.device(deviceID)
	if err := hashing.ValidateFormat(pin); err != nil {
		return failed(ReasonInvalidPinFormat, msgInvalidFormat, err)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	degradedBefore := s.keys.DegradedCount()

	outcome := OutcomeRemote
	remoteErr := s.remote.SetupPin(ctx, deviceID, pin, biometricEnabled)
	switch {
	case remoteErr == nil:
	case remote.IsConnectivity(remoteErr):
		outcome = OutcomeDegraded
		s.logger.Info("Authority unreachable, setting up PIN locally",
			zap.String("device_id", deviceID), zap.Error(remoteErr))
	default:
		s.record(audit.EventPinSetup, deviceID, OutcomeFailed, ReasonRemoteRejected)
		return failed(ReasonRemoteRejected, msgRejected, remoteErr)
	}

	if err := s.hasher.Store(ctx, pin); err != nil {
		s.logger.Error("Failed to store PIN record", zap.Error(err))
		s.record(audit.EventPinSetup, deviceID, OutcomeFailed, ReasonStorageError)
		return storageFailure(err)
	}

	on := true
	if _, err := s.settings.Update(ctx, settings.Patch{
		SecurityEnabled:  &on,
		BiometricEnabled: &biometricEnabled,
	}); err != nil {
		s.logger.Error("Failed to enable security settings", zap.Error(err))
		return storageFailure(err)
	}
	if err := s.plain.Delete(ctx, repository.KeyPinRemoved); err != nil {
		s.logger.Warn("Failed to clear pin removed marker", zap.Error(err))
	}
	s.throttle.reset(ctx)

	if outcome == OutcomeRemote {
		s.pending.clear(ctx, pendingPin, pendingBiometric, pendingRemoval)
	} else {
		s.pending.mark(ctx, pendingPin)
	}
	outcome = s.keyOutcome(outcome, degradedBefore)

	s.startSession(ctx, deviceID)
	s.record(audit.EventPinSetup, deviceID, outcome, ReasonNone)
	return succeeded(outcome)
}

// ValidatePin unlocks the app. Concurrent identical calls share one run.
func (s *SecurityCore) ValidatePin(ctx context.Context, pin, deviceID string) Result {
	deviceID = s.device(deviceID)
	sum := sha256.Sum256([]byte(deviceID + "\x00" + pin))
	v, _, _ := s.flight.Do(hex.EncodeToString(sum[:]), func() (interface{}, error) {
		s.opMu.Lock()
		defer s.opMu.Unlock()
		res := s.validateLocked(ctx, pin, deviceID)
		if res.Success && res.Outcome != OutcomeRemote {
			s.syncAfterUnlock(deviceID, pin)
		}
		return res, nil
	})
	return v.(Result)
}

func (s *SecurityCore) validateLocked(ctx context.Context, pin, deviceID string) Result {
	if err := hashing.ValidateFormat(pin); err != nil {
		return failed(ReasonInvalidPinFormat, msgInvalidFormat, err)
	}

	current, err := s.settings.Get(ctx)
	if err != nil {
		return storageFailure(err)
	}
	if !current.SecurityEnabled {
		return failed(ReasonSecurityNotEnabled, msgNotEnabled, nil)
	}

	if until := s.throttle.lockedUntil(ctx); !until.IsZero() {
		return failed(ReasonTooManyAttempts, msgTooMany, nil)
	}

	degradedBefore := s.keys.DegradedCount()
	// Resolved before the record check: a malformed key drops its record.
	s.keys.GetOrCreateDeviceKey(ctx)

	has, err := s.hasher.HasPinHash(ctx)
	if err != nil {
		return storageFailure(err)
	}
	if !has {
		if err := s.valve.Trip(ctx, deviceID); err != nil {
			return failed(ReasonNoPinSetup, msgNoPin, err)
		}
		return failed(ReasonNoPinSetup, msgNoPin, nil)
	}

	ok, err := s.hasher.Verify(ctx, pin)
	if err != nil && !errors.Is(err, hashing.ErrInvalidHash) {
		// A record that cannot be read cannot be verified.
		return storageFailure(err)
	}

	if ok {
		s.unlocked(ctx, deviceID, current)
		outcome := s.keyOutcome(OutcomeLocal, degradedBefore)
		s.record(audit.EventPinValidated, deviceID, outcome, ReasonNone)
		return succeeded(outcome)
	}

	// The authority may hold a newer PIN, e.g. after a server-side reset.
	remoteErr := s.remote.ValidatePin(ctx, deviceID, pin)
	if remoteErr == nil {
		if err := s.hasher.Store(ctx, pin); err != nil {
			s.logger.Warn("Failed to cache remotely confirmed PIN", zap.Error(err))
		}
		s.pending.clear(ctx, pendingPin)
		s.unlocked(ctx, deviceID, current)
		s.record(audit.EventPinValidated, deviceID, OutcomeRemote, ReasonNone)
		return succeeded(OutcomeRemote)
	}
	s.logger.Debug("Remote validation did not confirm PIN",
		zap.String("device_id", deviceID),
		zap.Bool("connectivity", remote.IsConnectivity(remoteErr)))

	if s.throttle.fail(ctx, current.MaxAttempts) {
		s.record(audit.EventLockout, deviceID, OutcomeFailed, ReasonTooManyAttempts)
	}
	s.record(audit.EventPinRejected, deviceID, OutcomeFailed, ReasonInvalidPin)
	return failed(ReasonInvalidPin, msgInvalidPin, nil)
}

func (s *SecurityCore) unlocked(ctx context.Context, deviceID string, current settings.SecuritySettings) {
	s.throttle.reset(ctx)
	if _, err := s.sessions.Create(ctx, deviceID, current.SessionTimeout); err != nil {
		s.logger.Warn("Failed to create session after unlock", zap.Error(err))
	}
}

func (s *SecurityCore) startSession(ctx context.Context, deviceID string) {
	current, err := s.settings.Get(ctx)
	if err != nil {
		s.logger.Warn("Failed to read settings for session", zap.Error(err))
		return
	}
	if _, err := s.sessions.Create(ctx, deviceID, current.SessionTimeout); err != nil {
		s.logger.Warn("Failed to create session", zap.Error(err))
	}
}

// syncAfterUnlock confirms the PIN with the authority in the background.
// A PIN set up offline is pushed instead. Failures are logged only.
func (s *SecurityCore) syncAfterUnlock(deviceID, pin string) {
	s.goBackground(func(ctx context.Context) {
		s.opMu.Lock()
		defer s.opMu.Unlock()

		if s.pending.has(ctx, pendingPin) {
			biometric := false
			if cur, err := s.settings.Get(ctx); err == nil {
				biometric = cur.BiometricEnabled
			}
			if err := s.remote.SetupPin(ctx, deviceID, pin, biometric); err != nil {
				s.logger.Debug("Pending PIN sync failed", zap.Error(err))
				return
			}
			s.pending.clear(ctx, pendingPin, pendingBiometric)
			s.recordSynced(deviceID, pendingPin)
			return
		}
		if err := s.remote.ValidatePin(ctx, deviceID, pin); err != nil {
			s.logger.Debug("Background PIN confirmation failed",
				zap.String("device_id", deviceID),
				zap.Bool("connectivity", remote.IsConnectivity(err)))
		}
	})
}

// ChangePin replaces the PIN after re-validating the current one.
func (s *SecurityCore) ChangePin(ctx context.Context, deviceID, oldPin, newPin string) Result {
	deviceID = s.device(deviceID)
	if err := hashing.ValidateFormat(newPin); err != nil {
		return failed(ReasonInvalidPinFormat, msgInvalidFormat, err)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	check := s.validateLocked(ctx, oldPin, deviceID)
	if !check.Success {
		switch check.Reason {
		case ReasonInvalidPin, ReasonInvalidPinFormat:
			s.record(audit.EventPinChanged, deviceID, OutcomeFailed, ReasonCurrentPinIncorrect)
			return failed(ReasonCurrentPinIncorrect, msgCurrentPinWrong, check.Err)
		default:
			return check
		}
	}

	degradedBefore := s.keys.DegradedCount()

	// The authority never saw a PIN set up offline, so push it as a setup.
	var remoteErr error
	if s.pending.has(ctx, pendingPin) {
		biometric := false
		if cur, err := s.settings.Get(ctx); err == nil {
			biometric = cur.BiometricEnabled
		}
		remoteErr = s.remote.SetupPin(ctx, deviceID, newPin, biometric)
	} else {
		remoteErr = s.remote.ChangePin(ctx, deviceID, oldPin, newPin)
	}

	outcome := OutcomeRemote
	switch {
	case remoteErr == nil:
	case remote.IsConnectivity(remoteErr):
		outcome = OutcomeDegraded
	default:
		s.record(audit.EventPinChanged, deviceID, OutcomeFailed, ReasonRemoteRejected)
		return failed(ReasonRemoteRejected, msgRejected, remoteErr)
	}

	if err := s.hasher.Store(ctx, newPin); err != nil {
		s.logger.Error("Failed to store new PIN record", zap.Error(err))
		s.record(audit.EventPinChanged, deviceID, OutcomeFailed, ReasonStorageError)
		return storageFailure(err)
	}

	if outcome == OutcomeRemote {
		s.pending.clear(ctx, pendingPin)
	} else {
		s.pending.mark(ctx, pendingPin)
	}
	outcome = s.keyOutcome(outcome, degradedBefore)
	s.record(audit.EventPinChanged, deviceID, outcome, ReasonNone)
	return succeeded(outcome)
}

// RemovePin disables the lock. Local removal always happens, whatever the
// authority answers.
func (s *SecurityCore) RemovePin(ctx context.Context, deviceID string) Result {
	deviceID = s.device(deviceID)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	outcome := OutcomeRemote
	remoteErr := s.remote.RemovePin(ctx, deviceID)
	switch {
	case remoteErr == nil:
	case remote.IsConnectivity(remoteErr):
		outcome = OutcomeDegraded
	default:
		outcome = OutcomeDegraded
		s.logger.Warn("Authority refused PIN removal, removing locally",
			zap.String("device_id", deviceID), zap.Error(remoteErr))
	}

	if err := s.hasher.Delete(ctx); err != nil {
		s.logger.Error("Failed to delete PIN record", zap.Error(err))
		s.record(audit.EventPinRemoved, deviceID, OutcomeFailed, ReasonStorageError)
		return storageFailure(err)
	}

	off := false
	if _, err := s.settings.Update(ctx, settings.Patch{
		SecurityEnabled:  &off,
		BiometricEnabled: &off,
	}); err != nil {
		s.logger.Error("Failed to disable security settings", zap.Error(err))
		return storageFailure(err)
	}
	if err := s.sessions.Clear(ctx); err != nil {
		s.logger.Warn("Failed to clear session", zap.Error(err))
	}
	if err := s.plain.Set(ctx, repository.KeyAppLocked, "false"); err != nil {
		s.logger.Warn("Failed to clear app locked flag", zap.Error(err))
	}
	if err := s.plain.Set(ctx, repository.KeyPinRemoved, "true"); err != nil {
		s.logger.Warn("Failed to set pin removed marker", zap.Error(err))
	}
	s.throttle.reset(ctx)

	// A refused removal is retried too; the authority must not keep a PIN
	// the device no longer has.
	if remoteErr != nil {
		s.pending.mark(ctx, pendingRemoval)
	} else {
		s.pending.clear(ctx, pendingPin, pendingBiometric, pendingRemoval)
	}

	s.record(audit.EventPinRemoved, deviceID, outcome, ReasonNone)
	res := succeeded(outcome)
	res.Err = remoteErr
	return res
}

// UpdateBiometricSettings persists the flag locally regardless of the
// authority's answer.
func (s *SecurityCore) UpdateBiometricSettings(ctx context.Context, deviceID string, enabled bool) Result {
	deviceID = s.device(deviceID)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	outcome := OutcomeRemote
	remoteErr := s.remote.UpdateBiometric(ctx, deviceID, enabled)
	if remoteErr != nil {
		outcome = OutcomeDegraded
		s.logger.Info("Biometric update not confirmed by authority",
			zap.String("device_id", deviceID),
			zap.Bool("connectivity", remote.IsConnectivity(remoteErr)))
	}

	if _, err := s.settings.Update(ctx, settings.Patch{BiometricEnabled: &enabled}); err != nil {
		s.logger.Error("Failed to persist biometric setting", zap.Error(err))
		return storageFailure(err)
	}

	if remoteErr == nil {
		s.pending.clear(ctx, pendingBiometric)
	} else if remote.IsConnectivity(remoteErr) {
		s.pending.mark(ctx, pendingBiometric)
	}

	s.record(audit.EventBiometricUpdated, deviceID, outcome, ReasonNone)
	res := succeeded(outcome)
	res.Err = remoteErr
	return res
}

// UpdatePreferences changes the session timeout and attempt limit. Nil
// arguments are left unchanged.
func (s *SecurityCore) UpdatePreferences(ctx context.Context, sessionTimeout *time.Duration, maxAttempts *int) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if _, err := s.settings.Update(ctx, settings.Patch{
		SessionTimeout: sessionTimeout,
		MaxAttempts:    maxAttempts,
	}); err != nil {
		if errors.Is(err, settings.ErrInvalidPatch) {
			return failed(ReasonInvalidPreferences, msgInvalidPreferences, err)
		}
		return storageFailure(err)
	}
	s.record(audit.EventPreferencesUpdate, s.deviceID, OutcomeLocal, ReasonNone)
	return succeeded(OutcomeLocal)
}

// SettingsView is the local settings plus the authority's record when it
// could be fetched.
type SettingsView struct {
	Local           settings.SecuritySettings `json:"local"`
	Remote          *remote.Record            `json:"remote,omitempty"`
	RemoteReachable bool                      `json:"remoteReachable"`
}

func (s *SecurityCore) GetSettings(ctx context.Context, deviceID string) (*SettingsView, Result) {
	deviceID = s.device(deviceID)

	local, err := s.settings.Get(ctx)
	if err != nil {
		return nil, storageFailure(err)
	}
	view := &SettingsView{Local: local}

	rec, err := s.remote.GetSettings(ctx, deviceID)
	switch {
	case err == nil:
		view.Remote = rec
		view.RemoteReachable = true
	case errors.Is(err, remote.ErrNoRecord):
		view.RemoteReachable = true
	default:
		s.logger.Debug("Remote settings unavailable", zap.Error(err))
		return view, succeeded(OutcomeDegraded)
	}
	return view, succeeded(OutcomeRemote)
}

// IsSessionValid answers whether the lock screen can be skipped.
func (s *SecurityCore) IsSessionValid(ctx context.Context) bool {
	return s.sessions.IsValid(ctx)
}

// Lock ends the session and marks the app locked.
func (s *SecurityCore) Lock(ctx context.Context) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.sessions.Clear(ctx); err != nil {
		return storageFailure(err)
	}
	s.record(audit.EventLocked, s.deviceID, OutcomeLocal, ReasonNone)
	return succeeded(OutcomeLocal)
}

// Status is a snapshot for the lock screen and operators.
type Status struct {
	SecurityEnabled  bool      `json:"securityEnabled"`
	BiometricEnabled bool      `json:"biometricEnabled"`
	HasPin           bool      `json:"hasPin"`
	PinRemoved       bool      `json:"pinRemoved"`
	Locked           bool      `json:"locked"`
	SessionValid     bool      `json:"sessionValid"`
	LastUnlock       time.Time `json:"lastUnlock,omitempty"`
	LockedOutUntil   time.Time `json:"lockedOutUntil,omitempty"`
	PendingSync      []string  `json:"pendingSync,omitempty"`
	DegradedKeyUses  int64     `json:"degradedKeyUses"`
	WeakRandomUses   int64     `json:"weakRandomUses"`
}

func (s *SecurityCore) Status(ctx context.Context) (*Status, Result) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	current, err := s.settings.Get(ctx)
	if err != nil {
		return nil, storageFailure(err)
	}
	has, err := s.hasher.HasPinHash(ctx)
	if err != nil {
		return nil, storageFailure(err)
	}

	st := &Status{
		SecurityEnabled:  current.SecurityEnabled,
		BiometricEnabled: current.BiometricEnabled,
		HasPin:           has,
		SessionValid:     s.sessions.IsValid(ctx),
		LastUnlock:       s.sessions.LastUnlock(ctx),
		LockedOutUntil:   s.throttle.lockedUntil(ctx),
		PendingSync:      s.pending.list(ctx),
		DegradedKeyUses:  s.keys.DegradedCount(),
	}
	st.Locked = current.SecurityEnabled && !st.SessionValid
	if v, err := s.plain.Get(ctx, repository.KeyPinRemoved); err == nil {
		st.PinRemoved = v == "true"
	}
	if s.rng != nil {
		st.WeakRandomUses = s.rng.WeakCount()
	}
	return st, succeeded(OutcomeLocal)
}

// Reconcile replays pending biometric and removal syncs. A pending PIN can
// only be pushed on the next successful unlock, when the PIN is known.
func (s *SecurityCore) Reconcile(ctx context.Context, deviceID string) Result {
	deviceID = s.device(deviceID)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	items := s.pending.list(ctx)
	if len(items) == 0 {
		return succeeded(OutcomeLocal)
	}

	var firstErr error
	for _, item := range items {
		var err error
		switch item {
		case pendingRemoval:
			err = s.remote.RemovePin(ctx, deviceID)
		case pendingBiometric:
			var cur settings.SecuritySettings
			if cur, err = s.settings.Get(ctx); err == nil {
				err = s.remote.UpdateBiometric(ctx, deviceID, cur.BiometricEnabled)
			}
		default:
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.pending.clear(ctx, item)
		s.recordSynced(deviceID, item)
	}

	if remaining := s.pending.list(ctx); len(remaining) > 0 {
		res := succeeded(OutcomeDegraded)
		res.Err = firstErr
		return res
	}
	return succeeded(OutcomeRemote)
}

// Wipe deletes the device key, the PIN record, the session and every plain
// key. Each step runs even if an earlier one failed.
func (s *SecurityCore) Wipe(ctx context.Context) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := errors.Join(
		s.hasher.Delete(ctx),
		s.sessions.Clear(ctx),
		s.keys.Delete(ctx),
		s.plain.Delete(ctx, repository.AllKeys...),
	)
	if err != nil {
		s.logger.Error("Security wipe incomplete", zap.Error(err))
		s.record(audit.EventWiped, s.deviceID, OutcomeFailed, ReasonStorageError)
		return storageFailure(err)
	}
	s.record(audit.EventWiped, s.deviceID, OutcomeLocal, ReasonNone)
	return succeeded(OutcomeLocal)
}

// Close waits for background syncs and flushes pending audit events.
func (s *SecurityCore) Close() {
	s.lifeMu.Lock()
	if s.closing {
		s.lifeMu.Unlock()
		return
	}
	s.closing = true
	s.lifeMu.Unlock()

	// Background syncs may still emit events.
	s.bg.Wait()

	s.lifeMu.Lock()
	s.closed = true
	close(s.events)
	s.lifeMu.Unlock()
	<-s.sinkDone
}

// keyOutcome downgrades o when the fallback device key was used.
func (s *SecurityCore) keyOutcome(o Outcome, degradedBefore int64) Outcome {
	if s.keys.DegradedCount() > degradedBefore {
		return OutcomeDegraded
	}
	return o
}

func (s *SecurityCore) goBackground(fn func(ctx context.Context)) {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	if s.closing {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.syncTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *SecurityCore) record(t audit.EventType, deviceID string, o Outcome, reason Reason) {
	e := audit.NewEvent(t, deviceID)
	e.Outcome = o.String()
	e.Reason = string(reason)
	s.emit(e)
}

func (s *SecurityCore) recordSynced(deviceID, item string) {
	e := audit.NewEvent(audit.EventRemoteSynced, deviceID).With("item", item)
	e.Outcome = OutcomeRemote.String()
	s.emit(e)
}

// emit queues an event for the sink; it never blocks an operation.
func (s *SecurityCore) emit(e audit.Event) {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
		s.logger.Warn("Audit queue full, dropping event", zap.String("event_type", string(e.Type)))
	}
}

func (s *SecurityCore) drainEvents() {
	defer close(s.sinkDone)
	for e := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.sink.Record(ctx, e); err != nil {
			s.logger.Warn("Failed to record audit event",
				zap.String("event_type", string(e.Type)),
				zap.Error(err))
		}
		cancel()
	}
}
