package service

import "errors"

// Outcome tags how an operation was satisfied.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	// OutcomeLocal completed on the device; the authority was not needed.
	OutcomeLocal
	// OutcomeRemote completed with the authority's confirmation.
	OutcomeRemote
	// OutcomeDegraded completed locally while the authority or the secret
	// store was unavailable.
	OutcomeDegraded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLocal:
		return "local"
	case OutcomeRemote:
		return "remote"
	case OutcomeDegraded:
		return "degraded"
	default:
		return "failed"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalidPinFormat    Reason = "invalid_pin_format"
	ReasonSecurityNotEnabled  Reason = "security_not_enabled"
	ReasonNoPinSetup          Reason = "no_pin_setup"
	ReasonInvalidPin          Reason = "invalid_pin"
	ReasonCurrentPinIncorrect Reason = "current_pin_incorrect"
	ReasonRemoteRejected      Reason = "remote_rejected"
	ReasonStorageError        Reason = "storage_error"
	ReasonTooManyAttempts     Reason = "too_many_attempts"
	ReasonInvalidPreferences  Reason = "invalid_preferences"
)

// User-facing messages.
const (
	msgInvalidFormat   = "PIN must be exactly 5 digits."
	msgNotEnabled      = "App lock is not enabled."
	msgNoPin           = "No PIN is set up, so app lock has been turned off. You'll need to set up a new PIN."
	msgInvalidPin      = "Incorrect PIN."
	msgCurrentPinWrong = "Current PIN is incorrect."
	msgRejected        = "The request was rejected by the server."
	msgStorage         = "Secure storage is unavailable. Please try again."
	msgTooMany         = "Too many incorrect attempts. Please wait and try again."

	msgInvalidPreferences = "Session timeout must be positive and attempts at least 1."
)

// Result is returned by every SecurityCore operation instead of an error.
type Result struct {
	Success bool    `json:"success"`
	Outcome Outcome `json:"outcome"`
	Reason  Reason  `json:"reason,omitempty"`
	Message string  `json:"message,omitempty"`
	// Err carries the underlying cause for logs; never shown to users.
	Err error `json:"-"`
}

func succeeded(o Outcome) Result {
	return Result{Success: true, Outcome: o}
}

func failed(reason Reason, msg string, err error) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason, Message: msg, Err: err}
}

func storageFailure(err error) Result {
	return failed(ReasonStorageError, msgStorage, err)
}

// AsError lets callers treat a failed Result as an error.
func (r Result) AsError() error {
	if r.Success {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return errors.New(string(r.Reason))
}
