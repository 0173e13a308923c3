package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"app-security/internal/audit"
	"app-security/internal/repository"
	"app-security/internal/settings"
	"app-security/internal/util"
)

// SafetyValve disables the app lock when the lock is on but no PIN record
// exists, so the user is never stuck on a lock screen they cannot pass.
// It only touches flags; it never deletes credentials.
type SafetyValve struct {
	kv       repository.KVStore
	settings *settings.Store
	emit     func(audit.Event)
	logger   *zap.Logger
}

func NewSafetyValve(kv repository.KVStore, st *settings.Store, emit func(audit.Event), logger *zap.Logger) *SafetyValve {
	if emit == nil {
		emit = func(audit.Event) {}
	}
	return &SafetyValve{kv: kv, settings: st, emit: emit, logger: util.OrNop(logger)}
}

// Trip clears security_enabled, the locked flag, the last unlock marker and
// the biometric flag. Every step is attempted; the first error is returned.
func (v *SafetyValve) Trip(ctx context.Context, deviceID string) error {
	v.logger.Warn("Lock enabled without a PIN record, disabling app lock",
		zap.String("device_id", deviceID))

	off := false
	_, settingsErr := v.settings.Update(ctx, settings.Patch{
		SecurityEnabled:  &off,
		BiometricEnabled: &off,
	})
	if settingsErr != nil {
		// Mirror flags directly so the lock still opens.
		settingsErr = errors.Join(settingsErr,
			v.kv.Set(ctx, repository.KeySecurityEnabled, "false"),
			v.kv.Set(ctx, repository.KeyBiometricEnabled, "false"))
	}
	flagsErr := v.kv.Delete(ctx, repository.KeyAppLocked, repository.KeyLastUnlock)

	e := audit.NewEvent(audit.EventSafetyValve, deviceID)
	e.Reason = string(ReasonNoPinSetup)
	if err := errors.Join(settingsErr, flagsErr); err != nil {
		e.Outcome = "partial"
		v.emit(e)
		v.logger.Error("Safety valve could not clear every flag", zap.Error(err))
		return err
	}
	e.Outcome = "ok"
	v.emit(e)
	return nil
}
