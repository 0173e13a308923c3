package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"app-security/internal/repository"
)

// throttle counts consecutive failed validations in plain storage and
// imposes a short cooldown once maxAttempts is reached. It never wipes.
type throttle struct {
	kv       repository.KVStore
	cooldown time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// lockedUntil returns the end of an active cooldown, or zero.
func (t *throttle) lockedUntil(ctx context.Context) time.Time {
	v, err := t.kv.Get(ctx, repository.KeyLockoutUntil)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			t.logger.Warn("Failed to read lockout state", zap.Error(err))
		}
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	until := time.UnixMilli(ms)
	if !t.now().Before(until) {
		return time.Time{}
	}
	return until
}

// fail records a failure and reports whether it started a cooldown.
func (t *throttle) fail(ctx context.Context, maxAttempts int) bool {
	count := 0
	if v, err := t.kv.Get(ctx, repository.KeyFailedAttempts); err == nil {
		count, _ = strconv.Atoi(v)
	}
	count++

	if count < maxAttempts {
		if err := t.kv.Set(ctx, repository.KeyFailedAttempts, strconv.Itoa(count)); err != nil {
			t.logger.Warn("Failed to record failed attempt", zap.Error(err))
		}
		return false
	}

	until := t.now().Add(t.cooldown)
	if err := t.kv.Set(ctx, repository.KeyLockoutUntil, strconv.FormatInt(until.UnixMilli(), 10)); err != nil {
		t.logger.Warn("Failed to record lockout", zap.Error(err))
	}
	if err := t.kv.Delete(ctx, repository.KeyFailedAttempts); err != nil {
		t.logger.Warn("Failed to reset attempt counter", zap.Error(err))
	}
	return true
}

func (t *throttle) reset(ctx context.Context) {
	if err := t.kv.Delete(ctx, repository.KeyFailedAttempts, repository.KeyLockoutUntil); err != nil {
		t.logger.Warn("Failed to reset attempt counter", zap.Error(err))
	}
}
