package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrNotEntitled    = errors.New("trading not entitled")
	ErrStalePrice     = errors.New("price sample too old")
	ErrNoSignal       = errors.New("no signal")
	ErrLockHeld       = errors.New("lock already held")
	ErrBreakerOpen    = errors.New("circuit breaker open")
	ErrVaultDisabled  = errors.New("auto-trade disabled for vault")
	ErrUnsafeStop     = errors.New("trailing stop would realize a loss")
	ErrStatusConflict = errors.New("position status changed concurrently")
)
