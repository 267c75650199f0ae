package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrNotActive         = errors.New("position not active")
	ErrAlreadyExited     = errors.New("position already exited")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrLockHeld          = errors.New("lock already held")
	ErrStaleData         = errors.New("cache data stale")
	ErrWSDisconnect      = errors.New("websocket disconnected")
)
