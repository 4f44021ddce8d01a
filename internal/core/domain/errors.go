package domain

import "errors"

var (
	ErrHostNotAvailable    = errors.New("host not available")
	ErrSessionClosed       = errors.New("session closed")
	ErrReconnectInFlight   = errors.New("reconnect attempt already in flight")
	ErrMaxAttemptsExceeded = errors.New("max reconnect attempts exceeded")
	ErrNoLiveTracks        = errors.New("no live capture tracks")
)
