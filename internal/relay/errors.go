package relay

import "errors"

var (
	ErrTooManySessions = errors.New("too many sessions")
	ErrSessionClosed   = errors.New("session closed")
	// ErrRelayMiss is returned by Forward when the addressed session is gone.
	// Callers treat it as a silent drop.
	ErrRelayMiss = errors.New("relay miss")
)
