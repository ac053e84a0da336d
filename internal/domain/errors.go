package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidSnapshot = errors.New("invalid price snapshot")
	ErrConnect         = errors.New("stream connect failed")
	ErrParse           = errors.New("frame parse failed")
	ErrStore           = errors.New("odds store failure")
	ErrRecovery        = errors.New("recovery action failed")
	ErrGivenUp         = errors.New("reconnect attempts exhausted")
	ErrNoSession       = errors.New("no stream session")
	ErrSessionExpired  = errors.New("stream session expired")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockHeld        = errors.New("lock held by another holder")
)
