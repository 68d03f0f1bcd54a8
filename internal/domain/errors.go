package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrConcurrencyLimit     = errors.New("concurrency limit exceeded")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrStaleStatus          = errors.New("stale status")
	ErrExpired              = errors.New("replay cursor expired")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
)
