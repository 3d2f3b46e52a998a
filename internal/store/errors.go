package store

import "errors"

var (
	ErrDoctorNotFound    = errors.New("doctor not found")
	ErrTokenNotFound     = errors.New("token not found")
	ErrInvalidState      = errors.New("invalid token state")
	ErrQueueEmpty        = errors.New("no patient waiting")
	ErrDoctorBusy        = errors.New("doctor already has an active consultation")
	ErrDoctorUnavailable = errors.New("doctor unavailable")
	ErrInvalidInput      = errors.New("invalid input")

	// ErrConflict marks transaction contention; the atomic unit may be retried.
	ErrConflict    = errors.New("store conflict")
	ErrUnavailable = errors.New("queue temporarily unavailable")
	ErrInternal    = errors.New("internal error")
)
