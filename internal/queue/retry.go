package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"

	"qms/clinic-queue/internal/store"
)

var domainErrors = []error{
	store.ErrDoctorNotFound,
	store.ErrTokenNotFound,
	store.ErrInvalidState,
	store.ErrQueueEmpty,
	store.ErrDoctorBusy,
	store.ErrDoctorUnavailable,
	store.ErrInvalidInput,
}

func isDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// atomically runs unit, retrying store conflicts with exponential backoff.
// Anything else ends the attempt loop at once.
func (e *Engine) atomically(ctx context.Context, op string, unit func() error) error {
	attempt := 0
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryBackoff
	policy.MaxInterval = 8 * e.retryBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := unit()
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, store.ErrConflict) {
			e.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("queue store conflict, retrying")
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(e.retryAttempts)))

	// A permanent error on the last allowed try comes back still wrapped.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %s gave up after %d attempts", store.ErrUnavailable, op, attempt)
	case isDomainError(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, store.ErrInternal):
		e.log.Error().Err(err).Str("op", op).Msg("queue integrity failure")
		return store.ErrInternal
	default:
		e.log.Error().Err(err).Str("op", op).Int("attempt", attempt).Msg("queue operation failed")
		return err
	}
}
