// Package queue owns the token lifecycle for a doctor's walk-in queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

const (
	defaultConsultationMinutes = 10
	defaultTokenNumberPad      = 3
	defaultRetryAttempts       = 3
	defaultRetryBackoff        = 25 * time.Millisecond
)

// QueueCache holds short-lived queue views. The engine drops a doctor's
// entry after every committed change to that doctor's queue.
type QueueCache interface {
	Get(ctx context.Context, doctorID string) ([]models.Token, bool, error)
	Set(ctx context.Context, doctorID string, tokens []models.Token) error
	Invalidate(ctx context.Context, doctorID string) error
}

type Options struct {
	DefaultConsultationMinutes int
	TokenNumberPad             int
	RetryAttempts              int
	RetryBackoff               time.Duration
	// EnforceSingleActive rejects CallNext while the doctor still has a
	// CALLED or IN_PROGRESS token.
	EnforceSingleActive bool
	// RequireAvailable rejects joins for doctors flagged unavailable.
	RequireAvailable bool
	Now              func() time.Time
	Cache            QueueCache
}

func DefaultOptions() Options {
	return Options{
		DefaultConsultationMinutes: defaultConsultationMinutes,
		TokenNumberPad:             defaultTokenNumberPad,
		RetryAttempts:              defaultRetryAttempts,
		RetryBackoff:               defaultRetryBackoff,
		EnforceSingleActive:        true,
	}
}

type Engine struct {
	store  store.TokenStore
	log    zerolog.Logger
	tracer trace.Tracer
	cache  QueueCache
	now    func() time.Time

	defaultMinutes      int
	tokenPad            int
	retryAttempts       int
	retryBackoff        time.Duration
	enforceSingleActive bool
	requireAvailable    bool
}

func NewEngine(st store.TokenStore, logger zerolog.Logger, opts Options) *Engine {
	e := &Engine{
		store:               st,
		log:                 logger.With().Str("component", "queue").Logger(),
		tracer:              otel.Tracer("qms/clinic-queue/queue"),
		cache:               opts.Cache,
		now:                 opts.Now,
		defaultMinutes:      opts.DefaultConsultationMinutes,
		tokenPad:            opts.TokenNumberPad,
		retryAttempts:       opts.RetryAttempts,
		retryBackoff:        opts.RetryBackoff,
		enforceSingleActive: opts.EnforceSingleActive,
		requireAvailable:    opts.RequireAvailable,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.defaultMinutes <= 0 {
		e.defaultMinutes = defaultConsultationMinutes
	}
	if e.tokenPad <= 0 {
		e.tokenPad = defaultTokenNumberPad
	}
	if e.retryAttempts <= 0 {
		e.retryAttempts = defaultRetryAttempts
	}
	if e.retryBackoff <= 0 {
		e.retryBackoff = defaultRetryBackoff
	}
	return e
}

type JoinInput struct {
	DoctorID     string
	PatientID    *string
	PatientName  string
	PatientPhone string
}

// JoinQueue appends a WAITING token at the back of the doctor's queue.
func (e *Engine) JoinQueue(ctx context.Context, input JoinInput) (token models.Token, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.JoinQueue", trace.WithAttributes(attribute.String("doctor.id", input.DoctorID)))
	defer func() { endSpan(span, err) }()

	if input.PatientID != nil {
		if _, perr := uuid.Parse(*input.PatientID); perr != nil {
			return models.Token{}, fmt.Errorf("%w: patient_id must be a UUID", store.ErrInvalidInput)
		}
	}

	err = e.atomically(ctx, "join", func() error {
		return e.store.WithDoctor(ctx, input.DoctorID, func(tx store.DoctorTx) error {
			doctor := tx.Doctor()
			if !doctor.IsAvailable {
				if e.requireAvailable {
					return store.ErrDoctorUnavailable
				}
				e.log.Warn().Str("doctor_id", doctor.DoctorID).Msg("joining queue of unavailable doctor")
			}

			waiting, err := tx.CountTokens(ctx, models.StatusWaiting)
			if err != nil {
				return err
			}
			ahead, err := tx.CountTokens(ctx, models.StatusWaiting, models.StatusCalled)
			if err != nil {
				return err
			}
			seq, err := tx.NextTokenSequence(ctx)
			if err != nil {
				return err
			}

			token = models.Token{
				TokenID:              uuid.NewString(),
				TokenNumber:          FormatTokenNumber(doctor.TokenPrefix(), seq, e.tokenPad),
				Sequence:             seq,
				DoctorID:             doctor.DoctorID,
				PatientID:            input.PatientID,
				PatientName:          strings.TrimSpace(input.PatientName),
				PatientPhone:         strings.TrimSpace(input.PatientPhone),
				Status:               models.StatusWaiting,
				Position:             models.IntPtr(waiting + 1),
				JoinedAt:             e.now().UTC(),
				EstimatedWaitMinutes: EstimateWait(ahead, doctor.AvgConsultationMinutes, e.defaultMinutes),
			}
			if err := tx.InsertToken(ctx, token); err != nil {
				return err
			}
			return appendEvent(ctx, tx, token, store.EventTokenJoined, "", token.JoinedAt)
		})
	})
	if err != nil {
		return models.Token{}, err
	}

	e.invalidate(ctx, token.DoctorID)
	e.log.Info().Str("doctor_id", token.DoctorID).Str("token_id", token.TokenID).
		Str("token_number", token.TokenNumber).Int("position", *token.Position).
		Int("estimated_wait_minutes", token.EstimatedWaitMinutes).Msg("patient joined queue")
	return token, nil
}

// CallNext promotes the longest-waiting token to CALLED and moves everyone
// behind it up one place.
func (e *Engine) CallNext(ctx context.Context, doctorID string) (token models.Token, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.CallNext", trace.WithAttributes(attribute.String("doctor.id", doctorID)))
	defer func() { endSpan(span, err) }()

	err = e.atomically(ctx, "call_next", func() error {
		return e.store.WithDoctor(ctx, doctorID, func(tx store.DoctorTx) error {
			next, found, err := tx.NextWaiting(ctx)
			if err != nil {
				return err
			}
			if !found {
				return store.ErrQueueEmpty
			}
			if e.enforceSingleActive {
				active, err := tx.CountTokens(ctx, models.StatusCalled, models.StatusInProgress)
				if err != nil {
					return err
				}
				if active > 0 {
					return store.ErrDoctorBusy
				}
			}
			if !store.ValidTransition(store.ActionCallNext, next.Status) || next.Position == nil {
				return fmt.Errorf("%w: waiting token %s has no position", store.ErrInternal, next.TokenID)
			}

			pivot := *next.Position
			now := e.now().UTC()
			next.Status, _ = store.TargetStatus(store.ActionCallNext)
			next.Position = nil
			next.CalledAt = models.TimePtr(now)
			if err := tx.UpdateToken(ctx, next); err != nil {
				return err
			}
			if _, err := tx.ShiftPositionsAfter(ctx, pivot); err != nil {
				return err
			}
			token = next
			return appendEvent(ctx, tx, token, store.EventTokenCalled, "", now)
		})
	})
	if err != nil {
		return models.Token{}, err
	}

	e.invalidate(ctx, token.DoctorID)
	e.log.Info().Str("doctor_id", token.DoctorID).Str("token_id", token.TokenID).
		Str("token_number", token.TokenNumber).Msg("token called")
	return token, nil
}

// StartConsultation marks a CALLED patient as being seen.
func (e *Engine) StartConsultation(ctx context.Context, tokenID string) (token models.Token, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.StartConsultation", trace.WithAttributes(attribute.String("token.id", tokenID)))
	defer func() { endSpan(span, err) }()

	err = e.atomically(ctx, "start", func() error {
		return e.store.WithToken(ctx, tokenID, func(tx store.DoctorTx) error {
			current, err := tx.GetToken(ctx, tokenID)
			if err != nil {
				return err
			}
			if !store.ValidTransition(store.ActionStart, current.Status) {
				return fmt.Errorf("%w: cannot start token in status %s", store.ErrInvalidState, current.Status)
			}
			now := e.now().UTC()
			current.Status, _ = store.TargetStatus(store.ActionStart)
			current.StartedAt = models.TimePtr(now)
			if err := tx.UpdateToken(ctx, current); err != nil {
				return err
			}
			token = current
			return appendEvent(ctx, tx, token, store.EventTokenStarted, "", now)
		})
	})
	if err != nil {
		return models.Token{}, err
	}

	e.invalidate(ctx, token.DoctorID)
	e.log.Info().Str("doctor_id", token.DoctorID).Str("token_id", token.TokenID).Msg("consultation started")
	return token, nil
}

// CompleteConsultation closes a called or in-progress token, records the
// consultation and refreshes the doctor's average duration.
func (e *Engine) CompleteConsultation(ctx context.Context, tokenID, notes string) (token models.Token, consultation models.Consultation, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.CompleteConsultation", trace.WithAttributes(attribute.String("token.id", tokenID)))
	defer func() { endSpan(span, err) }()

	err = e.atomically(ctx, "complete", func() error {
		return e.store.WithToken(ctx, tokenID, func(tx store.DoctorTx) error {
			current, err := tx.GetToken(ctx, tokenID)
			if err != nil {
				return err
			}
			if !store.ValidTransition(store.ActionComplete, current.Status) {
				return fmt.Errorf("%w: cannot complete token in status %s", store.ErrInvalidState, current.Status)
			}
			if current.CalledAt == nil {
				return fmt.Errorf("%w: token %s was never called", store.ErrInternal, current.TokenID)
			}
			now := e.now().UTC()
			current.Status, _ = store.TargetStatus(store.ActionComplete)
			current.CompletedAt = models.TimePtr(now)
			if err := tx.UpdateToken(ctx, current); err != nil {
				return err
			}
			recorded, err := e.recordConsultation(ctx, tx, current, notes, now)
			if err != nil {
				return err
			}
			token, consultation = current, recorded
			return appendEvent(ctx, tx, token, store.EventTokenCompleted, consultation.ConsultationID, now)
		})
	})
	if err != nil {
		return models.Token{}, models.Consultation{}, err
	}

	e.invalidate(ctx, token.DoctorID)
	e.log.Info().Str("doctor_id", token.DoctorID).Str("token_id", token.TokenID).
		Int("duration_minutes", consultation.DurationMinutes).Msg("consultation completed")
	return token, consultation, nil
}

// CancelToken withdraws a token that has not reached a terminal state.
func (e *Engine) CancelToken(ctx context.Context, tokenID string) (token models.Token, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.CancelToken", trace.WithAttributes(attribute.String("token.id", tokenID)))
	defer func() { endSpan(span, err) }()

	err = e.atomically(ctx, "cancel", func() error {
		return e.store.WithToken(ctx, tokenID, func(tx store.DoctorTx) error {
			current, err := tx.GetToken(ctx, tokenID)
			if err != nil {
				return err
			}
			if !store.ValidTransition(store.ActionCancel, current.Status) {
				return fmt.Errorf("%w: cannot cancel token in status %s", store.ErrInvalidState, current.Status)
			}
			pivot := current.Position
			now := e.now().UTC()
			current.Status, _ = store.TargetStatus(store.ActionCancel)
			current.Position = nil
			if err := tx.UpdateToken(ctx, current); err != nil {
				return err
			}
			if pivot != nil {
				if _, err := tx.ShiftPositionsAfter(ctx, *pivot); err != nil {
					return err
				}
			}
			token = current
			return appendEvent(ctx, tx, token, store.EventTokenCancelled, "", now)
		})
	})
	if err != nil {
		return models.Token{}, err
	}

	e.invalidate(ctx, token.DoctorID)
	e.log.Info().Str("doctor_id", token.DoctorID).Str("token_id", token.TokenID).Msg("token cancelled")
	return token, nil
}

func (e *Engine) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return e.store.GetToken(ctx, tokenID)
}

func (e *Engine) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	return e.store.GetDoctor(ctx, doctorID)
}

// ListQueue returns the doctor's active tokens followed by WAITING tokens in
// position order, served from the cache when one is configured.
func (e *Engine) ListQueue(ctx context.Context, doctorID string) ([]models.Token, error) {
	if e.cache != nil {
		tokens, found, err := e.cache.Get(ctx, doctorID)
		if err != nil {
			e.log.Warn().Err(err).Str("doctor_id", doctorID).Msg("queue cache read failed")
		} else if found {
			return tokens, nil
		}
	}

	tokens, err := e.store.ListQueue(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.Set(ctx, doctorID, tokens); err != nil {
			e.log.Warn().Err(err).Str("doctor_id", doctorID).Msg("queue cache write failed")
		}
	}
	return tokens, nil
}

// ListTokenEvents returns the token's history after checking its hash chain.
func (e *Engine) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	events, err := e.store.ListTokenEvents(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if err := store.VerifyTokenEvents(events); err != nil {
		e.log.Error().Err(err).Str("token_id", tokenID).Msg("token event chain broken")
		return nil, store.ErrInternal
	}
	return events, nil
}

func (e *Engine) invalidate(ctx context.Context, doctorID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, doctorID); err != nil {
		e.log.Warn().Err(err).Str("doctor_id", doctorID).Msg("queue cache invalidation failed")
	}
}

func appendEvent(ctx context.Context, tx store.DoctorTx, token models.Token, eventType, consultationID string, at time.Time) error {
	payload, err := store.TokenEventPayload(token, consultationID)
	if err != nil {
		return err
	}
	return tx.AppendTokenEvent(ctx, token.TokenID, eventType, payload, at)
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
