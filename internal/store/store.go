package store

import (
	"context"
	"time"

	"qms/clinic-queue/internal/models"
)

// TokenStore is the durable home of tokens, consultations and the doctor
// fields the queue owns. All mutations go through a doctor-scoped transaction:
// two transactions on the same doctor are serialized, transactions on
// different doctors are not.
type TokenStore interface {
	// WithDoctor runs fn inside one atomic unit holding the doctor's queue lock.
	// If fn returns an error nothing it wrote is kept.
	WithDoctor(ctx context.Context, doctorID string, fn func(tx DoctorTx) error) error
	// WithToken resolves the token's doctor and behaves like WithDoctor.
	WithToken(ctx context.Context, tokenID string, fn func(tx DoctorTx) error) error

	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error)
	ListQueue(ctx context.Context, doctorID string) ([]models.Token, error)
	ListTokenEvents(ctx context.Context, tokenID string) ([]TokenEvent, error)
}

// DoctorTx is the set of reads and writes available inside a doctor-scoped
// atomic unit. Every method only sees and touches that doctor's rows.
type DoctorTx interface {
	Doctor() models.Doctor

	CountTokens(ctx context.Context, statuses ...string) (int, error)
	NextTokenSequence(ctx context.Context) (int, error)
	InsertToken(ctx context.Context, token models.Token) error
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	NextWaiting(ctx context.Context) (models.Token, bool, error)
	UpdateToken(ctx context.Context, token models.Token) error
	// ShiftPositionsAfter decrements the position of every WAITING token
	// ranked behind position and returns how many rows moved.
	ShiftPositionsAfter(ctx context.Context, position int) (int, error)

	InsertConsultation(ctx context.Context, consultation models.Consultation) error
	AverageConsultationMinutes(ctx context.Context) (float64, bool, error)
	UpdateAverageConsultation(ctx context.Context, minutes int) error

	AppendTokenEvent(ctx context.Context, tokenID, eventType string, payload []byte, at time.Time) error
}
