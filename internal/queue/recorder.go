package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

// recordConsultation stores the finished visit and rewrites the doctor's
// average with the rounded mean of all their consultations. A zero mean
// leaves the previous average in place.
func (e *Engine) recordConsultation(ctx context.Context, tx store.DoctorTx, token models.Token, notes string, end time.Time) (models.Consultation, error) {
	start := *token.CalledAt
	consultation := models.Consultation{
		ConsultationID:  uuid.NewString(),
		TokenID:         token.TokenID,
		DoctorID:        token.DoctorID,
		PatientID:       token.PatientID,
		StartTime:       start,
		EndTime:         end,
		DurationMinutes: ConsultationDuration(start, end),
		Notes:           notes,
	}
	if err := tx.InsertConsultation(ctx, consultation); err != nil {
		return models.Consultation{}, err
	}

	mean, ok, err := tx.AverageConsultationMinutes(ctx)
	if err != nil {
		return models.Consultation{}, err
	}
	if !ok {
		return consultation, nil
	}
	rounded := int(math.Round(mean))
	if rounded <= 0 {
		return consultation, nil
	}
	if err := tx.UpdateAverageConsultation(ctx, rounded); err != nil {
		if errors.Is(err, store.ErrDoctorNotFound) {
			return models.Consultation{}, fmt.Errorf("%w: doctor %s vanished while recording consultation", store.ErrInternal, token.DoctorID)
		}
		return models.Consultation{}, err
	}
	return consultation, nil
}
