package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"qms/clinic-queue/internal/models"
)

var demoDoctors = []models.Doctor{
	{DoctorID: "dr-rajesh-sharma", Name: "Dr. Rajesh Sharma", Department: "Cardiology", AvgConsultationMinutes: 15, IsAvailable: true},
	{DoctorID: "dr-priya-patel", Name: "Dr. Priya Patel", Department: "Pediatrics", AvgConsultationMinutes: 10, IsAvailable: true},
}

type doctorUpserter interface {
	UpsertDoctor(ctx context.Context, doctor models.Doctor) error
}

func seedDoctors(ctx context.Context, st doctorUpserter, logger zerolog.Logger) error {
	for _, doctor := range demoDoctors {
		if err := st.UpsertDoctor(ctx, doctor); err != nil {
			return fmt.Errorf("seed doctor %s: %w", doctor.DoctorID, err)
		}
		logger.Info().Str("doctor_id", doctor.DoctorID).Msg("seeded doctor")
	}
	return nil
}
