package models

import "time"

type Consultation struct {
	ConsultationID  string    `json:"consultation_id"`
	TokenID         string    `json:"token_id"`
	DoctorID        string    `json:"doctor_id"`
	PatientID       *string   `json:"patient_id,omitempty"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Notes           string    `json:"notes,omitempty"`
}
