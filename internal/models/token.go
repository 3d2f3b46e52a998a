package models

import "time"

type Token struct {
	TokenID              string     `json:"token_id"`
	TokenNumber          string     `json:"token_number"`
	Sequence             int        `json:"sequence"`
	DoctorID             string     `json:"doctor_id"`
	PatientID            *string    `json:"patient_id,omitempty"`
	PatientName          string     `json:"patient_name"`
	PatientPhone         string     `json:"patient_phone"`
	Status               string     `json:"status"`
	Position             *int       `json:"position"`
	JoinedAt             time.Time  `json:"joined_at"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
}

const (
	StatusWaiting    = "WAITING"
	StatusCalled     = "CALLED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed out of status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// IsActive reports whether the doctor is currently attending the token.
func IsActive(status string) bool {
	return status == StatusCalled || status == StatusInProgress
}

func IntPtr(value int) *int {
	return &value
}

func TimePtr(value time.Time) *time.Time {
	return &value
}
