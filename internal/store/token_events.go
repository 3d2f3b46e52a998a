package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
)

const (
	EventTokenJoined    = "token.joined"
	EventTokenCalled    = "token.called"
	EventTokenStarted   = "token.started"
	EventTokenCompleted = "token.completed"
	EventTokenCancelled = "token.cancelled"
)

type TokenEvent struct {
	TokenID   string          `json:"token_id"`
	TokenSeq  int             `json:"token_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TokenID              string     `json:"token_id"`
	TokenNumber          string     `json:"token_number"`
	DoctorID             string     `json:"doctor_id"`
	PatientName          string     `json:"patient_name,omitempty"`
	Status               string     `json:"status"`
	Position             *int       `json:"position"`
	EstimatedWaitMinutes *int       `json:"estimated_wait_minutes,omitempty"`
	JoinedAt             *time.Time `json:"joined_at,omitempty"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	ConsultationID       string     `json:"consultation_id,omitempty"`
}

// TokenEventPayload snapshots the token into the JSON stored with each event.
func TokenEventPayload(token models.Token, consultationID string) ([]byte, error) {
	payload := eventPayload{
		TokenID:        token.TokenID,
		TokenNumber:    token.TokenNumber,
		DoctorID:       token.DoctorID,
		PatientName:    token.PatientName,
		Status:         token.Status,
		Position:       token.Position,
		CalledAt:       token.CalledAt,
		StartedAt:      token.StartedAt,
		CompletedAt:    token.CompletedAt,
		ConsultationID: consultationID,
	}
	if token.Status == models.StatusWaiting {
		joinedAt := token.JoinedAt
		wait := token.EstimatedWaitMinutes
		payload.JoinedAt = &joinedAt
		payload.EstimatedWaitMinutes = &wait
	}
	return json.Marshal(payload)
}

func ComputeTokenEventHash(prevHash, tokenID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, tokenID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyTokenEvents checks that the events form an unbroken hash chain.
func VerifyTokenEvents(events []TokenEvent) error {
	prev := ""
	for i, event := range events {
		if event.TokenSeq != i+1 {
			return fmt.Errorf("event %d: sequence %d out of order", i, event.TokenSeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("event %d: prev hash mismatch", event.TokenSeq)
		}
		want := ComputeTokenEventHash(prev, event.TokenID, event.Type, event.Payload, event.CreatedAt, event.TokenSeq)
		if event.Hash != want {
			return fmt.Errorf("event %d: hash mismatch", event.TokenSeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateToken replays events into the latest known token state.
func RehydrateToken(events []TokenEvent) (models.Token, error) {
	var token models.Token
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Token{}, err
		}
		if payload.TokenID != "" {
			token.TokenID = payload.TokenID
		}
		if payload.TokenNumber != "" {
			token.TokenNumber = payload.TokenNumber
		}
		if payload.DoctorID != "" {
			token.DoctorID = payload.DoctorID
		}
		if payload.PatientName != "" {
			token.PatientName = payload.PatientName
		}
		if payload.Status != "" {
			token.Status = payload.Status
		}
		token.Position = payload.Position
		if payload.EstimatedWaitMinutes != nil {
			token.EstimatedWaitMinutes = *payload.EstimatedWaitMinutes
		}
		if payload.JoinedAt != nil {
			token.JoinedAt = *payload.JoinedAt
		}
		if payload.CalledAt != nil {
			token.CalledAt = payload.CalledAt
		}
		if payload.StartedAt != nil {
			token.StartedAt = payload.StartedAt
		}
		if payload.CompletedAt != nil {
			token.CompletedAt = payload.CompletedAt
		}
	}
	return token, nil
}
