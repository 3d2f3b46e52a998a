package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

// doctorTx scopes every statement to the locked doctor.
type doctorTx struct {
	tx     pgx.Tx
	doctor models.Doctor
}

func (t *doctorTx) Doctor() models.Doctor {
	return t.doctor
}

func (t *doctorTx) CountTokens(ctx context.Context, statuses ...string) (int, error) {
	var count int
	row := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tokens WHERE doctor_id = $1 AND status = ANY($2)
	`, t.doctor.DoctorID, statuses)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (t *doctorTx) NextTokenSequence(ctx context.Context) (int, error) {
	var next int
	row := t.tx.QueryRow(ctx, `
		INSERT INTO doctor_token_sequences (doctor_id, next_number)
		VALUES ($1, 1)
		ON CONFLICT (doctor_id)
		DO UPDATE SET next_number = doctor_token_sequences.next_number + 1
		RETURNING next_number
	`, t.doctor.DoctorID)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *doctorTx) InsertToken(ctx context.Context, token models.Token) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tokens (
			token_id, token_number, token_seq, doctor_id, patient_id, patient_name, patient_phone,
			status, position, joined_at, called_at, started_at, completed_at, estimated_wait_minutes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, token.TokenID, token.TokenNumber, token.Sequence, t.doctor.DoctorID, token.PatientID, token.PatientName,
		token.PatientPhone, token.Status, token.Position, token.JoinedAt, token.CalledAt, token.StartedAt,
		token.CompletedAt, token.EstimatedWaitMinutes)
	return err
}

func (t *doctorTx) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1 AND doctor_id = $2`, tokenID, t.doctor.DoctorID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func (t *doctorTx) NextWaiting(ctx context.Context) (models.Token, bool, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE doctor_id = $1 AND status = 'WAITING'
		ORDER BY joined_at ASC, token_seq ASC
		LIMIT 1
	`, t.doctor.DoctorID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (t *doctorTx) UpdateToken(ctx context.Context, token models.Token) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE tokens
		SET status = $3, position = $4, called_at = $5, started_at = $6, completed_at = $7
		WHERE token_id = $1 AND doctor_id = $2
	`, token.TokenID, t.doctor.DoctorID, token.Status, token.Position, token.CalledAt, token.StartedAt, token.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTokenNotFound
	}
	return nil
}

func (t *doctorTx) ShiftPositionsAfter(ctx context.Context, position int) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE tokens
		SET position = position - 1
		WHERE doctor_id = $1 AND status = 'WAITING' AND position > $2
	`, t.doctor.DoctorID, position)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *doctorTx) InsertConsultation(ctx context.Context, c models.Consultation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO consultations (consultation_id, token_id, doctor_id, patient_id, start_time, end_time, duration_minutes, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, c.ConsultationID, c.TokenID, t.doctor.DoctorID, c.PatientID, c.StartTime, c.EndTime, c.DurationMinutes, c.Notes)
	return err
}

func (t *doctorTx) AverageConsultationMinutes(ctx context.Context) (float64, bool, error) {
	var avg *float64
	row := t.tx.QueryRow(ctx, `
		SELECT AVG(duration_minutes)::float8 FROM consultations WHERE doctor_id = $1
	`, t.doctor.DoctorID)
	if err := row.Scan(&avg); err != nil {
		return 0, false, err
	}
	if avg == nil {
		return 0, false, nil
	}
	return *avg, true, nil
}

func (t *doctorTx) UpdateAverageConsultation(ctx context.Context, minutes int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE doctors SET avg_consultation_minutes = $2 WHERE doctor_id = $1
	`, t.doctor.DoctorID, minutes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDoctorNotFound
	}
	t.doctor.AvgConsultationMinutes = minutes
	return nil
}

// AppendTokenEvent extends the token's hash chain. The doctor lock already
// serializes writers, the row lock guards against direct SQL edits.
func (t *doctorTx) AppendTokenEvent(ctx context.Context, tokenID, eventType string, payload []byte, at time.Time) error {
	var lastSeq int
	var prev string
	row := t.tx.QueryRow(ctx, `
		SELECT token_seq, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq DESC
		LIMIT 1
		FOR UPDATE
	`, tokenID)
	if err := row.Scan(&lastSeq, &prev); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	// timestamptz keeps microseconds; hash what will be read back.
	createdAt := at.UTC().Truncate(time.Microsecond)
	hash := store.ComputeTokenEventHash(prev, tokenID, eventType, payload, createdAt, nextSeq)

	_, err := t.tx.Exec(ctx, `
		INSERT INTO token_events (token_id, token_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tokenID, nextSeq, eventType, string(payload), createdAt, prev, hash)
	return err
}
