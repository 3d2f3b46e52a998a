package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

const (
	tokenColumns = `token_id, token_number, token_seq, doctor_id, patient_id, patient_name, patient_phone,
		status, position, joined_at, called_at, started_at, completed_at, estimated_wait_minutes`
	doctorColumns = `doctor_id, name, department, avg_consultation_minutes, is_available`

	defaultLockTimeout = 5 * time.Second
)

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type Options struct {
	// LockTimeout bounds how long a transaction waits for a doctor's row lock.
	LockTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	timeout := options.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	return &Store{pool: pool, lockTimeout: timeout}
}

// WithDoctor runs fn in a transaction holding the doctor row lock.
func (s *Store) WithDoctor(ctx context.Context, doctorID string, fn func(tx store.DoctorTx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
		return mapError(err)
	}
	doctor, err := lockDoctor(ctx, tx, doctorID)
	if err != nil {
		return mapError(err)
	}
	if err = fn(&doctorTx{tx: tx, doctor: doctor}); err != nil {
		return mapError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) WithToken(ctx context.Context, tokenID string, fn func(tx store.DoctorTx) error) error {
	if !validUUID(tokenID) {
		return store.ErrTokenNotFound
	}
	var doctorID string
	row := s.pool.QueryRow(ctx, `SELECT doctor_id FROM tokens WHERE token_id = $1`, tokenID)
	if err := row.Scan(&doctorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTokenNotFound
		}
		return mapError(err)
	}
	err := s.WithDoctor(ctx, doctorID, fn)
	if errors.Is(err, store.ErrDoctorNotFound) {
		return fmt.Errorf("%w: token %s references missing doctor %s", store.ErrInternal, tokenID, doctorID)
	}
	return err
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	if !validUUID(tokenID) {
		return models.Token{}, store.ErrTokenNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, mapError(err)
	}
	return token, nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE doctor_id = $1`, doctorID)
	doctor, err := scanDoctor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Doctor{}, store.ErrDoctorNotFound
		}
		return models.Doctor{}, mapError(err)
	}
	return doctor, nil
}

// UpsertDoctor inserts or refreshes a doctor profile. The queue-owned
// average is left untouched for existing doctors.
func (s *Store) UpsertDoctor(ctx context.Context, doctor models.Doctor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO doctors (doctor_id, name, department, avg_consultation_minutes, is_available)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (doctor_id)
		DO UPDATE SET name = EXCLUDED.name, department = EXCLUDED.department, is_available = EXCLUDED.is_available
	`, doctor.DoctorID, doctor.Name, doctor.Department, doctor.AvgConsultationMinutes, doctor.IsAvailable)
	return mapError(err)
}

func (s *Store) ListQueue(ctx context.Context, doctorID string) ([]models.Token, error) {
	if _, err := s.GetDoctor(ctx, doctorID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE doctor_id = $1 AND status IN ('WAITING', 'CALLED', 'IN_PROGRESS')
		ORDER BY CASE WHEN status = 'WAITING' THEN 1 ELSE 0 END, position ASC NULLS FIRST, called_at ASC
	`, doctorID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return tokens, nil
}

func (s *Store) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	if _, err := s.GetToken(ctx, tokenID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, token_seq, type, payload, created_at, prev_hash, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq ASC
	`, tokenID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		var payload []byte
		if err := rows.Scan(&event.TokenID, &event.TokenSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return events, nil
}

func lockDoctor(ctx context.Context, tx pgx.Tx, doctorID string) (models.Doctor, error) {
	row := tx.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE doctor_id = $1 FOR UPDATE`, doctorID)
	doctor, err := scanDoctor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Doctor{}, store.ErrDoctorNotFound
		}
		return models.Doctor{}, err
	}
	return doctor, nil
}

// mapError turns driver failures into store errors. Serialization failures,
// deadlocks and lock timeouts are conflicts the caller may retry.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		case pgerrcode.InvalidTextRepresentation:
			return fmt.Errorf("%w: %s", store.ErrInvalidInput, pgErr.Message)
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var patientID sql.NullString
	var position sql.NullInt32
	var calledAt, startedAt, completedAt sql.NullTime
	if err := row.Scan(&token.TokenID, &token.TokenNumber, &token.Sequence, &token.DoctorID, &patientID,
		&token.PatientName, &token.PatientPhone, &token.Status, &position, &token.JoinedAt,
		&calledAt, &startedAt, &completedAt, &token.EstimatedWaitMinutes); err != nil {
		return models.Token{}, err
	}
	token.PatientID = nullStringPtr(patientID)
	token.Position = nullIntPtr(position)
	token.JoinedAt = token.JoinedAt.UTC()
	token.CalledAt = nullTimePtr(calledAt)
	token.StartedAt = nullTimePtr(startedAt)
	token.CompletedAt = nullTimePtr(completedAt)
	return token, nil
}

func scanDoctor(row pgx.Row) (models.Doctor, error) {
	var doctor models.Doctor
	err := row.Scan(&doctor.DoctorID, &doctor.Name, &doctor.Department, &doctor.AvgConsultationMinutes, &doctor.IsAvailable)
	return doctor, err
}

func validUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullIntPtr(value sql.NullInt32) *int {
	if !value.Valid {
		return nil
	}
	n := int(value.Int32)
	return &n
}
