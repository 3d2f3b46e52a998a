// Package memory is an embedded TokenStore. Each doctor's queue is guarded by
// its own mutex, so work on one doctor never waits on another.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

type Store struct {
	queues sync.Map // doctorID -> *doctorQueue
	tokens sync.Map // tokenID -> doctorID
}

type doctorQueue struct {
	mu    sync.Mutex
	state queueState
}

// queueState keeps every token the doctor ever issued. open indexes the
// non-terminal ones so queue work stays proportional to the live queue.
type queueState struct {
	doctor        models.Doctor
	tokens        []models.Token
	index         map[string]int
	open          map[int]struct{}
	consultations []models.Consultation
	totalMinutes  int
	events        map[string][]store.TokenEvent
	nextSeq       int
}

func newQueueState(doctor models.Doctor) queueState {
	return queueState{
		doctor: doctor,
		index:  make(map[string]int),
		open:   make(map[int]struct{}),
		events: make(map[string][]store.TokenEvent),
	}
}

func NewStore() *Store {
	return &Store{}
}

// AddDoctor registers a doctor. Re-adding an existing doctor replaces its
// profile and keeps its queue.
func (s *Store) AddDoctor(doctor models.Doctor) {
	fresh := &doctorQueue{state: newQueueState(doctor)}
	existing, loaded := s.queues.LoadOrStore(doctor.DoctorID, fresh)
	if !loaded {
		return
	}
	q := existing.(*doctorQueue)
	q.mu.Lock()
	q.state.doctor = doctor
	q.mu.Unlock()
}

func (s *Store) queue(doctorID string) (*doctorQueue, error) {
	value, ok := s.queues.Load(doctorID)
	if !ok {
		return nil, store.ErrDoctorNotFound
	}
	return value.(*doctorQueue), nil
}

func (s *Store) queueForToken(tokenID string) (*doctorQueue, error) {
	doctorID, ok := s.tokens.Load(tokenID)
	if !ok {
		return nil, store.ErrTokenNotFound
	}
	q, err := s.queue(doctorID.(string))
	if err != nil {
		return nil, store.ErrInternal
	}
	return q, nil
}

func (s *Store) WithDoctor(ctx context.Context, doctorID string, fn func(tx store.DoctorTx) error) error {
	q, err := s.queue(doctorID)
	if err != nil {
		return err
	}
	return s.run(ctx, q, fn)
}

func (s *Store) WithToken(ctx context.Context, tokenID string, fn func(tx store.DoctorTx) error) error {
	q, err := s.queueForToken(tokenID)
	if err != nil {
		return err
	}
	return s.run(ctx, q, fn)
}

// run applies fn to the queue in place under its lock. Every write records an
// undo step; if fn fails or the context ends first the steps are replayed in
// reverse and the queue is left as it was.
func (s *Store) run(ctx context.Context, q *doctorQueue, fn func(tx store.DoctorTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	work := &tx{state: &q.state}
	err := fn(work)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		work.rollback()
		return err
	}
	for _, tokenID := range work.inserted {
		s.tokens.Store(tokenID, q.state.doctor.DoctorID)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	q, err := s.queueForToken(tokenID)
	if err != nil {
		return models.Token{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, ok := q.state.index[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return cloneToken(q.state.tokens[idx]), nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	q, err := s.queue(doctorID)
	if err != nil {
		return models.Doctor{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.doctor, nil
}

// ListQueue returns the doctor's active visit(s) followed by the waiting line
// in position order.
func (s *Store) ListQueue(ctx context.Context, doctorID string) ([]models.Token, error) {
	q, err := s.queue(doctorID)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var active, waiting []models.Token
	for idx := range q.state.open {
		token := q.state.tokens[idx]
		switch {
		case models.IsActive(token.Status):
			active = append(active, cloneToken(token))
		case token.Status == models.StatusWaiting:
			waiting = append(waiting, cloneToken(token))
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Sequence < active[j].Sequence })
	sort.Slice(waiting, func(i, j int) bool {
		return *waiting[i].Position < *waiting[j].Position
	})
	return append(active, waiting...), nil
}

func (s *Store) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	q, err := s.queueForToken(tokenID)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.state.events[tokenID]
	out := make([]store.TokenEvent, len(events))
	copy(out, events)
	return out, nil
}

func cloneToken(token models.Token) models.Token {
	if token.Position != nil {
		token.Position = models.IntPtr(*token.Position)
	}
	if token.PatientID != nil {
		id := *token.PatientID
		token.PatientID = &id
	}
	if token.CalledAt != nil {
		token.CalledAt = models.TimePtr(*token.CalledAt)
	}
	if token.StartedAt != nil {
		token.StartedAt = models.TimePtr(*token.StartedAt)
	}
	if token.CompletedAt != nil {
		token.CompletedAt = models.TimePtr(*token.CompletedAt)
	}
	return token
}

type tx struct {
	state    *queueState
	inserted []string
	undo     []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.inserted = nil
}

func (t *tx) Doctor() models.Doctor {
	return t.state.doctor
}

func (t *tx) CountTokens(ctx context.Context, statuses ...string) (int, error) {
	count := 0
	for idx := range t.state.open {
		for _, status := range statuses {
			if t.state.tokens[idx].Status == status {
				count++
				break
			}
		}
	}
	return count, nil
}

func (t *tx) NextTokenSequence(ctx context.Context) (int, error) {
	st := t.state
	prev := st.nextSeq
	st.nextSeq++
	t.undo = append(t.undo, func() { st.nextSeq = prev })
	return st.nextSeq, nil
}

func (t *tx) InsertToken(ctx context.Context, token models.Token) error {
	st := t.state
	idx := len(st.tokens)
	st.tokens = append(st.tokens, cloneToken(token))
	st.index[token.TokenID] = idx
	if !models.IsTerminal(token.Status) {
		st.open[idx] = struct{}{}
	}
	t.inserted = append(t.inserted, token.TokenID)
	t.undo = append(t.undo, func() {
		st.tokens = st.tokens[:idx]
		delete(st.index, token.TokenID)
		delete(st.open, idx)
	})
	return nil
}

func (t *tx) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	idx, ok := t.state.index[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return cloneToken(t.state.tokens[idx]), nil
}

func (t *tx) NextWaiting(ctx context.Context) (models.Token, bool, error) {
	best := -1
	for idx := range t.state.open {
		token := t.state.tokens[idx]
		if token.Status != models.StatusWaiting {
			continue
		}
		if best < 0 || earlier(token, t.state.tokens[best]) {
			best = idx
		}
	}
	if best < 0 {
		return models.Token{}, false, nil
	}
	return cloneToken(t.state.tokens[best]), true, nil
}

func earlier(a, b models.Token) bool {
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.Sequence < b.Sequence
}

func (t *tx) UpdateToken(ctx context.Context, token models.Token) error {
	st := t.state
	idx, ok := st.index[token.TokenID]
	if !ok {
		return store.ErrTokenNotFound
	}
	old := st.tokens[idx]
	_, wasOpen := st.open[idx]
	st.tokens[idx] = cloneToken(token)
	if models.IsTerminal(token.Status) {
		delete(st.open, idx)
	} else {
		st.open[idx] = struct{}{}
	}
	t.undo = append(t.undo, func() {
		st.tokens[idx] = old
		if wasOpen {
			st.open[idx] = struct{}{}
		} else {
			delete(st.open, idx)
		}
	})
	return nil
}

func (t *tx) ShiftPositionsAfter(ctx context.Context, position int) (int, error) {
	st := t.state
	var moved []int
	for idx := range st.open {
		token := &st.tokens[idx]
		if token.Status != models.StatusWaiting || token.Position == nil || *token.Position <= position {
			continue
		}
		token.Position = models.IntPtr(*token.Position - 1)
		moved = append(moved, idx)
	}
	t.undo = append(t.undo, func() {
		for _, idx := range moved {
			st.tokens[idx].Position = models.IntPtr(*st.tokens[idx].Position + 1)
		}
	})
	return len(moved), nil
}

func (t *tx) InsertConsultation(ctx context.Context, consultation models.Consultation) error {
	st := t.state
	n := len(st.consultations)
	st.consultations = append(st.consultations, consultation)
	st.totalMinutes += consultation.DurationMinutes
	t.undo = append(t.undo, func() {
		st.consultations = st.consultations[:n]
		st.totalMinutes -= consultation.DurationMinutes
	})
	return nil
}

func (t *tx) AverageConsultationMinutes(ctx context.Context) (float64, bool, error) {
	n := len(t.state.consultations)
	if n == 0 {
		return 0, false, nil
	}
	return float64(t.state.totalMinutes) / float64(n), true, nil
}

func (t *tx) UpdateAverageConsultation(ctx context.Context, minutes int) error {
	st := t.state
	prev := st.doctor.AvgConsultationMinutes
	st.doctor.AvgConsultationMinutes = minutes
	t.undo = append(t.undo, func() { st.doctor.AvgConsultationMinutes = prev })
	return nil
}

func (t *tx) AppendTokenEvent(ctx context.Context, tokenID, eventType string, payload []byte, at time.Time) error {
	st := t.state
	events := st.events[tokenID]
	n := len(events)
	prev := ""
	if n > 0 {
		prev = events[n-1].Hash
	}
	seq := n + 1
	createdAt := at.UTC()
	st.events[tokenID] = append(events, store.TokenEvent{
		TokenID:   tokenID,
		TokenSeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeTokenEventHash(prev, tokenID, eventType, payload, createdAt, seq),
	})
	t.undo = append(t.undo, func() {
		if n == 0 {
			delete(st.events, tokenID)
			return
		}
		st.events[tokenID] = st.events[tokenID][:n]
	})
	return nil
}
