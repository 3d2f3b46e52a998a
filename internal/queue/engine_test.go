package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingCache struct {
	mu      sync.Mutex
	entries map[string][]models.Token
	doctors []string
}

func (c *recordingCache) Get(ctx context.Context, doctorID string) ([]models.Token, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tokens, ok := c.entries[doctorID]
	return tokens, ok, nil
}

func (c *recordingCache) Set(ctx context.Context, doctorID string, tokens []models.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string][]models.Token)
	}
	c.entries[doctorID] = tokens
	return nil
}

func (c *recordingCache) Invalidate(ctx context.Context, doctorID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, doctorID)
	c.doctors = append(c.doctors, doctorID)
	return nil
}

const (
	cardiology = "doc-cardio"
	pediatrics = "doc-peds"
)

func newTestEngine(t *testing.T, mutate ...func(*Options)) (*Engine, *memory.Store, *fakeClock) {
	t.Helper()
	st := memory.NewStore()
	st.AddDoctor(models.Doctor{DoctorID: cardiology, Name: "Dr. Rao", Department: "Cardiology", AvgConsultationMinutes: 15, IsAvailable: true})
	st.AddDoctor(models.Doctor{DoctorID: pediatrics, Name: "Dr. Lim", Department: "Pediatrics", AvgConsultationMinutes: 10, IsAvailable: true})
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Now = clock.Now
	opts.RetryBackoff = time.Millisecond
	for _, fn := range mutate {
		fn(&opts)
	}
	return NewEngine(st, zerolog.Nop(), opts), st, clock
}

func join(t *testing.T, e *Engine, doctorID, name string) models.Token {
	t.Helper()
	token, err := e.JoinQueue(context.Background(), JoinInput{DoctorID: doctorID, PatientName: name, PatientPhone: "+15551234567"})
	require.NoError(t, err)
	return token
}

func assertContiguous(t *testing.T, st store.TokenStore, doctorID string) {
	t.Helper()
	queue, err := st.ListQueue(context.Background(), doctorID)
	require.NoError(t, err)
	want := 1
	for _, token := range queue {
		if token.Status != models.StatusWaiting {
			assert.Nil(t, token.Position, "token %s in %s has a position", token.TokenNumber, token.Status)
			continue
		}
		require.NotNil(t, token.Position)
		assert.Equal(t, want, *token.Position, "token %s", token.TokenNumber)
		want++
	}
}

func TestJoinQueueIssuesTokensBehindEachOther(t *testing.T) {
	e, _, clock := newTestEngine(t)

	alice := join(t, e, cardiology, "Alice")
	assert.Equal(t, "C-001", alice.TokenNumber)
	assert.Equal(t, models.StatusWaiting, alice.Status)
	require.NotNil(t, alice.Position)
	assert.Equal(t, 1, *alice.Position)
	assert.Equal(t, 0, alice.EstimatedWaitMinutes)
	assert.Equal(t, clock.Now(), alice.JoinedAt)

	clock.Advance(time.Minute)
	bob := join(t, e, cardiology, "Bob")
	assert.Equal(t, "C-002", bob.TokenNumber)
	assert.Equal(t, 2, *bob.Position)
	assert.Equal(t, 15, bob.EstimatedWaitMinutes)
	assert.NotEqual(t, alice.TokenID, bob.TokenID)
}

func TestJoinBehindConsultationInProgress(t *testing.T) {
	e, _, _ := newTestEngine(t)
	alice := join(t, e, cardiology, "Alice")
	_, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)
	_, err = e.StartConsultation(context.Background(), alice.TokenID)
	require.NoError(t, err)

	bob := join(t, e, cardiology, "Bob")
	require.NotNil(t, bob.Position)
	assert.Equal(t, 1, *bob.Position)
	assert.Equal(t, 0, bob.EstimatedWaitMinutes, "a visit already in progress does not count toward the wait")

	carol := join(t, e, cardiology, "Carol")
	assert.Equal(t, 2, *carol.Position)
	assert.Equal(t, 15, carol.EstimatedWaitMinutes)
}

func TestJoinBehindCalledToken(t *testing.T) {
	e, _, _ := newTestEngine(t)
	join(t, e, cardiology, "Alice")
	_, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)

	bob := join(t, e, cardiology, "Bob")
	assert.Equal(t, 1, *bob.Position)
	assert.Equal(t, 15, bob.EstimatedWaitMinutes)
}

func TestJoinQueueRejectsMalformedPatientID(t *testing.T) {
	e, st, _ := newTestEngine(t)
	bad := "not-a-uuid"
	_, err := e.JoinQueue(context.Background(), JoinInput{DoctorID: cardiology, PatientID: &bad, PatientName: "Alice"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	queue, err := st.ListQueue(context.Background(), cardiology)
	require.NoError(t, err)
	assert.Empty(t, queue)

	good := "8f14e45f-ceea-4e7a-9d3c-5b1f2a7c6e10"
	token, err := e.JoinQueue(context.Background(), JoinInput{DoctorID: cardiology, PatientID: &good, PatientName: "Alice"})
	require.NoError(t, err)
	require.NotNil(t, token.PatientID)
	assert.Equal(t, good, *token.PatientID)
	assert.Equal(t, "C-001", token.TokenNumber)
}

func TestJoinQueueUnknownDoctor(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.JoinQueue(context.Background(), JoinInput{DoctorID: "missing", PatientName: "Alice"})
	assert.ErrorIs(t, err, store.ErrDoctorNotFound)
}

func TestJoinQueueUsesFallbackAverage(t *testing.T) {
	e, st, _ := newTestEngine(t)
	st.AddDoctor(models.Doctor{DoctorID: "doc-new", Department: "Dermatology", IsAvailable: true})

	join(t, e, "doc-new", "Alice")
	bob := join(t, e, "doc-new", "Bob")
	assert.Equal(t, "D-002", bob.TokenNumber)
	assert.Equal(t, 10, bob.EstimatedWaitMinutes)
}

func TestJoinQueueUnavailableDoctor(t *testing.T) {
	t.Run("allowed by default", func(t *testing.T) {
		e, st, _ := newTestEngine(t)
		st.AddDoctor(models.Doctor{DoctorID: "doc-off", Department: "Neurology", AvgConsultationMinutes: 20})
		token := join(t, e, "doc-off", "Alice")
		assert.Equal(t, "N-001", token.TokenNumber)
	})
	t.Run("rejected when required", func(t *testing.T) {
		e, st, _ := newTestEngine(t, func(o *Options) { o.RequireAvailable = true })
		st.AddDoctor(models.Doctor{DoctorID: "doc-off", Department: "Neurology", AvgConsultationMinutes: 20})
		_, err := e.JoinQueue(context.Background(), JoinInput{DoctorID: "doc-off", PatientName: "Alice"})
		assert.ErrorIs(t, err, store.ErrDoctorUnavailable)
	})
}

func TestCallNextPromotesOldestAndShiftsQueue(t *testing.T) {
	e, st, clock := newTestEngine(t)
	alice := join(t, e, cardiology, "Alice")
	clock.Advance(time.Minute)
	bob := join(t, e, cardiology, "Bob")

	clock.Advance(time.Minute)
	called, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)
	assert.Equal(t, alice.TokenID, called.TokenID)
	assert.Equal(t, models.StatusCalled, called.Status)
	assert.Nil(t, called.Position)
	require.NotNil(t, called.CalledAt)
	assert.Equal(t, clock.Now(), *called.CalledAt)

	bobNow, err := e.GetToken(context.Background(), bob.TokenID)
	require.NoError(t, err)
	assert.Equal(t, 1, *bobNow.Position)
	assertContiguous(t, st, cardiology)
}

func TestCallNextEmptyQueue(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.CallNext(context.Background(), cardiology)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)

	_, err = e.CallNext(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrDoctorNotFound)
}

func TestCallNextWhileDoctorBusy(t *testing.T) {
	e, _, _ := newTestEngine(t)
	join(t, e, cardiology, "Alice")
	join(t, e, cardiology, "Bob")

	_, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)
	_, err = e.CallNext(context.Background(), cardiology)
	assert.ErrorIs(t, err, store.ErrDoctorBusy)

	relaxed, _, _ := newTestEngine(t, func(o *Options) { o.EnforceSingleActive = false })
	join(t, relaxed, cardiology, "Alice")
	join(t, relaxed, cardiology, "Bob")
	_, err = relaxed.CallNext(context.Background(), cardiology)
	require.NoError(t, err)
	_, err = relaxed.CallNext(context.Background(), cardiology)
	assert.NoError(t, err)
}

func TestCompleteConsultationUpdatesAverage(t *testing.T) {
	e, _, clock := newTestEngine(t)
	alice := join(t, e, cardiology, "Alice")
	clock.Advance(time.Minute)
	bob := join(t, e, cardiology, "Bob")

	_, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)
	clock.Advance(12 * time.Minute)

	done, consultation, err := e.CompleteConsultation(context.Background(), alice.TokenID, "follow up in 2 weeks")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, clock.Now(), *done.CompletedAt)
	assert.Equal(t, 12, consultation.DurationMinutes)
	assert.Equal(t, *done.CalledAt, consultation.StartTime)
	assert.Equal(t, "follow up in 2 weeks", consultation.Notes)

	doctor, err := e.GetDoctor(context.Background(), cardiology)
	require.NoError(t, err)
	assert.Equal(t, 12, doctor.AvgConsultationMinutes)

	bobNow, err := e.GetToken(context.Background(), bob.TokenID)
	require.NoError(t, err)
	assert.Equal(t, 1, *bobNow.Position)
	assert.Equal(t, 15, bobNow.EstimatedWaitMinutes, "estimate is fixed at join time")
}

func TestCompleteConsultationZeroMeanKeepsAverage(t *testing.T) {
	e, _, _ := newTestEngine(t)
	alice := join(t, e, cardiology, "Alice")
	_, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)

	_, consultation, err := e.CompleteConsultation(context.Background(), alice.TokenID, "")
	require.NoError(t, err)
	assert.Equal(t, 0, consultation.DurationMinutes)

	doctor, err := e.GetDoctor(context.Background(), cardiology)
	require.NoError(t, err)
	assert.Equal(t, 15, doctor.AvgConsultationMinutes)
}

func TestAverageIsOrderIndependent(t *testing.T) {
	durations := []time.Duration{7 * time.Minute, 20 * time.Minute, 11 * time.Minute}
	reversed := []time.Duration{durations[2], durations[1], durations[0]}

	run := func(ds []time.Duration) int {
		e, _, clock := newTestEngine(t)
		for _, d := range ds {
			token := join(t, e, pediatrics, "Patient")
			_, err := e.CallNext(context.Background(), pediatrics)
			require.NoError(t, err)
			clock.Advance(d)
			_, _, err = e.CompleteConsultation(context.Background(), token.TokenID, "")
			require.NoError(t, err)
		}
		doctor, err := e.GetDoctor(context.Background(), pediatrics)
		require.NoError(t, err)
		return doctor.AvgConsultationMinutes
	}

	first := run(durations)
	assert.Equal(t, 13, first)
	assert.Equal(t, first, run(reversed))
}

func TestCompleteRequiresCalledOrInProgress(t *testing.T) {
	e, _, clock := newTestEngine(t)
	alice := join(t, e, cardiology, "Alice")

	_, _, err := e.CompleteConsultation(context.Background(), alice.TokenID, "")
	assert.ErrorIs(t, err, store.ErrInvalidState)

	_, err = e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	started, err := e.StartConsultation(context.Background(), alice.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, started.Status)
	require.NotNil(t, started.StartedAt)

	clock.Advance(8 * time.Minute)
	_, consultation, err := e.CompleteConsultation(context.Background(), alice.TokenID, "")
	require.NoError(t, err)
	assert.Equal(t, 10, consultation.DurationMinutes, "duration runs from the call")

	_, _, err = e.CompleteConsultation(context.Background(), "missing", "")
	assert.ErrorIs(t, err, store.ErrTokenNotFound)
}

func TestStartConsultationRequiresCalled(t *testing.T) {
	e, _, _ := newTestEngine(t)
	alice := join(t, e, cardiology, "Alice")
	_, err := e.StartConsultation(context.Background(), alice.TokenID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestCancelWaitingTokenShiftsQueue(t *testing.T) {
	e, st, clock := newTestEngine(t)
	var tokens []models.Token
	for _, name := range []string{"Alice", "Bob", "Cara"} {
		tokens = append(tokens, join(t, e, pediatrics, name))
		clock.Advance(time.Minute)
	}

	cancelled, err := e.CancelToken(context.Background(), tokens[1].TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.Position)

	cara, err := e.GetToken(context.Background(), tokens[2].TokenID)
	require.NoError(t, err)
	assert.Equal(t, 2, *cara.Position)
	assertContiguous(t, st, pediatrics)

	_, err = e.CancelToken(context.Background(), tokens[1].TokenID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestCancelCalledTokenFreesDoctor(t *testing.T) {
	e, _, _ := newTestEngine(t)
	alice := join(t, e, cardiology, "Alice")
	bob := join(t, e, cardiology, "Bob")
	_, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)

	_, err = e.CancelToken(context.Background(), alice.TokenID)
	require.NoError(t, err)

	next, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)
	assert.Equal(t, bob.TokenID, next.TokenID)
}

func TestTerminalTokensAreImmutable(t *testing.T) {
	e, _, clock := newTestEngine(t)
	alice := join(t, e, cardiology, "Alice")
	_, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	_, _, err = e.CompleteConsultation(context.Background(), alice.TokenID, "")
	require.NoError(t, err)

	_, err = e.CancelToken(context.Background(), alice.TokenID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
	_, err = e.StartConsultation(context.Background(), alice.TokenID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
	_, _, err = e.CompleteConsultation(context.Background(), alice.TokenID, "")
	assert.ErrorIs(t, err, store.ErrInvalidState)

	after, err := e.GetToken(context.Background(), alice.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, after.Status)
}

func TestTokenNumbersStayUniqueAfterCancellation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	first := join(t, e, cardiology, "Alice")
	_, err := e.CancelToken(context.Background(), first.TokenID)
	require.NoError(t, err)

	second := join(t, e, cardiology, "Bob")
	assert.Equal(t, "C-002", second.TokenNumber)
	assert.Equal(t, 1, *second.Position)
}

func TestConcurrentJoinsGetDistinctPositions(t *testing.T) {
	e, st, _ := newTestEngine(t)
	const patients = 40

	var g errgroup.Group
	numbers := make(chan string, patients)
	for i := 0; i < patients; i++ {
		g.Go(func() error {
			token, err := e.JoinQueue(context.Background(), JoinInput{DoctorID: cardiology, PatientName: fmt.Sprintf("Patient %d", i)})
			if err != nil {
				return err
			}
			numbers <- token.TokenNumber
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(numbers)

	seen := make(map[string]bool)
	for number := range numbers {
		assert.False(t, seen[number], "duplicate token number %s", number)
		seen[number] = true
	}
	assert.Len(t, seen, patients)

	queue, err := st.ListQueue(context.Background(), cardiology)
	require.NoError(t, err)
	assert.Len(t, queue, patients)
	assertContiguous(t, st, cardiology)
}

func TestConcurrentCallNextServesEachTokenOnce(t *testing.T) {
	e, st, clock := newTestEngine(t, func(o *Options) { o.EnforceSingleActive = false })
	const patients = 20
	for i := 0; i < patients; i++ {
		join(t, e, pediatrics, fmt.Sprintf("Patient %d", i))
		clock.Advance(time.Second)
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		called = make(map[string]int)
		empty  atomic.Int32
	)
	for i := 0; i < patients+5; i++ {
		g.Go(func() error {
			token, err := e.CallNext(context.Background(), pediatrics)
			if errors.Is(err, store.ErrQueueEmpty) {
				empty.Add(1)
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			called[token.TokenID]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, called, patients)
	for id, n := range called {
		assert.Equal(t, 1, n, "token %s called twice", id)
	}
	assert.EqualValues(t, 5, empty.Load())
	assertContiguous(t, st, pediatrics)
}

func TestQueuesOfDifferentDoctorsAreIndependent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	c := join(t, e, cardiology, "Alice")
	p := join(t, e, pediatrics, "Bob")
	assert.Equal(t, "C-001", c.TokenNumber)
	assert.Equal(t, "P-001", p.TokenNumber)
	assert.Equal(t, 1, *c.Position)
	assert.Equal(t, 1, *p.Position)

	_, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)
	pNow, err := e.GetToken(context.Background(), p.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, pNow.Status)
}

func TestMutationsRecordTokenEvents(t *testing.T) {
	cache := &recordingCache{}
	e, _, clock := newTestEngine(t, func(o *Options) { o.Cache = cache })
	alice := join(t, e, cardiology, "Alice")
	_, err := e.CallNext(context.Background(), cardiology)
	require.NoError(t, err)
	_, err = e.StartConsultation(context.Background(), alice.TokenID)
	require.NoError(t, err)
	clock.Advance(9 * time.Minute)
	_, consultation, err := e.CompleteConsultation(context.Background(), alice.TokenID, "")
	require.NoError(t, err)

	events, err := e.ListTokenEvents(context.Background(), alice.TokenID)
	require.NoError(t, err)
	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	assert.Equal(t, []string{store.EventTokenJoined, store.EventTokenCalled, store.EventTokenStarted, store.EventTokenCompleted}, types)

	replayed, err := store.RehydrateToken(events)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, replayed.Status)
	assert.Equal(t, alice.TokenNumber, replayed.TokenNumber)
	assert.Contains(t, string(events[3].Payload), consultation.ConsultationID)

	assert.Equal(t, []string{cardiology, cardiology, cardiology, cardiology}, cache.doctors)
}

func TestFailedMutationLeavesNoTrace(t *testing.T) {
	cache := &recordingCache{}
	e, st, _ := newTestEngine(t, func(o *Options) { o.Cache = cache })
	_, err := e.CallNext(context.Background(), cardiology)
	require.ErrorIs(t, err, store.ErrQueueEmpty)
	assert.Empty(t, cache.doctors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.JoinQueue(ctx, JoinInput{DoctorID: cardiology, PatientName: "Alice"})
	require.ErrorIs(t, err, context.Canceled)

	queue, err := st.ListQueue(context.Background(), cardiology)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestListQueueReadsThroughCache(t *testing.T) {
	cache := &recordingCache{}
	e, _, _ := newTestEngine(t, func(o *Options) { o.Cache = cache })
	join(t, e, cardiology, "Alice")

	first, err := e.ListQueue(context.Background(), cardiology)
	require.NoError(t, err)
	require.Len(t, first, 1)
	cached, found, _ := cache.Get(context.Background(), cardiology)
	require.True(t, found)
	assert.Equal(t, first, cached)

	join(t, e, cardiology, "Bob")
	_, found, _ = cache.Get(context.Background(), cardiology)
	assert.False(t, found, "join must drop the cached view")

	second, err := e.ListQueue(context.Background(), cardiology)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

// conflictStore fails the first n atomic units with a retryable conflict.
type conflictStore struct {
	store.TokenStore
	remaining atomic.Int32
	calls     atomic.Int32
}

func (s *conflictStore) WithDoctor(ctx context.Context, doctorID string, fn func(tx store.DoctorTx) error) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return fmt.Errorf("%w: serialization failure", store.ErrConflict)
	}
	return s.TokenStore.WithDoctor(ctx, doctorID, fn)
}

func TestJoinQueueRetriesConflicts(t *testing.T) {
	_, st, clock := newTestEngine(t)
	flaky := &conflictStore{TokenStore: st}
	flaky.remaining.Store(2)
	e := NewEngine(flaky, zerolog.Nop(), Options{Now: clock.Now, RetryAttempts: 3, RetryBackoff: time.Millisecond, EnforceSingleActive: true})

	token, err := e.JoinQueue(context.Background(), JoinInput{DoctorID: cardiology, PatientName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "C-001", token.TokenNumber)
	assert.EqualValues(t, 3, flaky.calls.Load())
}

func TestJoinQueueGivesUpAfterRetries(t *testing.T) {
	_, st, clock := newTestEngine(t)
	flaky := &conflictStore{TokenStore: st}
	flaky.remaining.Store(10)
	e := NewEngine(flaky, zerolog.Nop(), Options{Now: clock.Now, RetryAttempts: 3, RetryBackoff: time.Millisecond})

	_, err := e.JoinQueue(context.Background(), JoinInput{DoctorID: cardiology, PatientName: "Alice"})
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.EqualValues(t, 3, flaky.calls.Load())

	queue, err := st.ListQueue(context.Background(), cardiology)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestDomainErrorsAreNotRetried(t *testing.T) {
	_, st, clock := newTestEngine(t)
	flaky := &conflictStore{TokenStore: st}
	e := NewEngine(flaky, zerolog.Nop(), Options{Now: clock.Now, RetryBackoff: time.Millisecond})

	_, err := e.CallNext(context.Background(), cardiology)
	require.ErrorIs(t, err, store.ErrQueueEmpty)
	assert.EqualValues(t, 1, flaky.calls.Load())
}

func TestRandomLifecycleKeepsPositionsContiguous(t *testing.T) {
	e, st, clock := newTestEngine(t, func(o *Options) { o.EnforceSingleActive = false })
	var ids []string
	for step := 0; step < 60; step++ {
		clock.Advance(30 * time.Second)
		switch step % 5 {
		case 0, 1, 3:
			ids = append(ids, join(t, e, cardiology, fmt.Sprintf("P%d", step)).TokenID)
		case 2:
			_, err := e.CallNext(context.Background(), cardiology)
			if err != nil {
				require.ErrorIs(t, err, store.ErrQueueEmpty)
			}
		case 4:
			target := ids[(step*7)%len(ids)]
			_, err := e.CancelToken(context.Background(), target)
			if err != nil {
				require.ErrorIs(t, err, store.ErrInvalidState)
			}
		}
		assertContiguous(t, st, cardiology)
	}
}
