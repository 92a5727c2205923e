package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ms-reminders/internal/clock"
	"ms-reminders/internal/correlation"
	"ms-reminders/internal/delay"
	"ms-reminders/internal/email"
	"ms-reminders/internal/models"
	"ms-reminders/internal/notify"
	"ms-reminders/internal/queue"
	"ms-reminders/internal/registry"
	"ms-reminders/internal/scheduler"
	"ms-reminders/internal/telemetry"
)

// MockRegistry is a mock implementation of registry.Registry
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Lookup(ctx context.Context, entityID string) (models.EntityState, error) {
	args := m.Called(ctx, entityID)
	return args.Get(0).(models.EntityState), args.Error(1)
}

// stateRegistry serves booking state from a map, like the booking service would
type stateRegistry struct {
	mu     sync.Mutex
	states map[string]models.EntityState
}

func (r *stateRegistry) set(state models.EntityState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.EntityID] = state
}

func (r *stateRegistry) Lookup(_ context.Context, entityID string) (models.EntityState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[entityID]
	if !ok {
		return models.EntityState{}, registry.ErrNotFound
	}
	return state, nil
}

type countingSink struct {
	mu    sync.Mutex
	users []string
}

func (s *countingSink) Insert(_ context.Context, userID, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, userID)
	return nil
}

func (s *countingSink) inserted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...)
}

type countingEmailer struct {
	mu sync.Mutex
	to []string
}

func (e *countingEmailer) Submit(_ context.Context, to string, _ email.EmailType, _ email.TemplateData) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.to = append(e.to, to)
	return nil
}

func (e *countingEmailer) submitted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.to...)
}

type memoryGuard struct {
	mu        sync.Mutex
	delivered map[string]bool
}

func (g *memoryGuard) Delivered(_ context.Context, jobID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delivered[jobID], nil
}

func (g *memoryGuard) MarkDelivered(_ context.Context, job models.ReminderJob) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delivered[job.JobID] = true
	return nil
}

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

type fixture struct {
	clock    *clock.Fake
	queue    *queue.Memory
	coord    *scheduler.Coordinator
	registry *stateRegistry
	sink     *countingSink
	emailer  *countingEmailer
	recorder *telemetry.Recorder
	proc     *Processor
}

func newFixture(t *testing.T, now time.Time, guard DeliveryGuard) *fixture {
	t.Helper()
	calc, err := delay.NewCalculator("UTC")
	require.NoError(t, err)

	fc := clock.NewFake(now)
	q := queue.NewMemory(fc, queue.MemoryOptions{PollInterval: time.Millisecond, VisibilityTimeout: time.Minute})
	rec := telemetry.NewRecorder()
	guardPolicy := scheduler.NewGuard(
		scheduler.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 1},
		scheduler.BreakerPolicy{ConsecutiveFailures: 100}, zap.NewNop())

	reg := &stateRegistry{states: map[string]models.EntityState{}}
	sink := &countingSink{}
	emailer := &countingEmailer{}
	fanout := notify.NewFanout(sink, emailer, rec, zap.NewNop(), 2)

	return &fixture{
		clock:    fc,
		queue:    q,
		coord:    scheduler.NewCoordinator(calc, q, correlation.NewIndex(), fc, guardPolicy, rec, zap.NewNop()),
		registry: reg,
		sink:     sink,
		emailer:  emailer,
		recorder: rec,
		proc: NewProcessor(q, reg, fanout, calc, rec, zap.NewNop(), ProcessorOptions{
			Workers:      2,
			ErrorBackoff: time.Millisecond,
			Guard:        guard,
		}),
	}
}

func appointment(id, date, clockTime string) models.ScheduledEntity {
	return models.ScheduledEntity{
		EntityID:    id,
		EntityKind:  models.EntityKindAppointment,
		ScheduledAt: models.LocalDateTime{Date: date, Time: clockTime},
		Status:      models.EntityStatusActive,
		Parties: []models.Party{
			{PartyID: "P1", Role: models.PartyRolePatient},
			{PartyID: "D1", Role: models.PartyRoleDoctor},
		},
		Payload: models.NotificationPayload{
			PatientName:  "Ayesha",
			ProviderName: "Dr. Rahman",
			ScheduledAt:  models.LocalDateTime{Date: date, Time: clockTime},
			Contacts:     map[string]string{"P1": "p1@example.com"},
		},
	}
}

func activeState(e models.ScheduledEntity) models.EntityState {
	scheduled := e.ScheduledAt
	return models.EntityState{EntityID: e.EntityID, Status: models.EntityStatusActive, ScheduledAt: &scheduled}
}

func dequeueNow(t *testing.T, q *queue.Memory) queue.Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return lease
}

func TestEndToEnd_FiresBothReminders(t *testing.T) {
	f := newFixture(t, at("2025-06-14T08:00:00"), nil)
	entity := appointment("A1", "2025-06-15", "10:00")
	f.registry.set(activeState(entity))

	_, err := f.coord.OnEntityCreated(context.Background(), entity)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()

	f.clock.Set(at("2025-06-14T10:00:00"))
	require.Eventually(t, func() bool { return f.recorder.Firings(OutcomeFired) == 1 }, 2*time.Second, time.Millisecond)

	f.clock.Set(at("2025-06-15T09:30:00"))
	require.Eventually(t, func() bool { return f.recorder.Firings(OutcomeFired) == 2 }, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"P1", "D1", "P1", "D1"}, f.sink.inserted())
	assert.Equal(t, []string{"p1@example.com", "p1@example.com"}, f.emailer.submitted())
	assert.Equal(t, 0, f.queue.Len())
}

func TestCancelledBeforeFire_NothingDelivered(t *testing.T) {
	f := newFixture(t, at("2025-06-14T08:00:00"), nil)
	entity := appointment("A1", "2025-06-15", "10:00")
	f.registry.set(activeState(entity))

	_, err := f.coord.OnEntityCreated(context.Background(), entity)
	require.NoError(t, err)
	require.NoError(t, f.coord.OnEntityCancelled(context.Background(), "A1"))

	f.clock.Set(at("2025-06-15T10:00:00"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.queue.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Empty(t, f.sink.inserted())
	assert.Empty(t, f.emailer.submitted())
}

func TestCancelledInRegistry_JobDiscarded(t *testing.T) {
	f := newFixture(t, at("2025-06-14T08:00:00"), nil)
	entity := appointment("A1", "2025-06-15", "10:00")

	_, err := f.coord.OnEntityCreated(context.Background(), entity)
	require.NoError(t, err)

	// the cancellation event was lost; the registry is the source of truth
	f.registry.set(models.EntityState{EntityID: "A1", Status: models.EntityStatusCancelled})
	f.clock.Set(at("2025-06-14T10:00:00"))

	outcome := f.proc.Handle(context.Background(), dequeueNow(t, f.queue))

	assert.Equal(t, OutcomeStale, outcome)
	assert.Empty(t, f.sink.inserted())
	assert.Empty(t, f.emailer.submitted())
	assert.Equal(t, 1, f.queue.Len(), "only the 30 minute job remains")
}

func TestRescheduledInRegistry_JobDiscarded(t *testing.T) {
	f := newFixture(t, at("2025-06-14T08:00:00"), nil)
	entity := appointment("A1", "2025-06-15", "10:00")
	_, err := f.coord.OnEntityCreated(context.Background(), entity)
	require.NoError(t, err)

	moved := models.LocalDateTime{Date: "2025-06-16", Time: "10:00"}
	f.registry.set(models.EntityState{EntityID: "A1", Status: models.EntityStatusActive, ScheduledAt: &moved})
	f.clock.Set(at("2025-06-14T10:00:00"))

	assert.Equal(t, OutcomeStale, f.proc.Handle(context.Background(), dequeueNow(t, f.queue)))
	assert.Empty(t, f.sink.inserted())
}

func TestEquivalentTimeFormatIsNotStale(t *testing.T) {
	f := newFixture(t, at("2025-06-14T08:00:00"), nil)
	entity := appointment("A1", "2025-06-15", "10:00")
	_, err := f.coord.OnEntityCreated(context.Background(), entity)
	require.NoError(t, err)

	same := models.LocalDateTime{Date: "2025-06-15", Time: "10:00 AM"}
	f.registry.set(models.EntityState{EntityID: "A1", Status: models.EntityStatusActive, ScheduledAt: &same})
	f.clock.Set(at("2025-06-14T10:00:00"))

	assert.Equal(t, OutcomeFired, f.proc.Handle(context.Background(), dequeueNow(t, f.queue)))
	assert.Len(t, f.sink.inserted(), 2)
}

func TestUnknownEntity_JobDiscarded(t *testing.T) {
	f := newFixture(t, at("2025-06-14T08:00:00"), nil)
	_, err := f.coord.OnEntityCreated(context.Background(), appointment("A1", "2025-06-15", "10:00"))
	require.NoError(t, err)
	f.clock.Set(at("2025-06-14T10:00:00"))

	assert.Equal(t, OutcomeStale, f.proc.Handle(context.Background(), dequeueNow(t, f.queue)))
	assert.Empty(t, f.sink.inserted())
}

func TestRegistryUnavailable_ReleasesForRedelivery(t *testing.T) {
	f := newFixture(t, at("2025-06-14T08:00:00"), nil)
	entity := appointment("A1", "2025-06-15", "10:00")
	_, err := f.coord.OnEntityCreated(context.Background(), entity)
	require.NoError(t, err)
	f.clock.Set(at("2025-06-14T10:00:00"))

	reg := new(MockRegistry)
	reg.On("Lookup", mock.Anything, "A1").Return(models.EntityState{}, errors.New("503 service unavailable")).Once()
	reg.On("Lookup", mock.Anything, "A1").Return(activeState(entity), nil).Once()
	f.proc.registry = reg

	assert.Equal(t, OutcomeReleased, f.proc.Handle(context.Background(), dequeueNow(t, f.queue)))
	assert.Empty(t, f.sink.inserted())

	// released immediately, so the same job is due again
	lease := dequeueNow(t, f.queue)
	assert.Equal(t, models.ReminderOneDayBefore, lease.Job().Kind)
	assert.Equal(t, OutcomeFired, f.proc.Handle(context.Background(), lease))
	assert.Len(t, f.sink.inserted(), 2)
	reg.AssertExpectations(t)
}

func TestDeliveryGuard_SuppressesRedelivery(t *testing.T) {
	guard := &memoryGuard{delivered: map[string]bool{}}
	f := newFixture(t, at("2025-06-14T08:00:00"), guard)
	entity := appointment("A1", "2025-06-15", "10:00")
	f.registry.set(activeState(entity))
	_, err := f.coord.OnEntityCreated(context.Background(), entity)
	require.NoError(t, err)
	f.clock.Set(at("2025-06-14T10:00:00"))

	lease := dequeueNow(t, f.queue)
	job := lease.Job()
	assert.Equal(t, OutcomeFired, f.proc.Handle(context.Background(), lease))

	// simulate a redelivery after an ack that never reached the backend
	require.NoError(t, f.queue.Enqueue(context.Background(), job))
	assert.Equal(t, OutcomeDuplicate, f.proc.Handle(context.Background(), dequeueNow(t, f.queue)))
	assert.Len(t, f.sink.inserted(), 2)
}

func TestRun_StopsWhenQueueClosed(t *testing.T) {
	f := newFixture(t, at("2025-06-14T08:00:00"), nil)
	done := make(chan error, 1)
	go func() { done <- f.proc.Run(context.Background()) }()

	require.NoError(t, f.queue.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
}
