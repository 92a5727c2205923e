package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-reminders/internal/clock"
	"ms-reminders/internal/models"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newJob(id, entity string, kind models.ReminderKind, fireAt time.Time) models.ReminderJob {
	return models.ReminderJob{JobID: id, EntityID: entity, EntityKind: models.EntityKindAppointment, Kind: kind, FireAt: fireAt}
}

func newTestMemory(c clock.Clock) *Memory {
	return NewMemory(c, MemoryOptions{VisibilityTimeout: time.Minute, PollInterval: 5 * time.Millisecond})
}

func shortCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestMemory_DequeueInFireOrder(t *testing.T) {
	fc := clock.NewFake(t0)
	q := newTestMemory(fc)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("late", "b1", models.ReminderThirtyMinBefore, t0.Add(2*time.Hour))))
	require.NoError(t, q.Enqueue(ctx, newJob("early", "b1", models.ReminderOneDayBefore, t0.Add(time.Hour))))

	_, err := q.Dequeue(shortCtx(t))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "nothing is due yet")

	fc.Advance(3 * time.Hour)
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, "early", first.Job().JobID)
	assert.Equal(t, "late", second.Job().JobID)
}

func TestMemory_CancelRemovesPending(t *testing.T) {
	fc := clock.NewFake(t0)
	q := newTestMemory(fc)
	ctx := context.Background()

	job := newJob("j1", "b1", models.ReminderOneDayBefore, t0.Add(time.Minute))
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.Cancel(ctx, job.Ref()))
	require.NoError(t, q.Cancel(ctx, job.Ref()), "cancel is idempotent")

	fc.Advance(time.Hour)
	_, err := q.Dequeue(shortCtx(t))
	assert.Error(t, err)

	pending, _ := q.Pending(ctx, "b1")
	assert.Empty(t, pending)
}

func TestMemory_SingleDeliveryInFlight(t *testing.T) {
	fc := clock.NewFake(t0)
	q := newTestMemory(fc)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("j1", "b1", models.ReminderOneDayBefore, t0)))

	var (
		mu     sync.Mutex
		leased []string
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := q.Dequeue(shortCtx(t))
			if err != nil {
				return
			}
			mu.Lock()
			leased = append(leased, l.Job().JobID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"j1"}, leased)
}

func TestMemory_ExpiredLeaseIsRedelivered(t *testing.T) {
	fc := clock.NewFake(t0)
	q := newTestMemory(fc)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("j1", "b1", models.ReminderOneDayBefore, t0)))
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)

	fc.Advance(2 * time.Minute)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", second.Job().JobID)

	// the expired lease cannot consume the redelivery
	require.NoError(t, first.Ack(ctx))
	pending, _ := q.Pending(ctx, "b1")
	assert.Len(t, pending, 1)

	require.NoError(t, second.Ack(ctx))
	pending, _ = q.Pending(ctx, "b1")
	assert.Empty(t, pending)
}

func TestMemory_ReleaseRequeues(t *testing.T) {
	fc := clock.NewFake(t0)
	q := newTestMemory(fc)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("j1", "b1", models.ReminderOneDayBefore, t0)))
	l, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", again.Job().JobID)
}

func TestMemory_EnqueueWakesWaitingConsumer(t *testing.T) {
	fc := clock.NewFake(t0)
	q := NewMemory(fc, MemoryOptions{PollInterval: time.Hour})

	got := make(chan string, 1)
	go func() {
		l, err := q.Dequeue(context.Background())
		if err == nil {
			got <- l.Job().JobID
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), newJob("j1", "b1", models.ReminderOneDayBefore, t0)))

	select {
	case id := <-got:
		assert.Equal(t, "j1", id)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken")
	}
	q.Close()
}

func TestMemory_CloseUnblocksDequeue(t *testing.T) {
	q := newTestMemory(clock.NewFake(t0))
	go q.Close()

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEncodeDecodeJob(t *testing.T) {
	job := newJob("j1", "b1", models.ReminderThirtyMinBefore, time.Date(2024, 1, 10, 13, 30, 0, 0, time.FixedZone("PKT", 5*3600)))

	data, err := EncodeJob(job)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"fireAt":"2024-01-10T08:30:00Z"`)

	back, err := DecodeJob(data)
	require.NoError(t, err)
	assert.True(t, back.FireAt.Equal(job.FireAt))

	_, err = DecodeJob([]byte(`{"jobId":"x"}`))
	assert.Error(t, err)
}
