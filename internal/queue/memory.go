package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"ms-reminders/internal/clock"
	"ms-reminders/internal/models"
)

// item is one job in the memory queue heap
type item struct {
	job     models.ReminderJob
	heapIdx int

	// lease is bumped on every delivery so an expired lease cannot ack a
	// later redelivery
	lease    int
	leasedTo time.Time
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	return h[i].job.FireAt.Before(h[j].job.FireAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIdx = -1
	*h = old[:n-1]
	return it
}

// MemoryOptions tunes the memory queue
type MemoryOptions struct {
	// VisibilityTimeout is how long a lease is held before redelivery
	VisibilityTimeout time.Duration
	// PollInterval caps how long Dequeue sleeps before re-reading the clock
	PollInterval time.Duration
}

// Memory is a process-local delayed queue ordered by fire time. It is not
// durable across restarts.
type Memory struct {
	mu       sync.Mutex
	h        jobHeap
	byID     map[string]*item
	inflight map[string]*item

	clock  clock.Clock
	opts   MemoryOptions
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

func NewMemory(c clock.Clock, opts MemoryOptions) *Memory {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	h := make(jobHeap, 0, 64)
	heap.Init(&h)
	return &Memory{
		h:        h,
		byID:     make(map[string]*item),
		inflight: make(map[string]*item),
		clock:    c,
		opts:     opts,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (m *Memory) Enqueue(ctx context.Context, job models.ReminderJob) error {
	job.FireAt = job.FireAt.UTC()

	m.mu.Lock()
	if prev, ok := m.byID[job.JobID]; ok {
		heap.Remove(&m.h, prev.heapIdx)
		delete(m.byID, job.JobID)
	}
	delete(m.inflight, job.JobID)
	it := &item{job: job}
	heap.Push(&m.h, it)
	m.byID[job.JobID] = it
	m.mu.Unlock()

	m.wake()
	return nil
}

func (m *Memory) Cancel(ctx context.Context, ref models.JobRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it, ok := m.byID[ref.JobID]; ok {
		heap.Remove(&m.h, it.heapIdx)
		delete(m.byID, ref.JobID)
	}
	delete(m.inflight, ref.JobID)
	return nil
}

func (m *Memory) Pending(ctx context.Context, entityID string) ([]models.ReminderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []models.ReminderJob
	for _, it := range m.h {
		if it.job.EntityID == entityID {
			jobs = append(jobs, it.job)
		}
	}
	for _, it := range m.inflight {
		if it.job.EntityID == entityID {
			jobs = append(jobs, it.job)
		}
	}
	return jobs, nil
}

func (m *Memory) PendingAll(ctx context.Context) ([]models.ReminderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]models.ReminderJob, 0, len(m.h)+len(m.inflight))
	for _, it := range m.h {
		jobs = append(jobs, it.job)
	}
	for _, it := range m.inflight {
		jobs = append(jobs, it.job)
	}
	return jobs, nil
}

// Len returns the number of jobs waiting to become due
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.h)
}

// Dequeue waits for the earliest due job and leases it
func (m *Memory) Dequeue(ctx context.Context) (Lease, error) {
	for {
		lease, wait := m.tryLease()
		if lease != nil {
			return lease, nil
		}
		if wait > m.opts.PollInterval || wait <= 0 {
			wait = m.opts.PollInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-m.closed:
			timer.Stop()
			return nil, ErrClosed
		case <-m.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Close wakes blocked consumers with ErrClosed
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *Memory) tryLease() (*memoryLease, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.expireLeases(now)

	if len(m.h) == 0 {
		return nil, 0
	}
	top := m.h[0]
	if top.job.FireAt.After(now) {
		return nil, top.job.FireAt.Sub(now)
	}

	heap.Pop(&m.h)
	delete(m.byID, top.job.JobID)
	top.lease++
	top.leasedTo = now.Add(m.opts.VisibilityTimeout)
	m.inflight[top.job.JobID] = top

	return &memoryLease{queue: m, it: top, lease: top.lease}, 0
}

func (m *Memory) expireLeases(now time.Time) {
	for id, it := range m.inflight {
		if now.Before(it.leasedTo) {
			continue
		}
		delete(m.inflight, id)
		if _, pending := m.byID[id]; pending {
			continue
		}
		heap.Push(&m.h, it)
		m.byID[id] = it
	}
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

type memoryLease struct {
	queue *Memory
	it    *item
	lease int
}

func (l *memoryLease) Job() models.ReminderJob { return l.it.job }

func (l *memoryLease) Ack(ctx context.Context) error {
	m := l.queue
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.inflight[l.it.job.JobID]; ok && cur == l.it && cur.lease == l.lease {
		delete(m.inflight, l.it.job.JobID)
	}
	return nil
}

func (l *memoryLease) Release(ctx context.Context) error {
	m := l.queue
	m.mu.Lock()
	cur, ok := m.inflight[l.it.job.JobID]
	if !ok || cur != l.it || cur.lease != l.lease {
		m.mu.Unlock()
		return nil
	}
	delete(m.inflight, l.it.job.JobID)
	if _, pending := m.byID[l.it.job.JobID]; !pending {
		heap.Push(&m.h, l.it)
		m.byID[l.it.job.JobID] = l.it
	}
	m.mu.Unlock()

	m.wake()
	return nil
}
