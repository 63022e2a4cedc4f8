package workerpool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/queue"
)

type fakeHandler struct {
	mu        sync.Mutex
	calls     []string
	discarded []string
	fn        func(ctx context.Context, task queue.Task) error
}

func (h *fakeHandler) Handle(ctx context.Context, task queue.Task) error {
	h.mu.Lock()
	h.calls = append(h.calls, queue.BuildID(task))
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, task)
	}
	return nil
}

func (h *fakeHandler) Discard(_ context.Context, task queue.Task, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discarded = append(h.discarded, queue.BuildID(task))
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func newTestManager(t *testing.T, q queue.Queue, h Handler, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Queue:        q,
		Handler:      h,
		MaxThreads:   2,
		KillTime:     time.Hour,
		PollInterval: 5 * time.Millisecond,
		MaxRetry:     1,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func task(id string) queue.Task {
	return queue.BuildContainer{Build: builder.Build{ID: id}, TargetFormat: builder.FormatDocker, ContainerName: "img"}
}

func TestEnsureWorkerIsBounded(t *testing.T) {
	m := newTestManager(t, queue.NewMemQueue(time.Minute), &fakeHandler{}, nil)

	started := 0
	for i := 0; i < 5; i++ {
		if m.EnsureWorker() {
			started++
		}
	}
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, m.Live())
	assert.Len(t, m.Statuses(), 2)
}

func TestWorkerRetiresAfterKillTime(t *testing.T) {
	m := newTestManager(t, queue.NewMemQueue(time.Minute), &fakeHandler{}, func(c *Config) {
		c.KillTime = 30 * time.Millisecond
	})

	require.True(t, m.EnsureWorker())
	require.Eventually(t, func() bool { return m.Live() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.Statuses())

	assert.True(t, m.EnsureWorker(), "a retired worker frees its slot")
}

func TestWorkerExecutesAndAcks(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemQueue(time.Minute)
	h := &fakeHandler{}
	m := newTestManager(t, q, h, nil)

	require.NoError(t, q.Enqueue(ctx, task("b1")))
	require.NoError(t, q.Enqueue(ctx, task("b2")))
	m.EnsureWorker()

	require.Eventually(t, func() bool { return h.callCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		pending, inflight := q.Len()
		return pending == 0 && inflight == 0
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !m.AnyWorking() }, time.Second, 5*time.Millisecond)
	for _, s := range m.Statuses() {
		assert.Equal(t, StatusIdle, s)
	}
}

func TestToolFailuresAreRetriedUpToMaxRetry(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemQueue(time.Minute)
	h := &fakeHandler{fn: func(context.Context, queue.Task) error {
		return builder.Tool("docker build", errors.New("exit status 1"))
	}}
	m := newTestManager(t, q, h, func(c *Config) { c.MaxRetry = 2 })

	require.NoError(t, q.Enqueue(ctx, task("b1")))
	m.EnsureWorker()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.discarded) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.callCount())

	pending, inflight := q.Len()
	assert.Zero(t, pending+inflight, "failed task is acknowledged, not re-enqueued")
}

func TestValidationFailuresAreNotRetried(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemQueue(time.Minute)
	h := &fakeHandler{fn: func(context.Context, queue.Task) error {
		return builder.Validation("build", errors.New("can't build docker container from singularity file"))
	}}
	m := newTestManager(t, q, h, func(c *Config) { c.MaxRetry = 3 })

	require.NoError(t, q.Enqueue(ctx, task("b1")))
	m.EnsureWorker()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.discarded) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.callCount())
}

func TestUnknownOperationDropsMessageAndStopsWorker(t *testing.T) {
	q := queue.NewMemQueue(time.Minute)
	h := &fakeHandler{}
	m := newTestManager(t, q, h, nil)

	q.EnqueueRaw([]byte(`{"operation":"reformat_disk","args":[]}`))
	m.EnsureWorker()

	require.Eventually(t, func() bool { return m.Live() == 0 }, time.Second, 5*time.Millisecond)
	pending, inflight := q.Len()
	assert.Zero(t, pending+inflight)
	assert.Zero(t, h.callCount())

	require.NoError(t, q.Enqueue(context.Background(), task("b1")))
	require.True(t, m.EnsureWorker())
	require.Eventually(t, func() bool { return h.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopReturnsInFlightTask(t *testing.T) {
	q := queue.NewMemQueue(time.Minute)
	started := make(chan struct{})
	h := &fakeHandler{fn: func(ctx context.Context, _ queue.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	m := newTestManager(t, q, h, nil)

	require.NoError(t, q.Enqueue(context.Background(), task("b1")))
	m.EnsureWorker()
	<-started

	m.Stop()
	pending, inflight := q.Len()
	assert.Equal(t, 1, pending)
	assert.Zero(t, inflight)
	assert.False(t, m.EnsureWorker())
	h.mu.Lock()
	assert.Empty(t, h.discarded)
	h.mu.Unlock()
}

func TestLongTaskKeepsItsLease(t *testing.T) {
	q := queue.NewMemQueue(60 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), task("slow")))

	redelivered := make(chan bool, 1)
	h := &fakeHandler{fn: func(ctx context.Context, _ queue.Task) error {
		time.Sleep(250 * time.Millisecond)
		d, err := q.Dequeue(ctx)
		redelivered <- err == nil && d != nil
		return nil
	}}
	m := newTestManager(t, q, h, func(c *Config) { c.MaxThreads = 1 })
	require.True(t, m.EnsureWorker())

	select {
	case got := <-redelivered:
		assert.False(t, got, "a running task must not be handed to another consumer")
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		pending, inflight := q.Len()
		return pending == 0 && inflight == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.callCount())
}
