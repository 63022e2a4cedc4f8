// Package workerpool drains the task queue with a bounded, self-scaling set
// of workers. Workers are spawned on demand by EnsureWorker and retire on
// their own after kill time without work.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/metrics"
	"github.com/xtracthub/container-service/pkg/queue"
)

// Status is the externally visible state of one worker.
type Status string

const (
	StatusWorking Status = "WORKING"
	StatusIdle    Status = "IDLE"
)

// Handler executes one decoded task.
type Handler interface {
	Handle(ctx context.Context, task queue.Task) error
}

// Discarder is implemented by handlers that hold resources for a task until
// the worker gives up on it.
type Discarder interface {
	Discard(ctx context.Context, task queue.Task, err error)
}

type Config struct {
	Queue   queue.Queue
	Handler Handler
	// MaxThreads bounds the number of live workers.
	MaxThreads int
	// KillTime is how long a worker may go without completing a task
	// before it exits.
	KillTime time.Duration
	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration
	// MaxRetry is the number of re-attempts after a failed first attempt.
	MaxRetry int
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.MaxThreads <= 0 {
		c.MaxThreads = 5
	}
	if c.KillTime <= 0 {
		c.KillTime = 180 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxRetry < 0 {
		c.MaxRetry = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type Manager struct {
	queue   queue.Queue
	handler Handler
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	statuses map[string]Status
	live     int
	polling  int
	pruning  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Manager, error) {
	if cfg.Queue == nil || cfg.Handler == nil {
		return nil, errors.New("workerpool: queue and handler are required")
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
		statuses: make(map[string]Status),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// EnsureWorker spawns one worker unless the pool is full or stopped. It
// reports whether a worker was started.
func (m *Manager) EnsureWorker() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil || m.live >= m.cfg.MaxThreads {
		return false
	}
	id := uuid.NewString()
	m.live++
	m.statuses[id] = StatusWorking
	m.publishLocked()

	m.wg.Add(1)
	go m.work(id)
	return true
}

// Statuses returns a snapshot of worker states keyed by worker id.
func (m *Manager) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.statuses))
	for id, s := range m.statuses {
		out[id] = s
	}
	return out
}

func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *Manager) AnyWorking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anyWorkingLocked()
}

func (m *Manager) anyWorkingLocked() bool {
	for _, s := range m.statuses {
		if s == StatusWorking {
			return true
		}
	}
	return false
}

// Stop cancels running tasks, waits for workers to exit and refuses new
// ones. In-flight deliveries are returned to the queue.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until every worker has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) setStatus(id string, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = s
	m.publishLocked()
}

func (m *Manager) deregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, id)
	m.live--
	m.publishLocked()
}

func (m *Manager) publishLocked() {
	working := 0
	for _, s := range m.statuses {
		if s == StatusWorking {
			working++
		}
	}
	m.metrics.SetWorkers(m.live, working)
}

// beginPoll registers an in-progress dequeue unless a prune holds the gate.
func (m *Manager) beginPoll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pruning {
		return false
	}
	m.polling++
	return true
}

// endPoll publishes the worker's new status and releases the poll in one
// step, so a prune never observes a dequeued task on an IDLE worker.
func (m *Manager) endPoll(id string, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polling--
	m.statuses[id] = s
	m.publishLocked()
}

// tryBeginPrune closes the poll gate when no worker is busy.
func (m *Manager) tryBeginPrune() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pruning || m.polling > 0 || m.anyWorkingLocked() {
		return false
	}
	m.pruning = true
	return true
}

func (m *Manager) endPrune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruning = false
}

// sleep waits for d and reports false when the manager stopped meanwhile.
func (m *Manager) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Manager) work(id string) {
	defer m.wg.Done()
	defer m.deregister(id)

	logger := m.logger.With("worker_id", id)
	logger.Info("worker started")
	lastTask := m.now()

	for {
		if m.ctx.Err() != nil {
			logger.Info("worker stopped")
			return
		}
		if m.now().Sub(lastTask) >= m.cfg.KillTime {
			logger.Info("worker retiring after kill time", "kill_time", m.cfg.KillTime)
			return
		}
		if !m.beginPoll() {
			m.setStatus(id, StatusIdle)
			if !m.sleep(m.cfg.PollInterval) {
				return
			}
			continue
		}

		d, err := m.queue.Dequeue(m.ctx)
		if err != nil {
			logger.Error("dequeue failed", "error", err)
			d = nil
		}
		if d == nil {
			m.endPoll(id, StatusIdle)
			if !m.sleep(m.cfg.PollInterval) {
				return
			}
			continue
		}
		m.endPoll(id, StatusWorking)

		if d.Err != nil {
			// Poison message: drop it and take this worker down.
			logger.Error("dropping undecodable task", "delivery_id", d.ID, "error", d.Err)
			if err := d.Ack(context.WithoutCancel(m.ctx)); err != nil {
				logger.Error("ack failed", "delivery_id", d.ID, "error", err)
			}
			return
		}

		if !m.execute(logger, d) {
			return
		}
		lastTask = m.now()
	}
}

// execute runs a delivery with retries and settles it. It returns false when
// the manager was stopped during the task.
func (m *Manager) execute(logger *slog.Logger, d *queue.Delivery) bool {
	op := d.Task.Operation()
	logger = logger.With("operation", op, "build_id", queue.BuildID(d.Task))
	settle := context.WithoutCancel(m.ctx)
	stopLease := m.keepLease(logger, d)

	var err error
	for attempt := 1; attempt <= m.cfg.MaxRetry+1; attempt++ {
		m.metrics.TaskAttempt(string(op))
		err = m.handler.Handle(m.ctx, d.Task)
		if err == nil {
			break
		}
		if m.ctx.Err() != nil {
			logger.Warn("task interrupted by shutdown, returning to queue", "error", err)
			stopLease()
			if nerr := d.Nack(settle); nerr != nil {
				logger.Error("nack failed", "error", nerr)
			}
			return false
		}
		logger.Warn("task attempt failed", "attempt", attempt, "kind", builder.KindOf(err).String(), "error", err)
		if !builder.Retryable(err) {
			break
		}
	}

	stopLease()
	if err != nil {
		logger.Error("task failed", "error", err)
		if disc, ok := m.handler.(Discarder); ok {
			disc.Discard(settle, d.Task, err)
		}
	} else {
		logger.Info("task completed")
	}
	if aerr := d.Ack(settle); aerr != nil {
		logger.Error("ack failed", "error", aerr)
	}
	return true
}

// keepLease renews the delivery's lease in the background until the
// returned function is called.
func (m *Manager) keepLease(logger *slog.Logger, d *queue.Delivery) func() {
	if d.LeaseInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.LeaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := d.Extend(context.WithoutCancel(m.ctx)); err != nil {
					logger.Warn("lease renewal failed", "delivery_id", d.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
