package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memMessage struct {
	id       string
	body     []byte
	deadline time.Time
}

// MemQueue is an in-process Queue with the same lease semantics as the
// broker-backed queues. It is used for local runs and tests.
type MemQueue struct {
	mu         sync.Mutex
	pending    []memMessage
	inflight   map[string]memMessage
	visibility time.Duration
	closed     bool
	now        func() time.Time
}

func NewMemQueue(visibility time.Duration) *MemQueue {
	if visibility <= 0 {
		visibility = 30 * time.Minute
	}
	return &MemQueue{
		inflight:   make(map[string]memMessage),
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *MemQueue) Enqueue(_ context.Context, task Task) error {
	body, err := Encode(task)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, memMessage{id: uuid.NewString(), body: body})
	return nil
}

// EnqueueRaw stores an already encoded body.
func (q *MemQueue) EnqueueRaw(body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, memMessage{id: uuid.NewString(), body: body})
}

func (q *MemQueue) Dequeue(_ context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	now := q.now()
	for id, msg := range q.inflight {
		if !now.Before(msg.deadline) {
			delete(q.inflight, id)
			q.pending = append(q.pending, msg)
		}
	}
	if len(q.pending) == 0 {
		return nil, nil
	}

	msg := q.pending[0]
	q.pending = q.pending[1:]
	msg.deadline = now.Add(q.visibility)
	q.inflight[msg.id] = msg

	id := msg.id
	d := newDelivery(id, msg.body,
		func(context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.inflight, id)
			return nil
		},
		func(context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			if m, ok := q.inflight[id]; ok {
				delete(q.inflight, id)
				q.pending = append(q.pending, m)
			}
			return nil
		},
	)
	d.extend = func(context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		if m, ok := q.inflight[id]; ok {
			m.deadline = q.now().Add(q.visibility)
			q.inflight[id] = m
		}
		return nil
	}
	d.LeaseInterval = q.visibility / 3
	return d, nil
}

// Len reports the number of pending and in-flight messages.
func (q *MemQueue) Len() (pending, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inflight)
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
