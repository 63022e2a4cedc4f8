// Package queue carries build tasks from the submission path to workers with
// at-least-once delivery.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// DefaultName is the queue used when none is configured.
const DefaultName = "xtract-container-service"

// Queue is a durable at-least-once task channel. Enqueue returns once the
// backend has stored the message. Dequeue never blocks: it returns a nil
// Delivery when nothing is visible.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is one received message. It stays invisible to other consumers
// until acknowledged, negatively acknowledged, or its lease expires.
type Delivery struct {
	ID         string
	Body       []byte
	ReceivedAt time.Time

	// Task is the decoded payload. Err is set instead when decoding failed,
	// for example with ErrUnknownOperation.
	Task Task
	Err  error

	// LeaseInterval is how often a consumer should call Extend while it
	// works on the message. Zero means the backend holds no lease.
	LeaseInterval time.Duration

	ack    func(context.Context) error
	nack   func(context.Context) error
	extend func(context.Context) error
}

func newDelivery(id string, body []byte, ack, nack func(context.Context) error) *Delivery {
	d := &Delivery{ID: id, Body: body, ReceivedAt: time.Now(), ack: ack, nack: nack}
	d.Task, d.Err = Decode(body)
	return d
}

// Ack removes the message permanently.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack makes the message visible again for redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Extend renews the lease so a long task is not redelivered mid-run.
func (d *Delivery) Extend(ctx context.Context) error {
	if d.extend == nil {
		return nil
	}
	return d.extend(ctx)
}
