package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue stores tasks in a durable RabbitMQ queue. Publishing waits for
// the broker confirm; deliveries are fetched with basic.get and acked
// manually, so a consumer that dies before Ack has its message redelivered.
type AMQPQueue struct {
	conn *amqp.Connection
	name string

	pubMu sync.Mutex
	pub   *amqp.Channel

	subMu sync.Mutex
	sub   *amqp.Channel
}

func NewAMQPQueue(url, name string) (*AMQPQueue, error) {
	if name == "" {
		name = DefaultName
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	q := &AMQPQueue{conn: conn, name: name}
	if err := q.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) setup() error {
	pub, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}
	if _, err := pub.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.name, err)
	}

	sub, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	q.pub, q.sub = pub, sub
	return nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, task Task) error {
	body, err := Encode(task)
	if err != nil {
		return err
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	confirm, err := q.pub.PublishWithDeferredConfirmWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         string(task.Operation()),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", task.Operation(), err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("broker rejected %s", task.Operation())
	}
	return nil
}

func (q *AMQPQueue) Dequeue(_ context.Context) (*Delivery, error) {
	q.subMu.Lock()
	msg, ok, err := q.sub.Get(q.name, false)
	q.subMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("basic.get: %w", err)
	}
	if !ok {
		return nil, nil
	}

	id := msg.MessageId
	if id == "" {
		id = fmt.Sprintf("%d", msg.DeliveryTag)
	}
	return newDelivery(id, msg.Body,
		func(context.Context) error {
			q.subMu.Lock()
			defer q.subMu.Unlock()
			return msg.Ack(false)
		},
		func(context.Context) error {
			q.subMu.Lock()
			defer q.subMu.Unlock()
			return msg.Nack(false, true)
		},
	), nil
}

func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}
