package builder

import (
	"context"
	"sync"
)

type subscriber chan string

// LogBroker persists build log lines through a Store and fans them out to
// live subscribers.
type LogBroker struct {
	store Store

	mu          sync.Mutex
	subscribers map[string][]subscriber
}

func NewLogBroker(store Store) *LogBroker {
	return &LogBroker{store: store, subscribers: make(map[string][]subscriber)}
}

// Append stores line and broadcasts it. Persistence failures are returned
// after the broadcast so live viewers still see the line.
func (b *LogBroker) Append(ctx context.Context, id string, line string) error {
	err := b.store.AppendLog(ctx, id, line)
	b.Broadcast(id, line)
	return err
}

// Subscribe replays the stored backlog and then streams new lines until
// CloseSubscribers is called for id.
func (b *LogBroker) Subscribe(ctx context.Context, id string) (<-chan string, error) {
	if _, err := b.store.GetBuild(ctx, id); err != nil {
		return nil, err
	}
	backlog, err := b.store.ListLogs(ctx, id, 0)
	if err != nil {
		return nil, err
	}

	ch := make(subscriber, len(backlog)+32)
	for _, line := range backlog {
		ch <- line
	}

	b.mu.Lock()
	b.subscribers[id] = append(b.subscribers[id], ch)
	b.mu.Unlock()
	return ch, nil
}

// Unsubscribe detaches ch without closing other subscribers.
func (b *LogBroker) Unsubscribe(id string, ch <-chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[id]
	for i, sub := range subs {
		if (<-chan string)(sub) == ch {
			b.subscribers[id] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(b.subscribers[id]) == 0 {
		delete(b.subscribers, id)
	}
}

func (b *LogBroker) Broadcast(id string, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers[id] {
		select {
		case sub <- message:
		default:
		}
	}
}

// CloseSubscribers ends every stream for id, typically on a terminal status.
func (b *LogBroker) CloseSubscribers(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers[id] {
		close(sub)
	}
	delete(b.subscribers, id)
}
