package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBrokerReplaysBacklogThenStreams(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	require.NoError(t, store.CreateBuild(ctx, Build{ID: "b1"}))
	broker := NewLogBroker(store)

	require.NoError(t, broker.Append(ctx, "b1", "first"))

	ch, err := broker.Subscribe(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, broker.Append(ctx, "b1", "second"))
	broker.CloseSubscribers("b1")

	var got []string
	for line := range ch {
		got = append(got, line)
	}
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestLogBrokerUnknownBuild(t *testing.T) {
	broker := NewLogBroker(NewMemStore())
	_, err := broker.Subscribe(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogBrokerUnsubscribe(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	require.NoError(t, store.CreateBuild(ctx, Build{ID: "b1"}))
	broker := NewLogBroker(store)

	ch, err := broker.Subscribe(ctx, "b1")
	require.NoError(t, err)
	broker.Unsubscribe("b1", ch)

	_, open := <-ch
	assert.False(t, open)
	broker.CloseSubscribers("b1")
}
