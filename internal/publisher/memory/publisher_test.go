package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(0)
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.Equal(t, "topic-b", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic, "Messages() must return a copy")
}

func TestPublisherKeepsNewest(t *testing.T) {
	t.Parallel()

	pub := New(2)
	for _, payload := range []string{"a", "b", "c"} {
		_, err := pub.Publish(context.Background(), "t", payload)
		require.NoError(t, err)
	}
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "b", msgs[0].Payload)
	require.Equal(t, "memory-3", msgs[1].ID)
}

func TestPublishHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(1).Publish(ctx, "t", "x")
	require.ErrorIs(t, err, context.Canceled)
}
