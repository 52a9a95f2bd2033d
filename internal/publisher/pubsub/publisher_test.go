package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func fakeServer(t *testing.T) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, []option.ClientOption{option.WithGRPCConn(conn)}
}

func createTopic(t *testing.T, opts []option.ClientOption, name string) {
	t.Helper()
	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "proj", opts...)
	require.NoError(t, err)
	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
	require.NoError(t, err)
}

func TestOpenAndPublish(t *testing.T) {
	t.Parallel()

	srv, opts := fakeServer(t)
	createTopic(t, opts, "projects/proj/topics/sessions")

	pub, err := Open(context.Background(), "proj", "sessions", zap.NewNop(), opts...)
	require.NoError(t, err)

	id, err := pub.Publish(context.Background(), "session.ready", map[string]any{"session_id": "s1", "status": "ready"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "session.ready", msgs[0].Attributes["event"])
	var body map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "s1", body["session_id"])
}

func TestOpenMissingTopic(t *testing.T) {
	t.Parallel()

	_, opts := fakeServer(t)
	_, err := Open(context.Background(), "proj", "absent", nil, opts...)
	require.ErrorContains(t, err, "absent")
}

func TestOpenRequiresNames(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", "t", nil)
	require.Error(t, err)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "e", "x")
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, New(nil).Close())
}

func TestPublishRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, opts := fakeServer(t)
	createTopic(t, opts, "projects/proj/topics/sessions")
	pub, err := Open(context.Background(), "proj", "sessions", nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	_, err = pub.Publish(context.Background(), "e", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}
