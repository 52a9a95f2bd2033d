// Package pubsub implements rag.Publisher on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/rag"
)

// Publisher sends JSON payloads to one Pub/Sub topic.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	logger    *zap.Logger
}

// New wraps an existing topic publisher. Close stops it but leaves the client open.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher, logger: zap.NewNop()}
}

func fullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// Open connects to Pub/Sub and verifies the topic exists. Authentication uses
// Application Default Credentials unless opts say otherwise.
func Open(ctx context.Context, projectID, topicID string, logger *zap.Logger, opts ...option.ClientOption) (*Publisher, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project id and topic name are required")
	}
	logger = logging.OrNop(logger).Named("pubsub")
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	name := fullTopicName(projectID, topicID)
	if _, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name}); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after topic lookup failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get pubsub topic %q: %w", topicID, err)
	}
	return &Publisher{
		client:    client,
		publisher: client.Publisher(name),
		logger:    logger,
	}, nil
}

// Publish marshals payload to JSON and waits for the server to acknowledge it.
// topic is carried as the "event" attribute; the destination is fixed at Open.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": topic},
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	p.logger.Debug("message published", zap.String("message_id", id), zap.String("event", topic))
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

var _ rag.Publisher = (*Publisher)(nil)
