package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and mirrors every event to a Google
// Cloud Pub/Sub topic for analytics and cross-service consumers. The
// mirror is best-effort; durable delivery to workers goes through the
// outbox, never through here.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects to the topic, creating it when absent. Ordering
// is per subject so events for one task arrive in commit order.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	b := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	b.logger.Printf("connected to projects/%s/topics/%s", projectID, topicID)
	return b, nil
}

// Emit publishes to Pub/Sub and fans out to in-memory subscribers.
func (pb *PubSubBus) Emit(eventType, source, subject string, data json.RawMessage) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.mirror(event)
	pb.Bus.Publish(event)
}

func (pb *PubSubBus) mirror(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("marshal event %s: %v", event.ID, err)
		return
	}

	result := pb.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: event.Subject,
	})

	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("pubsub publish %s failed: %v", event.ID, err)
		}
	}()
}

// Close flushes outstanding publishes and shuts the client down.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	return pb.client.Close()
}

var _ Emitter = (*PubSubBus)(nil)
