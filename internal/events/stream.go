package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"questbot/internal/logging"
)

const DefaultTopic = "questbot.events"

// StreamPublisher appends events to a Redis stream through watermill.
type StreamPublisher struct {
	pub   message.Publisher
	topic string
}

// NewStreamPublisher publishes on client, which stays owned by the caller.
func NewStreamPublisher(client redis.UniversalClient, topic string, log zerolog.Logger) (*StreamPublisher, error) {
	if client == nil {
		return nil, errors.New("events: redis client must not be nil")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logging.NewWatermill(log))
	if err != nil {
		return nil, fmt.Errorf("events: create stream publisher: %w", err)
	}
	return &StreamPublisher{pub: pub, topic: topic}, nil
}

func (p *StreamPublisher) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(ev.Type))
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	return nil
}
