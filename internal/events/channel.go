package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"questbot/internal/store"
)

// ChannelPublisher broadcasts events on a store pub/sub channel. Nothing is kept for
// subscribers that are not connected.
type ChannelPublisher struct {
	channels store.Channels
	channel  string
}

func NewChannelPublisher(channels store.Channels, channel string) (*ChannelPublisher, error) {
	if channels == nil {
		return nil, errors.New("events: channels must not be nil")
	}
	if channel == "" {
		channel = DefaultTopic
	}
	return &ChannelPublisher{channels: channels, channel: channel}, nil
}

func (p *ChannelPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}
	if err := p.channels.Publish(ctx, p.channel, payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	return nil
}
