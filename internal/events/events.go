// Package events publishes fire-and-forget tracking events for analytics consumers.
package events

import (
	"context"
	"time"
)

type Type string

const (
	MessageSent     Type = "message_sent"
	MessageEdited   Type = "message_edited"
	SlotSuperseded  Type = "slot_superseded"
	SlotCleaned     Type = "slot_cleaned"
	OperationReplay Type = "operation_replayed"
)

type Event struct {
	Type           Type      `json:"type"`
	UserID         int64     `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      int64     `json:"message_id,omitempty"`
	Timestamp      int64     `json:"timestamp,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher delivers events. Callers log and drop errors; correctness never waits on it.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
