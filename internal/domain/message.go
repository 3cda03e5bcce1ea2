package domain

import "encoding/json"

// Message is the platform's view of a chat message the bot owns.
type Message struct {
	ID       int64 `json:"message_id"`
	ChatID   int64 `json:"chat_id"`
	HasImage bool  `json:"has_image"`
}

// Markup is an opaque reply markup (inline keyboard) forwarded to the platform as-is.
type Markup = json.RawMessage

// MessageState is the persisted owner record of a (user, conversation) slot.
type MessageState struct {
	UserID         int64  `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	ImageKey       string `json:"image_key,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}
