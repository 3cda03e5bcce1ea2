// Package messagestate persists the owner record of each (user, conversation) message slot.
package messagestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"questbot/internal/domain"
	"questbot/internal/store"
)

const DefaultTTL = time.Hour

// Store reads and writes MessageState records. Save is an unconditional overwrite and
// SaveIfAbsent only claims an empty slot; any other fencing is the caller's job.
type Store struct {
	kv  store.KV
	ttl time.Duration
}

// New creates a Store. ttl must outlive minLifetime (the cleanup delay) so a slot is not
// forgotten while its cleanup is still pending.
func New(kv store.KV, ttl, minLifetime time.Duration) (*Store, error) {
	if kv == nil {
		return nil, errors.New("messagestate: store must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl <= minLifetime {
		return nil, fmt.Errorf("messagestate: ttl %s must exceed %s", ttl, minLifetime)
	}
	return &Store{kv: kv, ttl: ttl}, nil
}

func slotKey(userID int64, conversationID string) string {
	return fmt.Sprintf("message_state:%d:%s", userID, conversationID)
}

// Get returns nil when the slot holds no message.
func (s *Store) Get(ctx context.Context, userID int64, conversationID string) (*domain.MessageState, error) {
	raw, ok, err := s.kv.Get(ctx, slotKey(userID, conversationID))
	if err != nil {
		return nil, fmt.Errorf("messagestate: get: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var st domain.MessageState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("messagestate: decode: %w", err)
	}
	return &st, nil
}

func (s *Store) Save(ctx context.Context, userID int64, conversationID string, messageID int64, imageKey string, timestamp int64) (domain.MessageState, error) {
	st, _, err := s.write(ctx, userID, conversationID, messageID, imageKey, timestamp, false)
	return st, err
}

// SaveIfAbsent claims an empty slot. It reports false, and writes nothing, when the
// slot already has an owner.
func (s *Store) SaveIfAbsent(ctx context.Context, userID int64, conversationID string, messageID int64, imageKey string, timestamp int64) (domain.MessageState, bool, error) {
	return s.write(ctx, userID, conversationID, messageID, imageKey, timestamp, true)
}

func (s *Store) write(ctx context.Context, userID int64, conversationID string, messageID int64, imageKey string, timestamp int64, onlyIfAbsent bool) (domain.MessageState, bool, error) {
	st := domain.MessageState{
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      messageID,
		ImageKey:       imageKey,
		Timestamp:      timestamp,
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return domain.MessageState{}, false, fmt.Errorf("messagestate: encode: %w", err)
	}
	wrote, err := s.kv.Set(ctx, slotKey(userID, conversationID), raw, store.SetOptions{TTL: s.ttl, OnlyIfAbsent: onlyIfAbsent})
	if err != nil {
		return domain.MessageState{}, false, fmt.Errorf("messagestate: save: %w", err)
	}
	if !wrote {
		return domain.MessageState{}, false, nil
	}
	return st, true, nil
}

func (s *Store) Delete(ctx context.Context, userID int64, conversationID string) error {
	if _, err := s.kv.Delete(ctx, slotKey(userID, conversationID)); err != nil {
		return fmt.Errorf("messagestate: delete: %w", err)
	}
	return nil
}
