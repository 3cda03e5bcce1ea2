// Package synchronizer keeps one continuously edited message per (user, conversation)
// slot consistent across concurrent writers.
//
// There is no lock around a slot. Each writer remembers the timestamp of the state it
// started from; when an edit fails and the stored timestamp has moved on, a newer writer
// owns the slot and this one aborts with domain.ErrRelevance without touching anything.
// Timestamps are compared for equality: one timestamp authority per slot is assumed.
//
// An empty slot is claimed with a set-if-absent write. Writers that raced on the empty
// slot and lost the claim delete the message they just sent, so the chat converges to
// the winner's message.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"questbot/internal/domain"
	"questbot/internal/events"
	"questbot/internal/store"
)

// Platform is the subset of the chat API the synchronizer drives. Private chats are
// addressed by the user's id.
type Platform interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup domain.Markup) (domain.Message, error)
	SendPhoto(ctx context.Context, chatID int64, photo, caption string, markup domain.Markup) (domain.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup domain.Markup) (domain.Message, error)
	EditMessageMedia(ctx context.Context, chatID, messageID int64, photo, caption string, markup domain.Markup) (domain.Message, error)
	EditMessageCaption(ctx context.Context, chatID, messageID int64, caption string, markup domain.Markup) (domain.Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

type StateStore interface {
	Get(ctx context.Context, userID int64, conversationID string) (*domain.MessageState, error)
	Save(ctx context.Context, userID int64, conversationID string, messageID int64, imageKey string, timestamp int64) (domain.MessageState, error)
	SaveIfAbsent(ctx context.Context, userID int64, conversationID string, messageID int64, imageKey string, timestamp int64) (domain.MessageState, bool, error)
	Delete(ctx context.Context, userID int64, conversationID string) error
}

type ImageResolver interface {
	Resolve(key string) (string, error)
}

// Request is one render of a slot.
type Request struct {
	UserID         int64
	ConversationID string
	// KnownMessageID is the message the caller saw (e.g. the one a button was pressed on).
	// Zero when unknown.
	KnownMessageID int64
	Text           string
	Markup         domain.Markup
	ImageKey       string
}

// ErrInvalidRequest is wrapped by every validation failure.
var ErrInvalidRequest = errors.New("synchronizer: invalid request")

// errNotEditable marks an edit the platform cannot perform in place.
var errNotEditable = errors.New("message cannot be edited in place")

type Synchronizer struct {
	states    StateStore
	platform  Platform
	banners   store.Lists
	images    ImageResolver
	publisher events.Publisher
	log       zerolog.Logger

	clock     *clock
	cleanup   *scheduler
	baseCtx   context.Context
	cancelAll context.CancelFunc
}

type options struct {
	cleanupDelay time.Duration
	publisher    events.Publisher
	log          zerolog.Logger
	now          func() time.Time
	after        afterFunc
}

type Option func(*options)

func WithCleanupDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupDelay = d
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(o *options) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

func New(states StateStore, platform Platform, banners store.Lists, images ImageResolver, opts ...Option) (*Synchronizer, error) {
	if states == nil {
		return nil, errors.New("synchronizer: state store must not be nil")
	}
	if platform == nil {
		return nil, errors.New("synchronizer: platform must not be nil")
	}
	if banners == nil {
		return nil, errors.New("synchronizer: banner list must not be nil")
	}
	if images == nil {
		return nil, errors.New("synchronizer: image resolver must not be nil")
	}
	o := options{
		cleanupDelay: DefaultCleanupDelay,
		publisher:    events.Nop{},
		log:          zerolog.Nop(),
		now:          time.Now,
		after:        realAfterFunc,
	}
	for _, opt := range opts {
		opt(&o)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		states:    states,
		platform:  platform,
		banners:   banners,
		images:    images,
		publisher: o.publisher,
		log:       o.log,
		clock:     newClock(o.now),
		baseCtx:   baseCtx,
		cancelAll: cancel,
	}
	s.cleanup = newScheduler(o.cleanupDelay, o.after, s.runCleanup)
	return s, nil
}

// Close stops every pending cleanup. Slots keep their stored state and expire by TTL.
func (s *Synchronizer) Close() {
	s.cleanup.close()
	s.cancelAll()
}

// SendOrEdit renders req into its slot, editing the live message when possible and
// sending a new one otherwise. It returns domain.ErrRelevance when a newer write took
// the slot over while this one was running.
func (s *Synchronizer) SendOrEdit(ctx context.Context, req Request) (domain.Message, error) {
	if err := validate(req); err != nil {
		return domain.Message{}, err
	}
	var photo string
	if req.ImageKey != "" {
		p, err := s.images.Resolve(req.ImageKey)
		if err != nil {
			return domain.Message{}, fmt.Errorf("synchronizer: resolve image: %w", err)
		}
		photo = p
	}
	chatID := req.UserID
	log := s.log.With().Int64("user_id", req.UserID).Str("conversation_id", req.ConversationID).Logger()

	s.clearBanners(ctx, req.UserID)

	prior, err := s.states.Get(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("synchronizer: load slot: %w", err)
	}
	if prior == nil {
		return s.sendNew(ctx, req, photo, true)
	}

	workingID := prior.MessageID
	if req.KnownMessageID != 0 && req.KnownMessageID != prior.MessageID {
		s.deleteBestEffort(ctx, chatID, prior.MessageID, "stale cached message")
		workingID = req.KnownMessageID
	}

	msg, editErr := s.edit(ctx, chatID, workingID, prior.ImageKey, req, photo)
	if editErr == nil {
		return s.commit(ctx, req, msg, events.MessageEdited)
	}
	if !recoverable(editErr) {
		return domain.Message{}, fmt.Errorf("synchronizer: edit: %w", editErr)
	}

	current, err := s.states.Get(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("synchronizer: reload slot: %w", err)
	}
	if current != nil && current.Timestamp != prior.Timestamp {
		log.Debug().
			Int64("prior_timestamp", prior.Timestamp).
			Int64("current_timestamp", current.Timestamp).
			Msg("slot superseded during edit")
		s.emit(ctx, events.Event{
			Type:           events.SlotSuperseded,
			UserID:         req.UserID,
			ConversationID: req.ConversationID,
			MessageID:      current.MessageID,
			Timestamp:      current.Timestamp,
		})
		return domain.Message{}, domain.ErrRelevance
	}

	log.Debug().Err(editErr).Int64("message_id", workingID).Msg("edit failed, resending")
	s.deleteBestEffort(ctx, chatID, workingID, "broken message")
	// a slot cleaned up meanwhile is empty again and has to be claimed
	return s.sendNew(ctx, req, photo, current == nil)
}

// Clear deletes the slot's message and state.
func (s *Synchronizer) Clear(ctx context.Context, userID int64, conversationID string) error {
	st, err := s.states.Get(ctx, userID, conversationID)
	if err != nil {
		return fmt.Errorf("synchronizer: load slot: %w", err)
	}
	s.cleanup.cancel(slot{userID: userID, conversationID: conversationID})
	if st == nil {
		return nil
	}
	s.deleteBestEffort(ctx, userID, st.MessageID, "cleared slot")
	if err := s.states.Delete(ctx, userID, conversationID); err != nil {
		return fmt.Errorf("synchronizer: clear slot: %w", err)
	}
	s.emit(ctx, events.Event{
		Type:           events.SlotCleaned,
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      st.MessageID,
		Timestamp:      st.Timestamp,
	})
	return nil
}

// TrackBanner remembers an interstitial message so the next render removes it.
func (s *Synchronizer) TrackBanner(ctx context.Context, userID, messageID int64) error {
	if userID == 0 || messageID == 0 {
		return fmt.Errorf("%w: user id and message id are required", ErrInvalidRequest)
	}
	if err := s.banners.ListPush(ctx, bannerKey(userID), []byte(strconv.FormatInt(messageID, 10))); err != nil {
		return fmt.Errorf("synchronizer: track banner: %w", err)
	}
	return nil
}

func (s *Synchronizer) sendNew(ctx context.Context, req Request, photo string, claim bool) (domain.Message, error) {
	var (
		msg domain.Message
		err error
	)
	if photo != "" {
		msg, err = s.platform.SendPhoto(ctx, req.UserID, photo, req.Text, req.Markup)
	} else {
		msg, err = s.platform.SendMessage(ctx, req.UserID, req.Text, req.Markup)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("synchronizer: send: %w", err)
	}
	if claim {
		return s.claim(ctx, req, msg)
	}
	return s.commit(ctx, req, msg, events.MessageSent)
}

// claim stores msg as the owner of an empty slot. When another writer claimed the slot
// first, msg is withdrawn and the call reports domain.ErrRelevance.
func (s *Synchronizer) claim(ctx context.Context, req Request, msg domain.Message) (domain.Message, error) {
	ts := s.clock.next()
	_, claimed, err := s.states.SaveIfAbsent(ctx, req.UserID, req.ConversationID, msg.ID, req.ImageKey, ts)
	if err != nil {
		return domain.Message{}, fmt.Errorf("synchronizer: claim slot: %w", err)
	}
	if !claimed {
		s.log.Debug().
			Int64("user_id", req.UserID).
			Str("conversation_id", req.ConversationID).
			Int64("message_id", msg.ID).
			Msg("empty slot claimed by another writer")
		s.deleteBestEffort(ctx, req.UserID, msg.ID, "lost slot claim")
		s.emit(ctx, events.Event{
			Type:           events.SlotSuperseded,
			UserID:         req.UserID,
			ConversationID: req.ConversationID,
			MessageID:      msg.ID,
			Timestamp:      ts,
		})
		return domain.Message{}, domain.ErrRelevance
	}
	return s.settle(ctx, req, msg, ts, events.MessageSent)
}

func (s *Synchronizer) edit(ctx context.Context, chatID, messageID int64, priorImage string, req Request, photo string) (domain.Message, error) {
	var (
		msg domain.Message
		err error
	)
	switch {
	case req.ImageKey != priorImage && req.ImageKey != "":
		msg, err = s.platform.EditMessageMedia(ctx, chatID, messageID, photo, req.Text, req.Markup)
	case req.ImageKey != priorImage:
		// a photo message cannot turn back into a text message
		return domain.Message{}, errNotEditable
	case req.ImageKey != "":
		msg, err = s.platform.EditMessageCaption(ctx, chatID, messageID, req.Text, req.Markup)
	default:
		msg, err = s.platform.EditMessageText(ctx, chatID, messageID, req.Text, req.Markup)
	}
	if pe, ok := domain.AsPlatformError(err); ok && pe.NotModified() {
		return domain.Message{ID: messageID, ChatID: chatID, HasImage: req.ImageKey != ""}, nil
	}
	return msg, err
}

// commit persists the new slot owner and re-arms its cleanup.
func (s *Synchronizer) commit(ctx context.Context, req Request, msg domain.Message, evType events.Type) (domain.Message, error) {
	ts := s.clock.next()
	if _, err := s.states.Save(ctx, req.UserID, req.ConversationID, msg.ID, req.ImageKey, ts); err != nil {
		return domain.Message{}, fmt.Errorf("synchronizer: save slot: %w", err)
	}
	return s.settle(ctx, req, msg, ts, evType)
}

func (s *Synchronizer) settle(ctx context.Context, req Request, msg domain.Message, ts int64, evType events.Type) (domain.Message, error) {
	s.cleanup.arm(slot{userID: req.UserID, conversationID: req.ConversationID}, ts)
	s.emit(ctx, events.Event{
		Type:           evType,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		MessageID:      msg.ID,
		Timestamp:      ts,
	})
	return msg, nil
}

func (s *Synchronizer) runCleanup(sl slot, timestamp int64) {
	ctx := s.baseCtx
	if ctx.Err() != nil {
		return
	}
	log := s.log.With().Int64("user_id", sl.userID).Str("conversation_id", sl.conversationID).Logger()

	st, err := s.states.Get(ctx, sl.userID, sl.conversationID)
	if err != nil {
		log.Warn().Err(err).Msg("cleanup: load slot")
		return
	}
	if st == nil || st.Timestamp != timestamp {
		log.Debug().Int64("timestamp", timestamp).Msg("cleanup: slot moved on, skipping")
		return
	}

	s.deleteBestEffort(ctx, sl.userID, st.MessageID, "expired slot")
	if err := s.states.Delete(ctx, sl.userID, sl.conversationID); err != nil {
		log.Warn().Err(err).Msg("cleanup: delete slot state")
		return
	}
	s.emit(ctx, events.Event{
		Type:           events.SlotCleaned,
		UserID:         sl.userID,
		ConversationID: sl.conversationID,
		MessageID:      st.MessageID,
		Timestamp:      timestamp,
	})
}

// clearBanners deletes the interstitial messages queued for userID. Only the entries
// present on entry are drained so concurrent pushes cannot keep this loop alive.
func (s *Synchronizer) clearBanners(ctx context.Context, userID int64) {
	key := bannerKey(userID)
	n, err := s.banners.ListLength(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("banner list length")
		return
	}
	for i := int64(0); i < n; i++ {
		raw, ok, err := s.banners.ListPop(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Msg("banner list pop")
			return
		}
		if !ok {
			return
		}
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			s.log.Warn().Str("value", string(raw)).Msg("banner id is not a number")
			continue
		}
		s.deleteBestEffort(ctx, userID, id, "banner")
	}
}

func (s *Synchronizer) deleteBestEffort(ctx context.Context, chatID, messageID int64, reason string) {
	if messageID == 0 {
		return
	}
	if err := s.platform.DeleteMessage(ctx, chatID, messageID); err != nil {
		s.log.Debug().Err(err).
			Int64("chat_id", chatID).
			Int64("message_id", messageID).
			Str("reason", reason).
			Msg("delete message failed, ignoring")
	}
}

func (s *Synchronizer) emit(ctx context.Context, ev events.Event) {
	ev.At = time.Now().UTC()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("publish tracking event")
	}
}

func recoverable(err error) bool {
	if errors.Is(err, errNotEditable) {
		return true
	}
	pe, ok := domain.AsPlatformError(err)
	return ok && pe.NotFound()
}

func validate(req Request) error {
	if req.UserID == 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Text) == "" && req.ImageKey == "" {
		return fmt.Errorf("%w: text or image is required", ErrInvalidRequest)
	}
	return nil
}

func bannerKey(userID int64) string {
	return "banner:" + strconv.FormatInt(userID, 10)
}
