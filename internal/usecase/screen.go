package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"questbot/internal/domain"
	"questbot/internal/events"
	"questbot/internal/idempotency"
	"questbot/internal/images"
	"questbot/internal/synchronizer"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultRetryTTL       = time.Minute
	maxKeyLength          = 128
	statusRendered        = "rendered"
	statusSuperseded      = "superseded"
	statusCleared         = "cleared"
	statusTracked         = "tracked"
)

type Idempotency interface {
	Start(ctx context.Context, key string, ttl time.Duration) (*idempotency.Response, error)
	End(ctx context.Context, key string, ttl time.Duration, statusCode int, data json.RawMessage) error
}

type Synchronizer interface {
	SendOrEdit(ctx context.Context, req synchronizer.Request) (domain.Message, error)
	Clear(ctx context.Context, userID int64, conversationID string) error
	TrackBanner(ctx context.Context, userID, messageID int64) error
}

type ScreenService struct {
	idem      Idempotency
	sync      Synchronizer
	publisher events.Publisher
	ttl       time.Duration
	retryTTL  time.Duration
	log       zerolog.Logger
}

type RenderInput struct {
	IdempotencyKey string
	UserID         int64
	ConversationID string
	KnownMessageID int64
	Text           string
	Markup         domain.Markup
	ImageKey       string
}

// RenderOutput is what the caller answers with. Data is already encoded so a replay
// can hand back the recorded bytes untouched.
type RenderOutput struct {
	StatusCode int
	Data       json.RawMessage
	Replayed   bool
}

type renderResult struct {
	Status    string `json:"status"`
	MessageID int64  `json:"message_id,omitempty"`
}

type Option func(*ScreenService)

func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *ScreenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRetryTTL sets how long a retryable failure is replayed before the key may run
// again.
func WithRetryTTL(ttl time.Duration) Option {
	return func(s *ScreenService) {
		if ttl > 0 {
			s.retryTTL = ttl
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *ScreenService) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *ScreenService) {
		s.log = log
	}
}

func NewScreenService(idem Idempotency, sync Synchronizer, opts ...Option) (*ScreenService, error) {
	if idem == nil {
		return nil, errors.New("usecase: idempotency coordinator must not be nil")
	}
	if sync == nil {
		return nil, errors.New("usecase: synchronizer must not be nil")
	}
	s := &ScreenService{
		idem:      idem,
		sync:      sync,
		publisher: events.Nop{},
		ttl:       defaultIdempotencyTTL,
		retryTTL:  defaultRetryTTL,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Render draws a screen into the user's slot. With an idempotency key, a repeated
// delivery gets the first outcome back instead of rendering again.
func (s *ScreenService) Render(ctx context.Context, in RenderInput) (RenderOutput, error) {
	if err := validateRender(in); err != nil {
		return RenderOutput{}, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		out, uerr := s.render(ctx, in)
		if uerr != nil {
			return RenderOutput{}, uerr
		}
		return out, nil
	}
	scoped := fmt.Sprintf("%d:%s", in.UserID, key)
	log := s.log.With().Str("idempotency_key", scoped).Logger()

	cached, err := s.idem.Start(ctx, scoped, s.ttl)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateOperation) {
			return RenderOutput{}, newError(ErrorInProgress, "duplicate_in_flight", err)
		}
		return RenderOutput{}, storeError("idempotency_start_error", err)
	}
	if cached != nil {
		log.Debug().Int("status_code", cached.StatusCode).Msg("replaying recorded outcome")
		s.emit(ctx, events.Event{Type: events.OperationReplay, UserID: in.UserID, ConversationID: in.ConversationID})
		return RenderOutput{StatusCode: cached.StatusCode, Data: cached.Data, Replayed: true}, nil
	}

	out, uerr := s.render(ctx, in)
	status, data, ttl := out.StatusCode, out.Data, s.ttl
	if uerr != nil {
		status, data = uerr.Code.HTTPStatus(), uerr.Body()
		if uerr.Retryable() {
			ttl = min(s.retryTTL, s.ttl)
		}
	}
	// the outcome must land even when the caller has gone away
	if err := s.idem.End(context.WithoutCancel(ctx), scoped, ttl, status, data); err != nil {
		log.Error().Err(err).Int("status_code", status).Msg("record outcome")
		return RenderOutput{}, storeError("idempotency_end_error", err)
	}
	if uerr != nil {
		return RenderOutput{}, uerr
	}
	return out, nil
}

func (s *ScreenService) render(ctx context.Context, in RenderInput) (RenderOutput, *Error) {
	msg, err := s.sync.SendOrEdit(ctx, synchronizer.Request{
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
		KnownMessageID: in.KnownMessageID,
		Text:           in.Text,
		Markup:         in.Markup,
		ImageKey:       in.ImageKey,
	})
	switch {
	case err == nil:
		return ok(renderResult{Status: statusRendered, MessageID: msg.ID}), nil
	case errors.Is(err, domain.ErrRelevance):
		return ok(renderResult{Status: statusSuperseded}), nil
	default:
		return RenderOutput{}, classify(err)
	}
}

// Clear removes the user's message for a conversation.
func (s *ScreenService) Clear(ctx context.Context, userID int64, conversationID string) (RenderOutput, error) {
	if userID <= 0 || strings.TrimSpace(conversationID) == "" {
		return RenderOutput{}, newError(ErrorInvalidInput, "missing_slot", nil)
	}
	if err := s.sync.Clear(ctx, userID, conversationID); err != nil {
		return RenderOutput{}, classify(err)
	}
	return ok(renderResult{Status: statusCleared}), nil
}

// TrackBanner queues an interstitial message for removal on the next render.
func (s *ScreenService) TrackBanner(ctx context.Context, userID, messageID int64) (RenderOutput, error) {
	if userID <= 0 || messageID <= 0 {
		return RenderOutput{}, newError(ErrorInvalidInput, "missing_banner", nil)
	}
	if err := s.sync.TrackBanner(ctx, userID, messageID); err != nil {
		return RenderOutput{}, classify(err)
	}
	return ok(renderResult{Status: statusTracked, MessageID: messageID}), nil
}

func (s *ScreenService) emit(ctx context.Context, ev events.Event) {
	ev.At = time.Now().UTC()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("publish tracking event")
	}
}

func validateRender(in RenderInput) *Error {
	switch {
	case in.UserID <= 0:
		return newError(ErrorInvalidInput, "missing_user", nil)
	case strings.TrimSpace(in.ConversationID) == "":
		return newError(ErrorInvalidInput, "missing_conversation", nil)
	case strings.TrimSpace(in.Text) == "" && in.ImageKey == "":
		return newError(ErrorInvalidInput, "empty_screen", nil)
	case len(in.IdempotencyKey) > maxKeyLength:
		return newError(ErrorInvalidInput, "idempotency_key_too_long", nil)
	case len(in.Markup) > 0 && !json.Valid(in.Markup):
		return newError(ErrorInvalidInput, "invalid_markup", nil)
	}
	return nil
}

func classify(err error) *Error {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr
	}
	if errors.Is(err, synchronizer.ErrInvalidRequest) {
		return newError(ErrorInvalidInput, "invalid_request", err)
	}
	if errors.Is(err, images.ErrUnknownImage) {
		return newError(ErrorInvalidInput, "unknown_image", err)
	}
	if pe, ok := domain.AsPlatformError(err); ok {
		if pe.Transient() {
			return newError(ErrorUpstream, "platform_unavailable", err)
		}
		return newError(ErrorUpstream, "platform_rejected", err)
	}
	if domain.IsStoreError(err) {
		return storeError("store_error", err)
	}
	return newError(ErrorInternal, "unexpected_error", err)
}

func storeError(reason string, err error) *Error {
	if domain.IsStoreError(err) {
		return newError(ErrorStoreUnavailable, reason, err)
	}
	return newError(ErrorInternal, reason, err)
}

func ok(v renderResult) RenderOutput {
	b, _ := json.Marshal(v)
	return RenderOutput{StatusCode: http.StatusOK, Data: b}
}
