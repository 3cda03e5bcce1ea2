package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"questbot/internal/domain"
	"questbot/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxBodyBytes      = 64 << 10
)

type ScreenUseCase interface {
	Render(ctx context.Context, in usecase.RenderInput) (usecase.RenderOutput, error)
	Clear(ctx context.Context, userID int64, conversationID string) (usecase.RenderOutput, error)
	TrackBanner(ctx context.Context, userID, messageID int64) (usecase.RenderOutput, error)
}

type renderRequest struct {
	UserID         int64           `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	KnownMessageID int64           `json:"known_message_id,omitempty"`
	Text           string          `json:"text"`
	Markup         json.RawMessage `json:"markup,omitempty"`
	ImageKey       string          `json:"image_key,omitempty"`
}

type bannerRequest struct {
	UserID    int64 `json:"user_id"`
	MessageID int64 `json:"message_id"`
}

type errorResponse = usecase.ErrorBody

type Handler struct {
	uc  ScreenUseCase
	log zerolog.Logger
}

type Option func(*Handler)

func WithLogger(log zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = log
	}
}

func NewHandler(uc ScreenUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle serves API Gateway proxy events. Failures are answered with a status code;
// the returned error is reserved for the Lambda runtime and is always nil.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.log.With().
		Str("correlation_id", correlationID).
		Str("method", req.HTTPMethod).
		Str("path", req.Path).
		Logger()
	ctx = log.WithContext(ctx)

	resp := h.route(ctx, req)
	resp.Headers[correlationHeader] = correlationID

	ev := log.Info()
	if resp.StatusCode >= 500 {
		ev = log.Warn()
	}
	ev.Int("status", resp.StatusCode).Msg("request handled")
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	path := strings.TrimRight(req.Path, "/")
	switch {
	case path == "/screens" && req.HTTPMethod == http.MethodPost:
		return h.render(ctx, req)
	case path == "/screens" && req.HTTPMethod == http.MethodDelete:
		return h.clear(ctx, req)
	case path == "/banners" && req.HTTPMethod == http.MethodPost:
		return h.trackBanner(ctx, req)
	case path == "/screens" || path == "/banners":
		return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
	}
}

func (h *Handler) render(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body renderRequest
	if resp, ok := decodeBody(req, &body); !ok {
		return resp
	}
	out, err := h.uc.Render(ctx, usecase.RenderInput{
		IdempotencyKey: header(req.Headers, idempotencyHeader),
		UserID:         body.UserID,
		ConversationID: body.ConversationID,
		KnownMessageID: body.KnownMessageID,
		Text:           body.Text,
		Markup:         domain.Markup(body.Markup),
		ImageKey:       body.ImageKey,
	})
	if err != nil {
		return errorResult(ctx, err)
	}
	resp := rawResponse(out.StatusCode, out.Data)
	if out.Replayed {
		resp.Headers[replayedHeader] = "true"
	}
	return resp
}

func (h *Handler) clear(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	userID, err := strconv.ParseInt(req.QueryStringParameters["user_id"], 10, 64)
	if err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_user_id"})
	}
	out, err := h.uc.Clear(ctx, userID, req.QueryStringParameters["conversation_id"])
	if err != nil {
		return errorResult(ctx, err)
	}
	return rawResponse(out.StatusCode, out.Data)
}

func (h *Handler) trackBanner(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body bannerRequest
	if resp, ok := decodeBody(req, &body); !ok {
		return resp
	}
	out, err := h.uc.TrackBanner(ctx, body.UserID, body.MessageID)
	if err != nil {
		return errorResult(ctx, err)
	}
	return rawResponse(out.StatusCode, out.Data)
}

func decodeBody(req events.APIGatewayProxyRequest, v any) (events.APIGatewayProxyResponse, bool) {
	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body_encoding"}), false
		}
		raw = decoded
	}
	if len(raw) > maxBodyBytes {
		return jsonResponse(http.StatusRequestEntityTooLarge, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "body_too_large"}), false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"}), false
	}
	return events.APIGatewayProxyResponse{}, true
}

func errorResult(ctx context.Context, err error) events.APIGatewayProxyResponse {
	log := zerolog.Ctx(ctx)
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		uerr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	status := uerr.Code.HTTPStatus()
	if status >= 500 {
		log.Error().Err(err).Str("code", string(uerr.Code)).Str("reason", uerr.Reason).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("code", string(uerr.Code)).Str("reason", uerr.Reason).Msg("request rejected")
	}
	return rawResponse(status, uerr.Body())
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		return rawResponse(http.StatusInternalServerError, []byte(`{"error":"INTERNAL_ERROR"}`))
	}
	return rawResponse(status, b)
}

func rawResponse(status int, body []byte) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

// header looks name up case-insensitively; API Gateway passes headers as sent.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
