package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-relay/internal/domain"
	"chat-relay/internal/presets"
	"chat-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"

	errorNotFound         = "NOT_FOUND"
	errorMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// ChatUseCase is the session API the handler exposes over HTTP.
type ChatUseCase interface {
	StartSession(ctx context.Context, in usecase.ConfigInput) (domain.Session, error)
	Configure(ctx context.Context, sessionID string, in usecase.ConfigInput) (domain.Session, error)
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	History(ctx context.Context, sessionID string) ([]domain.ChatMessage, error)
	ClearHistory(ctx context.Context, sessionID string) error
	EndSession(ctx context.Context, sessionID string) error
}

type PresetLister interface {
	All() []presets.Preset
}

type configRequest struct {
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"apiKey"`
	Model    string `json:"model"`
}

type sendRequest struct {
	Content string `json:"content"`
}

// configView is a ProviderConfig without the secret.
type configView struct {
	Provider  domain.Provider `json:"provider"`
	Endpoint  string          `json:"endpoint"`
	Model     string          `json:"model"`
	APIKeySet bool            `json:"apiKeySet"`
}

type sessionResponse struct {
	SessionID string     `json:"sessionId"`
	Config    configView `json:"config"`
}

type sendResponse struct {
	Reply   string               `json:"reply"`
	History []domain.ChatMessage `json:"history"`
}

type historyResponse struct {
	History []domain.ChatMessage `json:"history"`
}

type presetsResponse struct {
	Presets []presets.Preset `json:"presets"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type Handler struct {
	chat          ChatUseCase
	presets       PresetLister
	allowedOrigin string
	logger        *slog.Logger
}

type Option func(*Handler)

// WithAllowedOrigin enables CORS responses for a browser front-end served
// from origin.
func WithAllowedOrigin(origin string) Option {
	return func(h *Handler) {
		h.allowedOrigin = strings.TrimSpace(origin)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(chat ChatUseCase, p PresetLister, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if p == nil {
		return nil, errors.New("handler: preset lister must not be nil")
	}
	h := &Handler{chat: chat, presets: p, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes one API Gateway proxy request. Failures are reported in the
// response; the returned error is always nil so Lambda never retries.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", corrID, "method", req.HTTPMethod, "path", req.Path)

	resp := h.route(ctx, log, req)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = corrID
	if h.allowedOrigin != "" {
		resp.Headers["Access-Control-Allow-Origin"] = h.allowedOrigin
		resp.Headers["Access-Control-Allow-Headers"] = "Content-Type, X-Correlation-Id"
		resp.Headers["Access-Control-Allow-Methods"] = "GET, POST, PUT, DELETE, OPTIONS"
	}
	log.Info("request handled", "status", resp.StatusCode)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	method := strings.ToUpper(req.HTTPMethod)
	if method == http.MethodOptions {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}
	}

	parts := strings.Split(strings.Trim(req.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "presets":
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		return jsonResponse(http.StatusOK, presetsResponse{Presets: h.presets.All()})

	case len(parts) == 1 && parts[0] == "sessions":
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.startSession(ctx, log, req)

	case len(parts) == 2 && parts[0] == "sessions":
		if method != http.MethodDelete {
			return methodNotAllowed()
		}
		if err := h.chat.EndSession(ctx, parts[1]); err != nil {
			return errorFor(log, err)
		}
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}

	case len(parts) == 3 && parts[0] == "sessions" && parts[2] == "config":
		if method != http.MethodPut {
			return methodNotAllowed()
		}
		return h.configure(ctx, log, parts[1], req)

	case len(parts) == 3 && parts[0] == "sessions" && parts[2] == "messages":
		switch method {
		case http.MethodPost:
			return h.send(ctx, log, parts[1], req)
		case http.MethodGet:
			history, err := h.chat.History(ctx, parts[1])
			if err != nil {
				return errorFor(log, err)
			}
			return jsonResponse(http.StatusOK, historyResponse{History: history})
		case http.MethodDelete:
			if err := h.chat.ClearHistory(ctx, parts[1]); err != nil {
				return errorFor(log, err)
			}
			return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}
		default:
			return methodNotAllowed()
		}
	}
	return jsonResponse(http.StatusNotFound, errorResponse{Error: errorNotFound, Message: "no such route"})
}

func (h *Handler) startSession(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var in configRequest
	if resp, ok := decodeBody(req, &in); !ok {
		return resp
	}
	sess, err := h.chat.StartSession(ctx, in.toInput())
	if err != nil {
		return errorFor(log, err)
	}
	log.Info("session started", "session_id", sess.ID, "provider", sess.Config.Provider)
	return jsonResponse(http.StatusCreated, newSessionResponse(sess))
}

func (h *Handler) configure(ctx context.Context, log *slog.Logger, sessionID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var in configRequest
	if resp, ok := decodeBody(req, &in); !ok {
		return resp
	}
	sess, err := h.chat.Configure(ctx, sessionID, in.toInput())
	if err != nil {
		return errorFor(log, err)
	}
	return jsonResponse(http.StatusOK, newSessionResponse(sess))
}

func (h *Handler) send(ctx context.Context, log *slog.Logger, sessionID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var in sendRequest
	if resp, ok := decodeBody(req, &in); !ok {
		return resp
	}
	out, err := h.chat.Send(ctx, usecase.SendInput{SessionID: sessionID, Content: in.Content})
	if err != nil {
		return errorFor(log, err)
	}
	return jsonResponse(http.StatusOK, sendResponse{Reply: out.Reply, History: out.History})
}

func (r configRequest) toInput() usecase.ConfigInput {
	return usecase.ConfigInput{Provider: r.Provider, Endpoint: r.Endpoint, APIKey: r.APIKey, Model: r.Model}
}

func newSessionResponse(s domain.Session) sessionResponse {
	return sessionResponse{
		SessionID: s.ID,
		Config: configView{
			Provider:  s.Config.Provider,
			Endpoint:  s.Config.Endpoint,
			Model:     s.Config.Model,
			APIKeySet: s.Config.APIKey != "",
		},
	}
}

func decodeBody(req events.APIGatewayProxyRequest, v any) (events.APIGatewayProxyResponse, bool) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return invalidBody(), false
		}
		body = decoded
	}
	if err := json.Unmarshal(body, v); err != nil {
		return invalidBody(), false
	}
	return events.APIGatewayProxyResponse{}, true
}

func invalidBody() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, errorResponse{
		Error:   string(usecase.ErrorInvalidInput),
		Message: "request body must be a JSON object",
	})
}

func methodNotAllowed() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: errorMethodNotAllowed})
}

func errorFor(log *slog.Logger, err error) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		log.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	} else {
		log.Warn("request rejected", "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	}
	return jsonResponse(status, errorResponse{Error: string(ue.Code), Message: ue.Message()})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorNotConfigured:
		return http.StatusBadRequest
	case usecase.ErrorSessionNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstreamNetwork, usecase.ErrorUpstreamMalformed, usecase.ErrorUpstreamUnknown:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

// headerValue looks up name case-insensitively; API Gateway preserves client casing.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
