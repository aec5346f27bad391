package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
	"chat-relay/internal/presets"
	"chat-relay/internal/usecase"
)

type stubUseCase struct {
	sess    domain.Session
	out     usecase.SendOutput
	history []domain.ChatMessage
	err     error

	cfgIn     usecase.ConfigInput
	sendIn    usecase.SendInput
	sessionID string
	calls     []string
}

func (s *stubUseCase) StartSession(_ context.Context, in usecase.ConfigInput) (domain.Session, error) {
	s.calls = append(s.calls, "start")
	s.cfgIn = in
	return s.sess, s.err
}

func (s *stubUseCase) Configure(_ context.Context, sessionID string, in usecase.ConfigInput) (domain.Session, error) {
	s.calls = append(s.calls, "configure")
	s.sessionID = sessionID
	s.cfgIn = in
	return s.sess, s.err
}

func (s *stubUseCase) Send(_ context.Context, in usecase.SendInput) (usecase.SendOutput, error) {
	s.calls = append(s.calls, "send")
	s.sendIn = in
	return s.out, s.err
}

func (s *stubUseCase) History(_ context.Context, sessionID string) ([]domain.ChatMessage, error) {
	s.calls = append(s.calls, "history")
	s.sessionID = sessionID
	return s.history, s.err
}

func (s *stubUseCase) ClearHistory(_ context.Context, sessionID string) error {
	s.calls = append(s.calls, "clear")
	s.sessionID = sessionID
	return s.err
}

func (s *stubUseCase) EndSession(_ context.Context, sessionID string) error {
	s.calls = append(s.calls, "end")
	s.sessionID = sessionID
	return s.err
}

type stubPresets []presets.Preset

func (p stubPresets) All() []presets.Preset { return p }

func newTestHandler(t *testing.T, uc *stubUseCase, opts ...Option) *Handler {
	t.Helper()
	h, err := NewHandler(uc, stubPresets{{Provider: domain.ProviderOpenAI, Label: "OpenAI", Models: []string{"gpt-4"}}}, opts...)
	require.NoError(t, err)
	return h
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

var testSession = domain.Session{
	ID: "sess-1",
	Config: domain.ProviderConfig{
		Provider: domain.ProviderAnthropic,
		Endpoint: "https://api.anthropic.com/v1/messages",
		APIKey:   "secret",
		Model:    "claude-3-opus-20240229",
	},
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, stubPresets{})
	require.Error(t, err)
	_, err = NewHandler(&stubUseCase{}, nil)
	require.Error(t, err)
}

// ---- Routes ----

func TestHandle_ListPresets(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/presets", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := parseBody[presetsResponse](t, resp.Body)
	require.Len(t, out.Presets, 1)
	require.Equal(t, domain.ProviderOpenAI, out.Presets[0].Provider)
}

func TestHandle_StartSession(t *testing.T) {
	uc := &stubUseCase{sess: testSession}
	h := newTestHandler(t, uc)

	body := `{"provider":"anthropic","endpoint":"https://api.anthropic.com/v1/messages","apiKey":"secret","model":"claude-3-opus-20240229"}`
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, usecase.ConfigInput{
		Provider: "anthropic",
		Endpoint: "https://api.anthropic.com/v1/messages",
		APIKey:   "secret",
		Model:    "claude-3-opus-20240229",
	}, uc.cfgIn)

	out := parseBody[sessionResponse](t, resp.Body)
	require.Equal(t, "sess-1", out.SessionID)
	require.True(t, out.Config.APIKeySet)
	require.Equal(t, domain.ProviderAnthropic, out.Config.Provider)
	require.NotContains(t, resp.Body, "secret")
}

func TestHandle_ConfigureSession(t *testing.T) {
	sess := testSession
	sess.Config.APIKey = ""
	uc := &stubUseCase{sess: sess}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPut, "/sessions/sess-1/config", `{"provider":"openai","model":"gpt-4"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "sess-1", uc.sessionID)
	require.Equal(t, usecase.ConfigInput{Provider: "openai", Model: "gpt-4"}, uc.cfgIn)

	out := parseBody[sessionResponse](t, resp.Body)
	require.False(t, out.Config.APIKeySet)
}

func TestHandle_SendMessage(t *testing.T) {
	history := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "Hello"},
		{Role: domain.RoleAssistant, Content: "Hi there"},
	}
	uc := &stubUseCase{out: usecase.SendOutput{Reply: "Hi there", History: history}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/messages", `{"content":"Hello"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.SendInput{SessionID: "sess-1", Content: "Hello"}, uc.sendIn)

	out := parseBody[sendResponse](t, resp.Body)
	require.Equal(t, "Hi there", out.Reply)
	require.Equal(t, history, out.History)
}

func TestHandle_SendMessage_Base64Body(t *testing.T) {
	uc := &stubUseCase{out: usecase.SendOutput{Reply: "ok", History: []domain.ChatMessage{}}}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodPost, "/sessions/sess-1/messages", base64.StdEncoding.EncodeToString([]byte(`{"content":"Hello"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Hello", uc.sendIn.Content)
}

func TestHandle_HistoryClearAndEnd(t *testing.T) {
	uc := &stubUseCase{history: []domain.ChatMessage{{Role: domain.RoleUser, Content: "q"}}}
	h := newTestHandler(t, uc)
	ctx := context.Background()

	resp, err := h.Handle(ctx, makeEvent(http.MethodGet, "/sessions/sess-1/messages", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := parseBody[historyResponse](t, resp.Body)
	require.Equal(t, uc.history, out.History)

	resp, err = h.Handle(ctx, makeEvent(http.MethodDelete, "/sessions/sess-1/messages", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = h.Handle(ctx, makeEvent(http.MethodDelete, "/sessions/sess-1", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Equal(t, []string{"history", "clear", "end"}, uc.calls)
	require.Equal(t, "sess-1", uc.sessionID)
}

func TestHandle_UnknownRouteAndMethod(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)
	ctx := context.Background()

	resp, err := h.Handle(ctx, makeEvent(http.MethodGet, "/nope", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, errorNotFound, parseBody[errorResponse](t, resp.Body).Error)

	resp, err = h.Handle(ctx, makeEvent(http.MethodPatch, "/sessions/sess-1/messages", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, errorMethodNotAllowed, parseBody[errorResponse](t, resp.Body).Error)

	resp, err = h.Handle(ctx, makeEvent(http.MethodGet, "/sessions", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Empty(t, uc.calls)
}

func TestHandle_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/messages", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Empty(t, uc.calls)
}

// ---- Errors ----

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "not configured", err: &usecase.Error{Code: usecase.ErrorNotConfigured, Reason: "missing_api_key"}, status: http.StatusBadRequest, code: string(usecase.ErrorNotConfigured)},
		{name: "session not found", err: &usecase.Error{Code: usecase.ErrorSessionNotFound, Reason: "session_not_found"}, status: http.StatusNotFound, code: string(usecase.ErrorSessionNotFound)},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "session_modified"}, status: http.StatusConflict, code: string(usecase.ErrorConflict)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "provider_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "network", err: &usecase.Error{Code: usecase.ErrorUpstreamNetwork, Reason: "provider_unreachable"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstreamNetwork)},
		{name: "malformed", err: &usecase.Error{Code: usecase.ErrorUpstreamMalformed, Reason: "provider_malformed_response"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstreamMalformed)},
		{name: "upstream unknown", err: &usecase.Error{Code: usecase.ErrorUpstreamUnknown, Reason: "provider_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstreamUnknown)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "session_write_error", Err: errors.New("table gone")}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h := newTestHandler(t, uc)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/messages", `{"content":"Hello"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
			require.NotContains(t, out.Message, "table gone")
		})
	}
}

func TestHandle_ErrorMessageCarriesUpstreamDetail(t *testing.T) {
	uc := &stubUseCase{err: &usecase.Error{Code: usecase.ErrorUpstreamNetwork, Reason: "provider_unreachable", Err: errors.New("connection refused")}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/messages", `{"content":"Hello"}`))
	require.NoError(t, err)
	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, "provider_unreachable: connection refused", out.Message)
}

// ---- Headers ----

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})

	event := makeEvent(http.MethodGet, "/presets", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_GeneratesCorrelationID(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/nope", ""))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_CORS(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc, WithAllowedOrigin("https://chat.example.com"))

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodOptions, "/sessions/sess-1/messages", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://chat.example.com", resp.Headers["Access-Control-Allow-Origin"])
	require.Empty(t, uc.calls)

	plain := newTestHandler(t, &stubUseCase{})
	resp, err = plain.Handle(context.Background(), makeEvent(http.MethodGet, "/presets", ""))
	require.NoError(t, err)
	require.NotContains(t, resp.Headers, "Access-Control-Allow-Origin")
}
