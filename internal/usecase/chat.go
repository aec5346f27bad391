package usecase

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/llm"
)

const defaultMaxMessageLen = 8000

type ChatSender interface {
	SendChat(ctx context.Context, cfg domain.ProviderConfig, history []domain.ChatMessage) (string, error)
}

type SessionStore interface {
	Create(ctx context.Context, s domain.Session) error
	Get(ctx context.Context, sessionID string) (domain.Session, error)
	UpdateConfig(ctx context.Context, sessionID string, cfg domain.ProviderConfig) error
	AppendTurn(ctx context.Context, s domain.Session, msgs ...domain.ChatMessage) error
	ClearHistory(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// KeyResolver supplies a server-side API key when a session brings none.
type KeyResolver interface {
	ResolveAPIKey(ctx context.Context, provider domain.Provider) (string, error)
}

// ConfigDefaulter fills endpoint and model defaults for a provider.
type ConfigDefaulter interface {
	ApplyDefaults(cfg domain.ProviderConfig) domain.ProviderConfig
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatService owns the session lifecycle and is the only caller of the LLM adapter.
type ChatService struct {
	llm           ChatSender
	store         SessionStore
	keys          KeyResolver
	defaults      ConfigDefaulter
	maxMessageLen int
	now           func() time.Time
}

type ServiceOption func(*ChatService)

// WithKeyResolver lets sessions omit their API key.
func WithKeyResolver(r KeyResolver) ServiceOption {
	return func(s *ChatService) {
		s.keys = r
	}
}

func WithDefaults(d ConfigDefaulter) ServiceOption {
	return func(s *ChatService) {
		s.defaults = d
	}
}

func NewChatService(sender ChatSender, store SessionStore, maxMessageLen int, opts ...ServiceOption) (*ChatService, error) {
	if sender == nil {
		return nil, errors.New("usecase: chat sender must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	s := &ChatService{
		llm:           sender,
		store:         store,
		maxMessageLen: maxMessageLen,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ConfigInput is the configuration form as submitted by the user.
type ConfigInput struct {
	Provider string
	Endpoint string
	APIKey   string
	Model    string
}

type SendInput struct {
	SessionID string
	Content   string
}

type SendOutput struct {
	Reply   string
	History []domain.ChatMessage
}

// StartSession validates cfg and creates a session with an empty history.
func (s *ChatService) StartSession(ctx context.Context, in ConfigInput) (domain.Session, error) {
	cfg, err := s.normalizeConfig(ctx, in)
	if err != nil {
		return domain.Session{}, err
	}
	now := s.now().UTC()
	sess := domain.Session{
		ID:        newUUID(),
		Config:    cfg,
		History:   []domain.ChatMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return domain.Session{}, newError(ErrorInternal, "session_create_error", err)
	}
	return sess, nil
}

// Configure replaces the provider config of a session and keeps its history.
func (s *ChatService) Configure(ctx context.Context, sessionID string, in ConfigInput) (domain.Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	cfg, err := s.normalizeConfig(ctx, in)
	if err != nil {
		return domain.Session{}, err
	}
	if err := s.store.UpdateConfig(ctx, sess.ID, cfg); err != nil {
		return domain.Session{}, storeError(err, "session_update_error")
	}
	sess.Config = cfg
	sess.UpdatedAt = s.now().UTC()
	return sess, nil
}

// Send forwards the history plus one new user message to the provider. The
// user message and the reply are stored together only when the call succeeds,
// so a failed call leaves the history as it was.
func (s *ChatService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	content := in.Content
	if strings.TrimSpace(content) == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(content) > s.maxMessageLen {
		return SendOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	sess, err := s.load(ctx, in.SessionID)
	if err != nil {
		return SendOutput{}, err
	}
	cfg, err := s.withCredentials(ctx, sess.Config)
	if err != nil {
		return SendOutput{}, err
	}

	userMsg := domain.ChatMessage{Role: domain.RoleUser, Content: content}
	outgoing := sess.WithMessages(userMsg)

	reply, err := s.llm.SendChat(ctx, cfg, outgoing)
	if err != nil {
		return SendOutput{}, adapterError(err)
	}

	assistantMsg := domain.ChatMessage{Role: domain.RoleAssistant, Content: reply}
	if err := s.store.AppendTurn(ctx, sess, userMsg, assistantMsg); err != nil {
		return SendOutput{}, storeError(err, "session_write_error")
	}
	return SendOutput{
		Reply:   reply,
		History: append(outgoing, assistantMsg),
	}, nil
}

// History returns the session's conversation so far.
func (s *ChatService) History(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Snapshot(), nil
}

// ClearHistory empties the conversation and keeps the configuration.
func (s *ChatService) ClearHistory(ctx context.Context, sessionID string) error {
	id, err := requireSessionID(sessionID)
	if err != nil {
		return err
	}
	if err := s.store.ClearHistory(ctx, id); err != nil {
		return storeError(err, "session_clear_error")
	}
	return nil
}

// EndSession destroys the session and its history.
func (s *ChatService) EndSession(ctx context.Context, sessionID string) error {
	id, err := requireSessionID(sessionID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return storeError(err, "session_delete_error")
	}
	return nil
}

func (s *ChatService) load(ctx context.Context, sessionID string) (domain.Session, error) {
	id, err := requireSessionID(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Session{}, storeError(err, "session_load_error")
	}
	return sess, nil
}

// normalizeConfig trims and validates the form. A blank API key is accepted
// only when a server-side key exists for the provider; it is then left blank
// in the stored config and filled in per call.
func (s *ChatService) normalizeConfig(ctx context.Context, in ConfigInput) (domain.ProviderConfig, error) {
	provider, ok := domain.ParseProvider(in.Provider)
	if !ok {
		return domain.ProviderConfig{}, newError(ErrorInvalidInput, "unsupported_provider", nil)
	}
	cfg := domain.ProviderConfig{
		Provider: provider,
		Endpoint: strings.TrimSpace(in.Endpoint),
		APIKey:   strings.TrimSpace(in.APIKey),
		Model:    strings.TrimSpace(in.Model),
	}
	if s.defaults != nil {
		cfg = s.defaults.ApplyDefaults(cfg)
	}
	if cfg.Endpoint == "" {
		return domain.ProviderConfig{}, newError(ErrorInvalidInput, "missing_endpoint", nil)
	}
	if !validEndpoint(cfg.Endpoint) {
		return domain.ProviderConfig{}, newError(ErrorInvalidInput, "invalid_endpoint", nil)
	}
	if cfg.Model == "" {
		return domain.ProviderConfig{}, newError(ErrorInvalidInput, "missing_model", nil)
	}
	if _, err := s.withCredentials(ctx, cfg); err != nil {
		return domain.ProviderConfig{}, err
	}
	return cfg, nil
}

// withCredentials returns cfg with an API key, resolving a server-side key if needed.
func (s *ChatService) withCredentials(ctx context.Context, cfg domain.ProviderConfig) (domain.ProviderConfig, error) {
	if cfg.APIKey != "" {
		return cfg, nil
	}
	if s.keys == nil {
		return domain.ProviderConfig{}, newError(ErrorNotConfigured, "missing_api_key", nil)
	}
	key, err := s.keys.ResolveAPIKey(ctx, cfg.Provider)
	if err != nil {
		return domain.ProviderConfig{}, newError(ErrorNotConfigured, "api_key_unavailable", err)
	}
	cfg.APIKey = key
	return cfg, nil
}

func validEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func requireSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	return id, nil
}

func storeError(err error, reason string) error {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return newError(ErrorSessionNotFound, "session_not_found", err)
	case errors.Is(err, domain.ErrConcurrentUpdate):
		return newError(ErrorConflict, "session_modified", err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}

func adapterError(err error) error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, "provider_rate_limited", err)
	}
	switch {
	case llm.IsKind(err, llm.KindNetwork):
		return newError(ErrorUpstreamNetwork, "provider_unreachable", err)
	case llm.IsKind(err, llm.KindMalformedResponse):
		return newError(ErrorUpstreamMalformed, "provider_malformed_response", err)
	default:
		return newError(ErrorUpstreamUnknown, "provider_error", err)
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
