package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"chat-relay/internal/domain"
)

const (
	defaultTimeout   = 60 * time.Second
	maxErrorBodySize = 4096
	maxReplyBodySize = 4 << 20
)

// Client sends a conversation to one of the supported LLM providers and
// returns the assistant reply. It holds no per-call state and is safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout replaces the client's overall request timeout. Non-positive
// values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{httpClient: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// SendChat posts history to cfg.Endpoint in the provider's wire format and
// returns the reply text. Every error is an *Error. history is never modified.
func (c *Client) SendChat(ctx context.Context, cfg domain.ProviderConfig, history []domain.ChatMessage) (string, error) {
	v, ok := variants[cfg.Provider]
	if !ok {
		return "", newError(cfg.Provider, KindUnknown, fmt.Sprintf("unsupported provider %q", cfg.Provider), nil)
	}
	if !cfg.Complete() {
		return "", newError(cfg.Provider, KindUnknown, "endpoint, model and api key are required", nil)
	}

	payload, headers := v.buildRequest(cfg, history)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", newError(cfg.Provider, KindUnknown, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", newError(cfg.Provider, KindUnknown, "create request", err)
	}
	req.Header = headers

	raw, err := c.doJSONRequest(req, cfg.Endpoint)
	switch {
	case errors.Is(err, errResponseTooLarge):
		return "", newError(cfg.Provider, KindUnknown, "read response", err)
	case err != nil:
		return "", newError(cfg.Provider, KindNetwork, "request failed", err)
	}

	reply, err := v.parseReply(raw)
	switch {
	case err == nil:
		return reply, nil
	case errors.Is(err, errNoReply):
		return "", newError(cfg.Provider, KindMalformedResponse, "decode response", err)
	default:
		return "", newError(cfg.Provider, KindUnknown, "decode response", err)
	}
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(buf) > maxReplyBodySize {
		return nil, errResponseTooLarge
	}
	return buf, nil
}
