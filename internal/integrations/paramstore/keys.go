package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chat-relay/internal/domain"
)

// tokenPayload is the expected JSON shape stored in SSM for an API key or
// the session sealing key.
type tokenPayload struct {
	Token string `json:"token"`
}

// KeyResolver supplies server-side API keys for sessions that were
// configured without one. Keys live at <prefix>/<provider>-api-key.
type KeyResolver struct {
	getter Getter
	prefix string

	mu   sync.Mutex
	keys map[domain.Provider]string
}

func NewKeyResolver(g Getter, prefix string) (*KeyResolver, error) {
	if g == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: parameter prefix must not be empty")
	}
	return &KeyResolver{getter: g, prefix: prefix, keys: make(map[domain.Provider]string)}, nil
}

// ResolveAPIKey returns the key for provider, fetching it on first use.
// Successful lookups are cached for the process lifetime; failures are not.
func (r *KeyResolver) ResolveAPIKey(ctx context.Context, provider domain.Provider) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[provider]; ok {
		return key, nil
	}
	key, err := FetchToken(ctx, r.getter, r.ParameterName(provider))
	if err != nil {
		return "", err
	}
	r.keys[provider] = key
	return key, nil
}

func (r *KeyResolver) ParameterName(provider domain.Provider) string {
	return r.prefix + "/" + string(provider) + "-api-key"
}

// SealingKeyName is the parameter holding the base64 key that seals user API
// keys in the session table.
func SealingKeyName(prefix string) string {
	return strings.TrimRight(strings.TrimSpace(prefix), "/") + "/session-sealing-key"
}

// FetchToken reads a {"token": "..."} parameter.
func FetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch %s: %w", name, err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal %s value as JSON: %w", name, err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", fmt.Errorf("paramstore: token at %q is empty", name)
	}
	return tp.Token, nil
}
