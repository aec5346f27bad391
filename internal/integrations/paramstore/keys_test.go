package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

type fakeGetter struct {
	vals  map[string]string
	err   error
	calls []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.vals[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func TestNewKeyResolver_Validates(t *testing.T) {
	_, err := NewKeyResolver(nil, "/chat")
	require.ErrorContains(t, err, "nil")

	_, err = NewKeyResolver(&fakeGetter{}, " / ")
	require.ErrorContains(t, err, "prefix")
}

func TestKeyResolver_ParameterName(t *testing.T) {
	r, err := NewKeyResolver(&fakeGetter{}, "/chat-relay/")
	require.NoError(t, err)
	require.Equal(t, "/chat-relay/anthropic-api-key", r.ParameterName(domain.ProviderAnthropic))
}

func TestKeyResolver_CachesPerProvider(t *testing.T) {
	g := &fakeGetter{vals: map[string]string{
		"/chat/openai-api-key":    `{"token":"sk-openai"}`,
		"/chat/anthropic-api-key": `{"token":"sk-ant"}`,
	}}
	r, err := NewKeyResolver(g, "/chat")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key, err := r.ResolveAPIKey(context.Background(), domain.ProviderOpenAI)
		require.NoError(t, err)
		require.Equal(t, "sk-openai", key)
	}
	key, err := r.ResolveAPIKey(context.Background(), domain.ProviderAnthropic)
	require.NoError(t, err)
	require.Equal(t, "sk-ant", key)

	require.Equal(t, []string{"/chat/openai-api-key", "/chat/anthropic-api-key"}, g.calls)
}

func TestKeyResolver_FailuresAreNotCached(t *testing.T) {
	g := &fakeGetter{err: errors.New("throttled")}
	r, err := NewKeyResolver(g, "/chat")
	require.NoError(t, err)

	_, err = r.ResolveAPIKey(context.Background(), domain.ProviderGeneric)
	require.ErrorContains(t, err, "throttled")

	g.err = nil
	g.vals = map[string]string{"/chat/generic-api-key": `{"token":"sk-gen"}`}
	key, err := r.ResolveAPIKey(context.Background(), domain.ProviderGeneric)
	require.NoError(t, err)
	require.Equal(t, "sk-gen", key)
	require.Len(t, g.calls, 2)
}

func TestKeyResolver_BadPayloads(t *testing.T) {
	cases := []struct {
		name string
		val  string
		want string
	}{
		{"malformed json", `{"broken`, "unmarshal"},
		{"missing token", `{"other":"value"}`, "empty"},
		{"blank token", `{"token":"  "}`, "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := &fakeGetter{vals: map[string]string{"/chat/openai-api-key": tc.val}}
			r, err := NewKeyResolver(g, "/chat")
			require.NoError(t, err)
			_, err = r.ResolveAPIKey(context.Background(), domain.ProviderOpenAI)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestKeyResolver_MissingParameter(t *testing.T) {
	r, err := NewKeyResolver(&fakeGetter{}, "/chat")
	require.NoError(t, err)
	_, err = r.ResolveAPIKey(context.Background(), domain.ProviderOpenAI)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchToken_SealingKey(t *testing.T) {
	name := SealingKeyName("/chat/")
	require.Equal(t, "/chat/session-sealing-key", name)

	g := &fakeGetter{vals: map[string]string{name: `{"token":"c2VjcmV0"}`}}
	tok, err := FetchToken(context.Background(), g, name)
	require.NoError(t, err)
	require.Equal(t, "c2VjcmV0", tok)

	_, err = FetchToken(context.Background(), &fakeGetter{}, name)
	require.ErrorIs(t, err, ErrNotFound)
}
