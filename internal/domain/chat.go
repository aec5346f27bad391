package domain

import "strings"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the handler,
// the session store and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider identifies the wire format used to talk to an LLM endpoint.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	// ProviderGeneric is any endpoint assumed to speak the OpenAI chat shape.
	ProviderGeneric Provider = "generic"
)

// Providers lists every supported provider in display order.
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGeneric}
}

// ParseProvider normalizes s and reports whether it names a supported provider.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers() {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// ProviderConfig is everything needed to reach one LLM endpoint.
type ProviderConfig struct {
	Provider Provider `json:"provider"`
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"apiKey"`
	Model    string   `json:"model"`
}

// Complete reports whether the config carries every field a request needs.
func (c ProviderConfig) Complete() bool {
	return c.Provider != "" && c.Endpoint != "" && c.APIKey != "" && c.Model != ""
}
