package llm

import (
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"chat-relay/internal/domain"
)

const (
	openAITemperature  = 0.7
	anthropicMaxTokens = 1000
	anthropicVersion   = "2023-06-01"

	openAIReplyList    = "choices"
	openAIReplyPath    = "choices.0.message.content"
	anthropicReplyList = "content"
	anthropicReplyPath = "content.0.text"
)

// chatCompletionRequest is the body for OpenAI-style chat completion endpoints.
type chatCompletionRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
}

// messagesRequest is the body for the Anthropic Messages endpoint.
type messagesRequest struct {
	Model     string               `json:"model"`
	Messages  []domain.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens"`
}

// variant is the per-provider half of SendChat: what to send and where the reply lives.
type variant struct {
	buildRequest func(cfg domain.ProviderConfig, history []domain.ChatMessage) (any, http.Header)
	parseReply   func(raw []byte) (string, error)
}

var variants = map[domain.Provider]variant{
	domain.ProviderOpenAI: {
		buildRequest: buildOpenAIRequest,
		parseReply:   replyAt(openAIReplyList, openAIReplyPath),
	},
	domain.ProviderAnthropic: {
		buildRequest: buildAnthropicRequest,
		parseReply:   replyAt(anthropicReplyList, anthropicReplyPath),
	},
	// Generic endpoints are assumed to speak the OpenAI shape, minus temperature.
	domain.ProviderGeneric: {
		buildRequest: buildGenericRequest,
		parseReply:   replyAt(openAIReplyList, openAIReplyPath),
	},
}

func buildOpenAIRequest(cfg domain.ProviderConfig, history []domain.ChatMessage) (any, http.Header) {
	temperature := openAITemperature
	return chatCompletionRequest{
		Model:       cfg.Model,
		Messages:    wireMessages(history),
		Temperature: &temperature,
	}, bearerHeaders(cfg.APIKey)
}

func buildGenericRequest(cfg domain.ProviderConfig, history []domain.ChatMessage) (any, http.Header) {
	return chatCompletionRequest{
		Model:    cfg.Model,
		Messages: wireMessages(history),
	}, bearerHeaders(cfg.APIKey)
}

func buildAnthropicRequest(cfg domain.ProviderConfig, history []domain.ChatMessage) (any, http.Header) {
	h := jsonHeaders()
	h.Set("x-api-key", cfg.APIKey)
	h.Set("anthropic-version", anthropicVersion)
	return messagesRequest{
		Model:     cfg.Model,
		Messages:  wireMessages(history),
		MaxTokens: anthropicMaxTokens,
	}, h
}

func jsonHeaders() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}

func bearerHeaders(apiKey string) http.Header {
	h := jsonHeaders()
	h.Set("Authorization", "Bearer "+apiKey)
	return h
}

// wireMessages copies history so an empty conversation encodes as [] and the
// caller's slice is never shared with the encoder.
func wireMessages(history []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(history))
	copy(out, history)
	return out
}

// replyAt returns a parser extracting the string found at path. list must be
// a JSON array; gjson would otherwise resolve "0" as an object key too.
func replyAt(list, path string) func(raw []byte) (string, error) {
	return func(raw []byte) (string, error) {
		if !gjson.ValidBytes(raw) {
			return "", errInvalidJSON
		}
		if !gjson.GetBytes(raw, list).IsArray() {
			return "", fmt.Errorf("%w: %s is not an array", errNoReply, list)
		}
		res := gjson.GetBytes(raw, path)
		if !res.Exists() {
			return "", fmt.Errorf("%w: missing %s", errNoReply, path)
		}
		if res.Type != gjson.String {
			return "", fmt.Errorf("%w: %s is %s, not a string", errNoReply, path, res.Type)
		}
		return res.Str, nil
	}
}
