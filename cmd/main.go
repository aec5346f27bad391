package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-relay/handler"
	"chat-relay/internal/integrations/llm"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/presets"
	"chat-relay/internal/repository"
	"chat-relay/internal/secrets"
	"chat-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	allowedOrigin := os.Getenv("ALLOWED_ORIGIN")
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 8000)
	httpTimeout := time.Duration(envInt("HTTP_TIMEOUT_SECONDS", 60)) * time.Second

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	sealingKey, err := paramstore.FetchToken(ctx, ssmClient, paramstore.SealingKeyName(paramPrefix))
	if err != nil {
		slog.Error("failed to load session sealing key", "err", err)
		os.Exit(1)
	}
	sealer, err := secrets.ParseKey(sealingKey)
	if err != nil {
		slog.Error("invalid session sealing key", "err", err)
		os.Exit(1)
	}
	keys, err := paramstore.NewKeyResolver(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create key resolver", "err", err)
		os.Exit(1)
	}

	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable, sealer)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	llmClient := llm.NewClient(llm.WithTimeout(httpTimeout))

	catalog, err := presets.Load()
	if err != nil {
		slog.Error("failed to load presets", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(llmClient, stateClient, maxMessageLen,
		usecase.WithDefaults(catalog),
		usecase.WithKeyResolver(keys),
	)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, catalog, handler.WithAllowedOrigin(allowedOrigin))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
