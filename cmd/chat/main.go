// Command chat is a terminal front-end for a single in-memory chat session.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/llm"
	"chat-relay/internal/presets"
	"chat-relay/internal/repository"
	"chat-relay/internal/usecase"
)

func main() {
	// A missing .env is fine; the process environment is used as is.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// ---- Configuration (read only here) ----
	in := usecase.ConfigInput{
		Provider: envOr("CHAT_PROVIDER", string(domain.ProviderOpenAI)),
		Endpoint: os.Getenv("CHAT_ENDPOINT"),
		APIKey:   os.Getenv("CHAT_API_KEY"),
		Model:    os.Getenv("CHAT_MODEL"),
	}
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 8000)
	httpTimeout := time.Duration(envInt("HTTP_TIMEOUT_SECONDS", 60)) * time.Second

	catalog, err := presets.Load()
	if err != nil {
		slog.Error("failed to load presets", "err", err)
		os.Exit(1)
	}
	svc, err := usecase.NewChatService(
		llm.NewClient(llm.WithTimeout(httpTimeout)),
		repository.NewMemory(),
		maxMessageLen,
		usecase.WithDefaults(catalog),
	)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	if err := run(ctx, svc, in, os.Stdin, os.Stdout); err != nil {
		slog.Error("chat session failed", "err", err)
		os.Exit(1)
	}
}

type chatSession interface {
	StartSession(ctx context.Context, in usecase.ConfigInput) (domain.Session, error)
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	History(ctx context.Context, sessionID string) ([]domain.ChatMessage, error)
	ClearHistory(ctx context.Context, sessionID string) error
	EndSession(ctx context.Context, sessionID string) error
}

// run drives one session from r until /quit or EOF. Send failures are shown
// and the session continues.
func run(ctx context.Context, svc chatSession, cfg usecase.ConfigInput, r io.Reader, w io.Writer) error {
	sess, err := svc.StartSession(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer func() {
		if err := svc.EndSession(context.WithoutCancel(ctx), sess.ID); err != nil {
			slog.Warn("failed to end session", "err", err)
		}
	}()

	fmt.Fprintf(w, "%s / %s. Commands: /clear /history /quit\n", sess.Config.Provider, sess.Config.Model)
	lines, readErr := readLines(ctx, r)
	for {
		fmt.Fprint(w, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(w)
				return <-readErr
			}
			line = l
		}
		switch strings.TrimSpace(line) {
		case "":
			continue
		case "/quit":
			return nil
		case "/clear":
			if err := svc.ClearHistory(ctx, sess.ID); err != nil {
				fmt.Fprintf(w, "error: %s\n", describe(err))
				continue
			}
			fmt.Fprintln(w, "history cleared")
		case "/history":
			history, err := svc.History(ctx, sess.ID)
			if err != nil {
				fmt.Fprintf(w, "error: %s\n", describe(err))
				continue
			}
			for _, m := range history {
				fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content)
			}
		default:
			out, err := svc.Send(ctx, usecase.SendInput{SessionID: sess.ID, Content: line})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(w, "error: %s\n", describe(err))
				continue
			}
			fmt.Fprintf(w, "assistant: %s\n", out.Reply)
		}
	}
}

// readLines scans r in the background so an interrupt is seen while waiting
// for input. The lines channel is closed at EOF, after one value is sent on the
// error channel. A read blocked on a terminal is abandoned on cancel.
func readLines(ctx context.Context, r io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

func describe(err error) string {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		return fmt.Sprintf("%s (%s)", ue.Message(), ue.Code)
	}
	return err.Error()
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
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
