package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	envProvider = "LLM_PROVIDER" // "gemini", "openai" or "anthropic"

	defaultMaxTokens = 900
	maxRetries       = 3
	retryBaseDelay   = 500 * time.Millisecond
	maxRequestSize   = 200000 // ~200KB limit for safety
)

// Client is the reasoning service: prompt in, text out. Implementations are
// safe for concurrent use.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Prompt      string
	Images      []Image
	Temperature float32
	MaxTokens   int
}

// Image is an inline image attached to the prompt.
type Image struct {
	MIMEType string
	Data     []byte
}

type Response struct {
	Text string
}

// NewClientWithLogger creates a client based on LLM_PROVIDER. Gemini is the default.
func NewClientWithLogger(ctx context.Context, logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if provider == "" {
		provider = "gemini"
	}

	switch provider {
	case "gemini", "google":
		return NewGeminiWithLogger(ctx, logger)
	case "openai":
		return NewOpenAIWithLogger(logger)
	case "anthropic":
		return NewAnthropicWithLogger(logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'gemini', 'openai' or 'anthropic')", provider)
	}
}

func envOr(key, def string) string {
	v := strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
	if v == "" {
		return def
	}
	return v
}

func validate(req *Request, logger zerolog.Logger) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return errors.New("empty prompt")
	}
	if len(req.Prompt) > maxRequestSize {
		logger.Warn().Int("size", len(req.Prompt)).Msg("prompt too large, truncating")
		req.Prompt = clip(req.Prompt, maxRequestSize) + "... [truncated]"
	}
	if len(req.System) > maxRequestSize {
		logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = clip(req.System, maxRequestSize) + "... [truncated]"
	}
	return nil
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// retryable marks an error the provider may retry (429, 5xx, transport).
type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// withRetry calls fn with exponential backoff while it returns a retryable error.
func withRetry(ctx context.Context, logger zerolog.Logger, provider string, fn func() (Response, error)) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msgf("retrying %s API call", provider)
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		var r retryable
		if !errors.As(err, &r) {
			return Response{}, err
		}
		lastErr = r.err
	}
	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
