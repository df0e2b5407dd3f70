package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	envAPIKey             = "ANTHROPIC_API_KEY"
	envModel              = "ANTHROPIC_MODEL"
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"

	anthropicURL = "https://api.anthropic.com/v1/messages"
	apiVersion   = "2023-06-01"
	timeoutSecs  = 60
)

type anthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func NewAnthropicFromEnv() (Client, error) {
	key := envOr(envAPIKey, "")
	if key == "" {
		return nil, fmt.Errorf("missing %s", envAPIKey)
	}
	return &anthropicClient{
		apiKey:  key,
		model:   envOr(envModel, defaultAnthropicModel),
		baseURL: anthropicURL,
		http: &http.Client{
			Timeout: timeoutSecs * time.Second,
		},
		logger: zerolog.Nop(),
	}, nil
}

// NewAnthropicWithLogger creates client with logger for detailed tracing
func NewAnthropicWithLogger(logger zerolog.Logger) (Client, error) {
	client, err := NewAnthropicFromEnv()
	if err != nil {
		return nil, err
	}
	if ac, ok := client.(*anthropicClient); ok {
		ac.logger = logger
	}
	return client, nil
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := validate(&req, c.logger); err != nil {
		return Response{}, err
	}

	content := make([]anthropicContent, 0, len(req.Images)+1)
	for _, img := range req.Images {
		content = append(content, anthropicContent{
			Type: "image",
			Source: &anthropicSource{
				Type:      "base64",
				MediaType: img.MIMEType,
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	content = append(content, anthropicContent{Type: "text", Text: req.Prompt})

	payload := anthropicPayload{
		Model:       c.model,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: content}},
		MaxTokens:   max(req.MaxTokens, defaultMaxTokens),
		Temperature: float64(req.Temperature),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	return withRetry(ctx, c.logger, "Anthropic", func() (Response, error) {
		c.logger.Debug().
			Str("model", c.model).
			Int("images", len(req.Images)).
			Int("payload_size", len(body)).
			Int("max_tokens", payload.MaxTokens).
			Msg("Anthropic API request")

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return Response{}, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", apiVersion)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			return Response{}, retryable{fmt.Errorf("http request: %w", err)}
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return Response{}, retryable{fmt.Errorf("read response: %w", err)}
		}

		c.logger.Debug().
			Int("status", resp.StatusCode).
			Int("response_size", len(data)).
			Msg("Anthropic API response")

		if resp.StatusCode >= 400 {
			var apiErr struct {
				Error anthropicError `json:"error"`
			}
			msg := truncateString(string(data), 500)
			if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Error() != "" {
				msg = apiErr.Error.Error()
			}
			err := fmt.Errorf("anthropic %d: %s (type: %s)", resp.StatusCode, msg, apiErr.Error.Type)
			c.logger.Error().
				Int("status", resp.StatusCode).
				Str("error_type", apiErr.Error.Type).
				Str("error_msg", msg).
				Msg("Anthropic API error")
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return Response{}, retryable{err}
			}
			return Response{}, err
		}

		var ar anthropicResponse
		if err := json.Unmarshal(data, &ar); err != nil {
			return Response{}, retryable{fmt.Errorf("parse response: %w", err)}
		}
		var buf bytes.Buffer
		for _, part := range ar.Content {
			if part.Type == "text" {
				buf.WriteString(part.Text)
			}
		}
		c.logger.Debug().
			Int("response_length", buf.Len()).
			Msg("Anthropic API success")
		return Response{Text: buf.String()}, nil
	})
}

type anthropicPayload struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e anthropicError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Type
}
