package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	envGeminiAPIKey    = "GEMINI_API_KEY"
	envGeminiModel     = "GEMINI_MODEL"
	defaultGeminiModel = "gemini-2.5-flash"
)

type geminiClient struct {
	client *genai.Client
	model  string
	logger zerolog.Logger
}

func NewGeminiFromEnv(ctx context.Context) (Client, error) {
	key := envOr(envGeminiAPIKey, "")
	if key == "" {
		return nil, fmt.Errorf("missing %s", envGeminiAPIKey)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &geminiClient{
		client: client,
		model:  envOr(envGeminiModel, defaultGeminiModel),
		logger: zerolog.Nop(),
	}, nil
}

func NewGeminiWithLogger(ctx context.Context, logger zerolog.Logger) (Client, error) {
	client, err := NewGeminiFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	if gc, ok := client.(*geminiClient); ok {
		gc.logger = logger
	}
	return client, nil
}

func (c *geminiClient) Name() string { return c.model }

func (c *geminiClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := validate(&req, c.logger); err != nil {
		return Response{}, err
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(max(req.MaxTokens, defaultMaxTokens)),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	return withRetry(ctx, c.logger, "Gemini", func() (Response, error) {
		c.logger.Debug().
			Str("model", c.model).
			Int("images", len(req.Images)).
			Int("prompt_size", len(req.Prompt)).
			Msg("Gemini API request")

		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
		if err != nil {
			if status, ok := geminiStatus(err); ok {
				c.logger.Error().Int("status", status).Err(err).Msg("Gemini API error")
				if status == http.StatusTooManyRequests || status >= 500 {
					return Response{}, retryable{fmt.Errorf("gemini %d: %w", status, err)}
				}
				return Response{}, fmt.Errorf("gemini %d: %w", status, err)
			}
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			return Response{}, retryable{fmt.Errorf("gemini request: %w", err)}
		}
		text := resp.Text()
		if strings.TrimSpace(text) == "" {
			return Response{}, errors.New("empty response content")
		}
		c.logger.Debug().
			Int("response_length", len(text)).
			Str("response_preview", truncateString(text, 200)).
			Msg("Gemini API success")
		return Response{Text: text}, nil
	})
}

func geminiStatus(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
