package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const (
	envOpenAIAPIKey    = "OPENAI_API_KEY"
	envOpenAIModel     = "OPENAI_MODEL"
	envOpenAIBaseURL   = "OPENAI_BASE_URL"
	defaultOpenAIModel = "gpt-4o-mini"
)

type openAIClient struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

func NewOpenAIFromEnv() (Client, error) {
	key := envOr(envOpenAIAPIKey, "")
	if key == "" {
		return nil, fmt.Errorf("missing %s", envOpenAIAPIKey)
	}
	cfg := openai.DefaultConfig(key)
	if base := envOr(envOpenAIBaseURL, ""); base != "" {
		cfg.BaseURL = base
	}
	return &openAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  envOr(envOpenAIModel, defaultOpenAIModel),
		logger: zerolog.Nop(),
	}, nil
}

func NewOpenAIWithLogger(logger zerolog.Logger) (Client, error) {
	client, err := NewOpenAIFromEnv()
	if err != nil {
		return nil, err
	}
	if oc, ok := client.(*openAIClient); ok {
		oc.logger = logger
	}
	return client, nil
}

func (c *openAIClient) Name() string { return c.model }

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := validate(&req, c.logger); err != nil {
		return Response{}, err
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(req.Images) == 0 {
		user.Content = req.Prompt
	} else {
		user.MultiContent = []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: req.Prompt}}
		for _, img := range req.Images {
			user.MultiContent = append(user.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}
	}
	messages = append(messages, user)

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   max(req.MaxTokens, defaultMaxTokens),
	}

	return withRetry(ctx, c.logger, "OpenAI", func() (Response, error) {
		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(messages)).
			Int("images", len(req.Images)).
			Int("max_tokens", chatReq.MaxTokens).
			Msg("OpenAI API request")

		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				c.logger.Error().
					Int("status", apiErr.HTTPStatusCode).
					Str("error_msg", apiErr.Message).
					Msg("OpenAI API error")
				if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
					return Response{}, retryable{fmt.Errorf("openai %d: %w", apiErr.HTTPStatusCode, err)}
				}
				return Response{}, fmt.Errorf("openai %d: %w", apiErr.HTTPStatusCode, err)
			}
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			return Response{}, retryable{fmt.Errorf("openai request: %w", err)}
		}
		if len(resp.Choices) == 0 {
			return Response{}, errors.New("no choices in response")
		}
		choice := resp.Choices[0]
		if choice.Message.Content == "" {
			return Response{}, errors.New("empty response content")
		}
		c.logger.Debug().
			Str("finish_reason", string(choice.FinishReason)).
			Int("prompt_tokens", resp.Usage.PromptTokens).
			Int("completion_tokens", resp.Usage.CompletionTokens).
			Str("response_preview", truncateString(choice.Message.Content, 200)).
			Msg("OpenAI API success")
		return Response{Text: choice.Message.Content}, nil
	})
}
