package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ux-explorer/internal/action"
	"github.com/polzovatel/ux-explorer/internal/llm"
	"github.com/polzovatel/ux-explorer/internal/snapshot"
)

const critiqueSystemPrompt = `You are an AI agent evaluating the user experience of a website.
Write concrete, actionable feedback in Markdown.`

// Critic writes the usability critique of a finished run.
type Critic struct {
	llm    llm.Client
	logger zerolog.Logger
}

func NewCritic(client llm.Client, logger zerolog.Logger) *Critic {
	return &Critic{llm: client, logger: logger}
}

// Critique returns the raw Markdown text of the reasoning service.
func (c *Critic) Critique(ctx context.Context, task string, history action.History, final snapshot.PageState) (string, error) {
	prompt, err := buildCritiquePrompt(task, history, final)
	if err != nil {
		return "", err
	}
	logger := ctxLogger(ctx, c.logger)
	logger.Info().Int("history", len(history)).Msg("performing UX analysis")
	resp, err := c.llm.Generate(ctx, llm.Request{
		System:      critiqueSystemPrompt,
		Prompt:      prompt,
		Temperature: 0.4,
		MaxTokens:   4096,
	})
	if err != nil {
		return "", &ReasoningServiceError{Op: "critique", Err: err}
	}
	logger.Info().Int("length", len(resp.Text)).Msg("UX analysis completed")
	return resp.Text, nil
}

func buildCritiquePrompt(task string, history action.History, final snapshot.PageState) (string, error) {
	hist, err := json.MarshalIndent(history.Records(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("render history: %w", err)
	}
	elems, err := json.MarshalIndent(final.InteractiveElements, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render elements: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your goal was: %s\n", task)
	fmt.Fprintf(&b, "History of executed actions:\n%s\n", hist)
	b.WriteString("Final page state:\n")
	fmt.Fprintf(&b, "- URL: %s\n", final.URL)
	fmt.Fprintf(&b, "- HTML (first %d characters): %s\n", markupLimit, truncateRunes(final.HTML, markupLimit))
	fmt.Fprintf(&b, "- Interactive elements: %s\n\n", elems)
	b.WriteString(`Analyze in detail how the user experience of carrying out this task could be improved, covering:
- Usability (ease of use)
- Accessibility
- Visual design
- Efficiency (time and steps to complete the task)
- Satisfaction (how the user feels on completing the task)

Refer to specific UI elements and steps of the flow, and write the improvements as a Markdown bullet list.
`)
	return b.String(), nil
}
