package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ux-explorer/internal/action"
	"github.com/polzovatel/ux-explorer/internal/llm"
	"github.com/polzovatel/ux-explorer/internal/snapshot"
	"github.com/polzovatel/ux-explorer/internal/tools"
)

const (
	// markupLimit is how much page markup goes into a prompt, in characters.
	markupLimit = 5000
	// inventoryLimit bounds the rendered element list, in bytes.
	inventoryLimit = 60000
)

const systemPrompt = `You are an AI agent evaluating the user experience of a website by using it.
RULES:
1. Propose exactly ONE next action toward the goal.
2. Use selectors from the interactive elements list whenever possible.
3. Only navigate to URLs on the same site.
4. When the goal is complete, or cannot progress any further, propose "finish".
5. Respond with a single JSON object, optionally inside a json code block, and nothing else.`

// PlanInput is everything the planner sees for one attempt.
type PlanInput struct {
	Task  string
	State snapshot.PageState
	// Attempt counts from zero; a positive value adds a failure note.
	Attempt int
	LastErr error
}

// Planner asks the reasoning service for the next action.
type Planner struct {
	llm              llm.Client
	logger           zerolog.Logger
	attachScreenshot bool
}

func NewPlanner(client llm.Client, logger zerolog.Logger, attachScreenshot bool) *Planner {
	return &Planner{llm: client, logger: logger, attachScreenshot: attachScreenshot}
}

func (p *Planner) Next(ctx context.Context, in PlanInput) (action.Action, error) {
	prompt, err := buildPlanPrompt(in)
	if err != nil {
		return nil, err
	}
	req := llm.Request{
		System:      systemPrompt,
		Prompt:      prompt,
		Temperature: 0.0,
		MaxTokens:   400,
	}
	if p.attachScreenshot && len(in.State.Screenshot) > 0 {
		req.Images = []llm.Image{{MIMEType: "image/png", Data: in.State.Screenshot}}
	}
	logger := ctxLogger(ctx, p.logger)
	resp, err := p.llm.Generate(ctx, req)
	if err != nil {
		return nil, &ReasoningServiceError{Op: "plan", Err: err}
	}
	act, err := ParsePlan(resp.Text)
	if err != nil {
		logger.Warn().Err(err).Str("raw", truncate(resp.Text, 300)).Msg("unparsable plan")
		return nil, err
	}
	logger.Info().Str("action", action.Describe(act)).Int("attempt", in.Attempt+1).Msg("planned")
	return act, nil
}

func buildPlanPrompt(in PlanInput) (string, error) {
	elems, err := renderInventory(in.State.InteractiveElements, inventoryLimit)
	if err != nil {
		return "", err
	}
	toolsJSON, err := json.Marshal(tools.Describe())
	if err != nil {
		return "", fmt.Errorf("render tools: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your goal: %s\n\n", in.Task)
	b.WriteString("Current page state:\n")
	fmt.Fprintf(&b, "- URL: %s\n", in.State.URL)
	fmt.Fprintf(&b, "- HTML (first %d characters): %s\n", markupLimit, truncateRunes(in.State.HTML, markupLimit))
	fmt.Fprintf(&b, "- Interactive elements: %s\n\n", elems)
	if in.Attempt > 0 {
		b.WriteString("The previous action failed. Consider a different action.\n")
		if in.LastErr != nil {
			fmt.Fprintf(&b, "Failure: %s\n", in.LastErr)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Available actions: %s\n\n", toolsJSON)
	b.WriteString(`What is the next action? If the task is complete, propose the "finish" action.
Respond with a JSON object with these properties:
- "action": one of "click", "fill", "navigate", "finish"
- "selector": CSS selector of the target element (click, fill)
- "value": text to enter (fill) or absolute URL to open (navigate)
- "reason": a short explanation of why you take this action
`)
	return b.String(), nil
}

// renderInventory marshals elements as an indented JSON array, dropping the
// tail once the output would exceed limit bytes.
func renderInventory(elems []snapshot.Element, limit int) (string, error) {
	if len(elems) == 0 {
		return "[]", nil
	}
	var b strings.Builder
	b.WriteString("[")
	kept := 0
	for _, e := range elems {
		raw, err := json.MarshalIndent(e, "  ", "  ")
		if err != nil {
			return "", fmt.Errorf("render elements: %w", err)
		}
		if b.Len()+len(raw)+4 > limit {
			break
		}
		if kept > 0 {
			b.WriteString(",")
		}
		b.WriteString("\n  ")
		b.Write(raw)
		kept++
	}
	b.WriteString("\n]")
	if omitted := len(elems) - kept; omitted > 0 {
		fmt.Fprintf(&b, " (%d more elements omitted)", omitted)
	}
	return b.String(), nil
}

var (
	jsonFence = regexp.MustCompile("(?s)```(?:json|JSON)[ \t]*\r?\n?(.*?)```")
	anyFence  = regexp.MustCompile("(?s)```[\\w+-]*[ \t]*\r?\n?(.*?)```")
)

// ParsePlan extracts an action from the response. Blocks tagged json are
// tried first, then any other fenced block, then the whole text; the first
// candidate that decodes wins.
func ParsePlan(text string) (action.Action, error) {
	var candidates []string
	for _, re := range []*regexp.Regexp{jsonFence, anyFence} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			candidates = append(candidates, m[1])
		}
	}
	candidates = append(candidates, text)

	var firstErr error
	for _, c := range candidates {
		act, err := decodePlan(c)
		if err == nil {
			return act, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, &MalformedPlanError{Raw: text, Err: firstErr}
}

func decodePlan(body string) (action.Action, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errors.New("empty response")
	}
	var rec action.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("json parse: %w", err)
	}
	return action.Decode(rec)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func truncate(s string, n int) string {
	if t := truncateRunes(s, n); len(t) < len(s) {
		return t + "..."
	}
	return s
}
