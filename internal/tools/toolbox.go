package tools

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/polzovatel/ux-explorer/internal/action"
	"github.com/polzovatel/ux-explorer/internal/browser"
)

// Tool describes an action kind to the reasoning service.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Describe lists the four action kinds with their fields.
func Describe() []Tool {
	return []Tool{
		newTool(action.KindClick, "Click an element by CSS selector (use a selector from the interactive elements)", schema{"selector": str("CSS selector"), "reason": str("why")}, []string{"selector"}),
		newTool(action.KindFill, "Type a value into an input, select or textarea", schema{"selector": str("CSS selector"), "value": str("text to enter"), "reason": str("why")}, []string{"selector", "value"}),
		newTool(action.KindNavigate, "Open a URL on the same site", schema{"value": str("absolute URL"), "reason": str("why")}, []string{"value"}),
		newTool(action.KindFinish, "Stop when the task is complete or cannot progress", schema{"reason": str("why")}, nil),
	}
}

// NavigationPolicy vets a navigate target before it is loaded.
type NavigationPolicy func(target string) error

// AllowAll accepts every target.
func AllowAll(string) error { return nil }

// SameHost accepts targets whose hostname equals the serving host's,
// ignoring ports.
func SameHost(servingHost string) NavigationPolicy {
	want := hostname(servingHost)
	return func(target string) error {
		if want == "" {
			return &ExternalNavigationBlocked{URL: target, Reason: "serving host unknown"}
		}
		u, err := url.Parse(strings.TrimSpace(target))
		if err != nil || u.Host == "" {
			return &ExternalNavigationBlocked{URL: target, Reason: "not an absolute URL"}
		}
		if !strings.EqualFold(u.Hostname(), want) {
			return &ExternalNavigationBlocked{URL: target, Reason: fmt.Sprintf("host %s differs from %s", u.Hostname(), want)}
		}
		return nil
	}
}

func hostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.Trim(h, "[]")
	}
	return strings.Trim(hostport, "[]")
}

// ExternalNavigationBlocked is a policy refusal, not a browser fault.
type ExternalNavigationBlocked struct {
	URL    string
	Reason string
}

func (e *ExternalNavigationBlocked) Error() string {
	return fmt.Sprintf("navigation to external URL %q blocked: %s", e.URL, e.Reason)
}

// Executor performs actions on one page.
type Executor struct {
	ctrl   browser.Controller
	policy NavigationPolicy
}

func New(ctrl browser.Controller, policy NavigationPolicy) *Executor {
	if policy == nil {
		policy = AllowAll
	}
	return &Executor{ctrl: ctrl, policy: policy}
}

// Execute runs a on the page. Finish performs no browser operation.
func (e *Executor) Execute(ctx context.Context, a action.Action) error {
	switch v := a.(type) {
	case action.Click:
		return e.ctrl.Click(ctx, sanitizeSelector(v.Selector))
	case action.Fill:
		return e.ctrl.Fill(ctx, sanitizeSelector(v.Selector), v.Value)
	case action.Navigate:
		if err := e.policy(v.URL); err != nil {
			return err
		}
		return e.ctrl.Navigate(ctx, v.URL)
	case action.Finish:
		return nil
	default:
		return fmt.Errorf("unknown action %T", a)
	}
}

type schema map[string]any

func newTool(kind action.Kind, desc string, props schema, required []string) Tool {
	return Tool{
		Name:        string(kind),
		Description: desc,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

// sanitizeSelector folds newlines and whitespace runs the model sometimes
// puts into selectors.
func sanitizeSelector(sel string) string {
	sel = strings.ReplaceAll(sel, "\n", " ")
	sel = strings.ReplaceAll(sel, "\r", " ")
	sel = strings.ReplaceAll(sel, "\t", " ")
	return strings.Join(strings.Fields(sel), " ")
}
