package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polzovatel/ux-explorer/internal/browser"
)

// Element describes one interactive node of the page.
type Element struct {
	TagName     string `json:"tagName"`
	Text        string `json:"textContent,omitempty"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	ClassName   string `json:"className,omitempty"`
	Type        string `json:"type,omitempty"`
	Href        string `json:"href,omitempty"`
	Value       string `json:"value,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	AriaLabel   string `json:"ariaLabel,omitempty"`
	Selector    string `json:"selector"`
}

// Classes splits the class attribute into tokens.
func (e Element) Classes() []string {
	return strings.Fields(e.ClassName)
}

// PageState is an immutable snapshot of a page. Screenshot marshals to base64.
type PageState struct {
	URL                 string    `json:"-"`
	HTML                string    `json:"html"`
	Screenshot          []byte    `json:"screenshot"`
	InteractiveElements []Element `json:"interactiveElements"`
}

// DeriveSelector builds a CSS selector from element attributes. Priority:
// id, first class, name, type, aria-label, placeholder, bare tag.
func DeriveSelector(e Element) string {
	tag := strings.ToLower(e.TagName)
	switch {
	case e.ID != "":
		return tag + "#" + e.ID
	case len(e.Classes()) > 0:
		return tag + "." + e.Classes()[0]
	case e.Name != "":
		return tag + attr("name", e.Name)
	case e.Type != "":
		return tag + attr("type", e.Type)
	case e.AriaLabel != "":
		return tag + attr("aria-label", e.AriaLabel)
	case e.Placeholder != "":
		return tag + attr("placeholder", e.Placeholder)
	default:
		return tag
	}
}

func attr(name, value string) string {
	return fmt.Sprintf(`[%s="%s"]`, name, strings.ReplaceAll(value, `"`, `\"`))
}

// CollapseWhitespace trims s and folds internal whitespace runs to one space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// collectScript lists anchors, buttons, non-hidden inputs, selects and
// textareas in document order with their raw attributes.
const collectScript = `() => {
	const nodes = document.querySelectorAll('a, button, input:not([type="hidden"]), select, textarea');
	return Array.from(nodes).map((el) => ({
		tagName: el.tagName.toLowerCase(),
		textContent: el.textContent || "",
		id: el.id || "",
		name: el.getAttribute("name") || "",
		className: el.getAttribute("class") || "",
		type: el.getAttribute("type") || "",
		href: el.getAttribute("href") || "",
		value: typeof el.value === "string" ? el.value : "",
		placeholder: el.getAttribute("placeholder") || "",
		ariaLabel: el.getAttribute("aria-label") || "",
	}));
}`

// Capture takes markup, a screenshot and the interactive inventory of the
// page. Nothing is truncated here.
func Capture(ctx context.Context, ctrl browser.Controller) (PageState, error) {
	html, err := ctrl.Content(ctx)
	if err != nil {
		return PageState{}, fmt.Errorf("capture content: %w", err)
	}
	png, err := ctrl.Screenshot(ctx)
	if err != nil {
		return PageState{}, fmt.Errorf("capture screenshot: %w", err)
	}
	elems, err := collectInteractive(ctx, ctrl)
	if err != nil {
		return PageState{}, fmt.Errorf("capture elements: %w", err)
	}
	return PageState{
		URL:                 ctrl.URL(),
		HTML:                html,
		Screenshot:          png,
		InteractiveElements: elems,
	}, nil
}

func collectInteractive(ctx context.Context, ctrl browser.Controller) ([]Element, error) {
	val, err := ctrl.Evaluate(ctx, collectScript)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var elems []Element
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}
	for i := range elems {
		elems[i] = normalize(elems[i])
	}
	if elems == nil {
		elems = []Element{}
	}
	return elems, nil
}

func normalize(e Element) Element {
	e.TagName = strings.ToLower(strings.TrimSpace(e.TagName))
	e.Text = CollapseWhitespace(e.Text)
	e.Selector = DeriveSelector(e)
	return e
}
