package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ux-explorer/internal/action"
	"github.com/polzovatel/ux-explorer/internal/browser"
	"github.com/polzovatel/ux-explorer/internal/browser/browsertest"
	"github.com/polzovatel/ux-explorer/internal/llm"
	"github.com/polzovatel/ux-explorer/internal/llm/llmtest"
	"github.com/polzovatel/ux-explorer/internal/snapshot"
	"github.com/polzovatel/ux-explorer/internal/tools"
)

const (
	testHost  = "shop.test:3000"
	startURL  = "http://shop.test:3000/dummy-ec-site/index.html"
	cartURL   = "http://shop.test:3000/dummy-ec-site/cart.html"
	otherURL  = "http://other.test/landing.html"
	searchSel = `input[name="q"]`
)

func testSite() *browsertest.Site {
	return browsertest.NewSite().
		Add(startURL, &browsertest.Doc{
			HTML: `<html><body><input name="q"><button id="search">Search</button><a id="cart" href="cart.html">Cart</a></body></html>`,
			Elements: []map[string]any{
				{"tagName": "INPUT", "name": "q", "selectorHint": searchSel},
				{"tagName": "BUTTON", "id": "search", "textContent": "  Search \n"},
				{"tagName": "A", "id": "cart", "href": "cart.html", "textContent": "Cart"},
			},
			Links:   map[string]string{"a#cart": cartURL},
			Buttons: []string{"button#search"},
			Inputs:  []string{searchSel},
		}).
		Add(cartURL, &browsertest.Doc{
			HTML:     `<html><body><h1>Cart</h1><button id="checkout">Checkout</button></body></html>`,
			Elements: []map[string]any{{"tagName": "BUTTON", "id": "checkout", "textContent": "Checkout"}},
			Buttons:  []string{"button#checkout"},
		}).
		Add(otherURL, &browsertest.Doc{
			HTML:     `<html><body><p>elsewhere</p></body></html>`,
			Elements: []map[string]any{},
		})
}

func newTestDriver(site *browsertest.Site, client llm.Client) (*Driver, *browsertest.Launcher) {
	logger := zerolog.Nop()
	launcher := &browsertest.Launcher{Site: site}
	orch := NewOrchestrator(Config{}, NewPlanner(client, logger, false), NewCritic(client, logger), logger)
	d := NewDriver(DriverConfig{Scheme: "http", StartPath: "/dummy-ec-site/index.html"}, launcher, orch, logger)
	return d, launcher
}

func stateWithHTML(html string) snapshot.PageState {
	return snapshot.PageState{URL: startURL, HTML: html, InteractiveElements: []snapshot.Element{}}
}

func fence(body string) string {
	return "Here is the next action:\n```json\n" + body + "\n```"
}

func assertAllClosed(t *testing.T, l *browsertest.Launcher) {
	t.Helper()
	for _, inst := range l.Instances() {
		assert.True(t, inst.Closed(), "browser instance left open")
	}
}

func TestRunFirstStepFillsSearch(t *testing.T) {
	client := llmtest.Texts(fence(`{"action":"fill","selector":"input[name=\"q\"]","value":"shirt","reason":"search for shirts"}`))
	d, launcher := newTestDriver(testSite(), client)

	res, err := d.Run(context.Background(), StepRequest{Task: "Buy a shirt"}, testHost)
	require.NoError(t, err)

	assert.Equal(t, action.Fill{Selector: searchSel, Value: "shirt", Reason: "search for shirts"}, res.Action)
	assert.Equal(t, 1, res.Step)
	assert.Nil(t, res.Critique)
	assert.False(t, res.Forced)
	assert.Contains(t, res.State.HTML, `input[name="q"]=shirt`)
	assert.Equal(t, browsertest.PNG, res.State.Screenshot)
	require.Len(t, res.State.InteractiveElements, 3)
	assert.Equal(t, "shirt", res.State.InteractiveElements[0].Value)
	assert.Equal(t, "button#search", res.State.InteractiveElements[1].Selector)
	assert.Equal(t, "Search", res.State.InteractiveElements[1].Text)

	require.Len(t, launcher.Instances(), 1)
	assertAllClosed(t, launcher)
	pages := launcher.Instances()[0].Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, []string{"navigate " + startURL, "fill " + searchSel}, pages[0].Ops())
}

func TestRunForcesFinishAtLastStep(t *testing.T) {
	client := llmtest.Texts("- Make the search button larger")
	d, launcher := newTestDriver(testSite(), client)

	shirt := "shirt"
	res, err := d.Run(context.Background(), StepRequest{
		Task:        "Buy a shirt",
		CurrentStep: 4,
		PreviousActions: []action.Record{
			{Action: "fill", Selector: searchSel, Value: &shirt},
			{Action: "click", Selector: "button#search"},
			{Action: "click", Selector: "a#cart"},
			{Action: "click", Selector: "button#checkout"},
		},
	}, testHost)
	require.NoError(t, err)

	assert.Equal(t, action.Finish{Reason: maxStepsReason}, res.Action)
	assert.True(t, res.Forced)
	assert.Equal(t, 5, res.Step)
	require.NotNil(t, res.Critique)
	assert.Equal(t, "- Make the search button larger", *res.Critique)
	assert.Equal(t, cartURL, res.State.URL)

	calls := client.Calls()
	require.Len(t, calls, 1, "only the critique is requested")
	assert.Contains(t, calls[0].Prompt, "Buy a shirt")
	assert.Contains(t, calls[0].Prompt, `"selector": "a#cart"`)
	assertAllClosed(t, launcher)
}

func TestRunProposedFinishReturnsCurrentState(t *testing.T) {
	client := llmtest.Texts(`{"action":"finish","reason":"goal reached"}`, "- All good")
	d, launcher := newTestDriver(testSite(), client)

	res, err := d.Run(context.Background(), StepRequest{
		Task:            "Open the cart",
		CurrentStep:     1,
		PreviousActions: []action.Record{{Action: "click", Selector: "a#cart"}},
	}, testHost)
	require.NoError(t, err)

	assert.Equal(t, action.Finish{Reason: "goal reached"}, res.Action)
	assert.False(t, res.Forced)
	assert.Equal(t, 2, res.Step)
	require.NotNil(t, res.Critique)
	assert.Equal(t, "- All good", *res.Critique)
	assert.Equal(t, cartURL, res.State.URL)
	assertAllClosed(t, launcher)
}

func TestRunExhaustsAttemptsOnUnparsablePlans(t *testing.T) {
	client := llmtest.Texts("I think you should click", "```json\n{not json}\n```", `{"action":"scroll"}`)
	d, launcher := newTestDriver(testSite(), client)

	_, err := d.Run(context.Background(), StepRequest{Task: "Buy a shirt"}, testHost)
	require.Error(t, err)

	var exhausted *ActionExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, DefaultMaxAttempts, exhausted.Attempts)
	assert.Contains(t, err.Error(), "action failed after 3 attempts")
	var malformed *MalformedPlanError
	assert.ErrorAs(t, err, &malformed)

	assert.Len(t, client.Calls(), 3)
	assertAllClosed(t, launcher)
}

func TestRunRetriesFailedActionWithFailureNote(t *testing.T) {
	site := testSite().FailOn("button#search", &browser.ActionTimeoutError{Op: "click", Selector: "button#search"})
	client := llmtest.Texts(
		`{"action":"click","selector":"button#search"}`,
		`{"action":"click","selector":"a#cart","reason":"go to cart"}`,
	)
	d, launcher := newTestDriver(site, client)

	res, err := d.Run(context.Background(), StepRequest{Task: "Open the cart"}, testHost)
	require.NoError(t, err)
	assert.Equal(t, action.Click{Selector: "a#cart", Reason: "go to cart"}, res.Action)
	assert.Equal(t, cartURL, res.State.URL)
	assert.Equal(t, 1, res.Step)

	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Prompt, "previous action failed")
	assert.Contains(t, calls[1].Prompt, "previous action failed")
	assert.Contains(t, calls[1].Prompt, `click "button#search" timed out`)
	assertAllClosed(t, launcher)
}

func TestRunExhaustsAttemptsOnFailingActions(t *testing.T) {
	site := testSite().FailOn("button#search", &browser.ActionTimeoutError{Op: "click", Selector: "button#search"})
	client := llmtest.Texts(
		`{"action":"click","selector":"button#search"}`,
		`{"action":"navigate","value":"`+otherURL+`"}`,
		`{"action":"click","selector":"button#missing"}`,
	)
	d, launcher := newTestDriver(site, client)

	_, err := d.Run(context.Background(), StepRequest{Task: "Search"}, testHost)
	var exhausted *ActionExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, DefaultMaxAttempts, exhausted.Attempts)
	var notFound *browser.ElementNotFoundError
	assert.ErrorAs(t, err, &notFound, "last failure is carried")

	calls := client.Calls()
	require.Len(t, calls, 3)
	assert.Contains(t, calls[1].Prompt, `click "button#search" timed out`)
	assert.Contains(t, calls[2].Prompt, "blocked")

	pages := launcher.Instances()[0].Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, []string{"navigate " + startURL}, pages[0].Ops())
	assertAllClosed(t, launcher)
}

func TestRunBlocksExternalPlannedNavigation(t *testing.T) {
	client := llmtest.Texts(
		`{"action":"navigate","value":"`+otherURL+`"}`,
		`{"action":"finish","reason":"nothing else to do"}`,
		"- critique",
	)
	d, launcher := newTestDriver(testSite(), client)

	res, err := d.Run(context.Background(), StepRequest{Task: "Browse"}, testHost)
	require.NoError(t, err)
	assert.Equal(t, action.Finish{Reason: "nothing else to do"}, res.Action)
	assert.Equal(t, startURL, res.State.URL)

	calls := client.Calls()
	require.Len(t, calls, 3)
	assert.Contains(t, calls[1].Prompt, "blocked")

	pages := launcher.Instances()[0].Pages()
	for _, op := range pages[0].Ops() {
		assert.NotContains(t, op, "other.test")
	}
}

func TestRunReplaysRecordedExternalNavigation(t *testing.T) {
	client := llmtest.Texts(`{"action":"finish","reason":"left the site"}`, "- critique")
	d, launcher := newTestDriver(testSite(), client)

	target := otherURL
	res, err := d.Run(context.Background(), StepRequest{
		Task:            "Browse",
		CurrentStep:     1,
		PreviousActions: []action.Record{{Action: "navigate", Value: &target}},
	}, testHost)
	require.NoError(t, err)
	assert.Equal(t, otherURL, res.State.URL)
	assert.Equal(t, 2, res.Step)
	assertAllClosed(t, launcher)
}

func TestRunReplayFailureIsFatal(t *testing.T) {
	client := llmtest.Texts()
	d, launcher := newTestDriver(testSite(), client)

	_, err := d.Run(context.Background(), StepRequest{
		Task:            "Buy a shirt",
		CurrentStep:     1,
		PreviousActions: []action.Record{{Action: "click", Selector: "button#gone"}},
	}, testHost)

	var replay *ReplayError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, 0, replay.Index)
	assert.Contains(t, err.Error(), "failed to re-execute previous action")
	var notFound *browser.ElementNotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Empty(t, client.Calls())
	assertAllClosed(t, launcher)
}

func TestRunReasoningServiceErrorIsFatal(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Reply{Err: errors.New("quota exceeded")})
	d, launcher := newTestDriver(testSite(), client)

	_, err := d.Run(context.Background(), StepRequest{Task: "Buy a shirt"}, testHost)
	var rse *ReasoningServiceError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, "plan", rse.Op)
	assert.Len(t, client.Calls(), 1)
	assertAllClosed(t, launcher)
}

func TestRunCritiqueErrorIsFatal(t *testing.T) {
	client := llmtest.NewScripted(
		llmtest.Reply{Text: `{"action":"finish"}`},
		llmtest.Reply{Err: errors.New("unavailable")},
	)
	d, launcher := newTestDriver(testSite(), client)

	_, err := d.Run(context.Background(), StepRequest{Task: "Buy a shirt"}, testHost)
	var rse *ReasoningServiceError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, "critique", rse.Op)
	assertAllClosed(t, launcher)
}

func TestRunLaunchFailure(t *testing.T) {
	logger := zerolog.Nop()
	client := llmtest.Texts()
	launcher := &browsertest.Launcher{Site: testSite(), LaunchErr: errors.New("no chromium")}
	orch := NewOrchestrator(Config{}, NewPlanner(client, logger, false), NewCritic(client, logger), logger)
	d := NewDriver(DriverConfig{StartPath: "dummy-ec-site/index.html"}, launcher, orch, logger)

	_, err := d.Run(context.Background(), StepRequest{Task: "Buy a shirt"}, testHost)
	var launchErr *browser.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Empty(t, launcher.Instances())
}

func TestRunStartPageUnreachableClosesBrowser(t *testing.T) {
	client := llmtest.Texts()
	d, launcher := newTestDriver(testSite(), client)

	_, err := d.Run(context.Background(), StepRequest{Task: "Buy a shirt"}, "unknown.test")
	var navErr *browser.NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, "http://unknown.test/dummy-ec-site/index.html", navErr.URL)
	assertAllClosed(t, launcher)
}

func TestRunValidationHappensBeforeLaunch(t *testing.T) {
	d, launcher := newTestDriver(testSite(), llmtest.Texts())

	_, err := d.Run(context.Background(), StepRequest{Task: "   "}, testHost)
	var inv *InputValidationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "Invalid task provided.", inv.Error())
	assert.Empty(t, launcher.Instances())
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, _ := newTestDriver(testSite(), llmtest.Texts())

	_, err := d.Run(ctx, StepRequest{Task: "Buy a shirt"}, testHost)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSession(t *testing.T) {
	v := "x"
	tests := []struct {
		name    string
		req     StepRequest
		wantErr string
	}{
		{name: "empty task", req: StepRequest{}, wantErr: "Invalid task provided."},
		{name: "negative step", req: StepRequest{Task: "t", CurrentStep: -1}, wantErr: "negative"},
		{name: "step mismatch", req: StepRequest{Task: "t", CurrentStep: 2}, wantErr: "does not match"},
		{name: "bad record", req: StepRequest{Task: "t", CurrentStep: 1, PreviousActions: []action.Record{{Action: "hover"}}}, wantErr: "previousActions[0]"},
		{name: "finish not last", req: StepRequest{Task: "t", CurrentStep: 2, PreviousActions: []action.Record{{Action: "finish"}, {Action: "click", Selector: "a"}}}, wantErr: "last action"},
		{name: "already finished", req: StepRequest{Task: "t", CurrentStep: 1, PreviousActions: []action.Record{{Action: "finish"}}}, wantErr: "already finished"},
		{name: "valid", req: StepRequest{Task: " t ", CurrentStep: 1, PreviousActions: []action.Record{{Action: "fill", Selector: "input", Value: &v}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := NewSession(tt.req)
			if tt.wantErr != "" {
				var inv *InputValidationError
				require.ErrorAs(t, err, &inv)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "t", sess.Task)
			assert.Equal(t, action.History{action.Fill{Selector: "input", Value: "x"}}, sess.History)
		})
	}
}

func TestStartURL(t *testing.T) {
	assert.Equal(t, "http://localhost:3000/a/b.html", DriverConfig{StartPath: "a/b.html"}.StartURL("localhost:3000"))
	assert.Equal(t, "https://example.com/dummy-ec-site/index.html", DriverConfig{Scheme: "https", StartPath: "/dummy-ec-site/index.html"}.StartURL("example.com"))
}

func TestReplayIsDeterministic(t *testing.T) {
	site := testSite()
	v := "socks"
	history, err := action.DecodeHistory([]action.Record{
		{Action: "fill", Selector: searchSel, Value: &v},
		{Action: "click", Selector: "button#search"},
	})
	require.NoError(t, err)

	capture := func() (string, any) {
		page := browsertest.NewPage(site)
		require.NoError(t, page.Navigate(context.Background(), startURL))
		require.NoError(t, Replay(context.Background(), page, history, zerolog.Nop()))
		html, err := page.Content(context.Background())
		require.NoError(t, err)
		elems, err := page.Evaluate(context.Background(), "")
		require.NoError(t, err)
		return html, elems
	}
	html1, elems1 := capture()
	html2, elems2 := capture()
	assert.Equal(t, html1, html2)
	assert.Equal(t, elems1, elems2)
	assert.Contains(t, html1, "socks")
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name string
		text string
		want action.Action
		bad  bool
	}{
		{name: "fenced json", text: fence(`{"action":"click","selector":"a#cart"}`), want: action.Click{Selector: "a#cart"}},
		{name: "fence without language", text: "```\n{\"action\":\"finish\",\"reason\":\"done\"}\n```", want: action.Finish{Reason: "done"}},
		{
			name: "html fence before json fence",
			text: "The box is\n```html\n<input name=\"q\">\n```\nso:\n```json\n{\"action\":\"fill\",\"selector\":\"input[name=\\\"q\\\"]\",\"value\":\"shirt\"}\n```",
			want: action.Fill{Selector: searchSel, Value: "shirt"},
		},
		{name: "json fence wins over earlier untagged fence", text: "```\nnot it\n```\n```JSON\n{\"action\":\"click\",\"selector\":\"a#cart\"}\n```", want: action.Click{Selector: "a#cart"}},
		{name: "first decodable untagged fence", text: "```text\nclick the cart\n```\n```\n{\"action\":\"finish\"}\n```", want: action.Finish{}},
		{name: "bare object", text: ` {"action":"navigate","value":"http://shop.test/"} `, want: action.Navigate{URL: "http://shop.test/"}},
		{name: "prose", text: "Click the cart link.", bad: true},
		{name: "empty", text: "  ", bad: true},
		{name: "empty fence", text: "```json\n```", bad: true},
		{name: "missing selector", text: `{"action":"click"}`, bad: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePlan(tt.text)
			if tt.bad {
				var malformed *MalformedPlanError
				require.ErrorAs(t, err, &malformed)
				assert.Equal(t, tt.text, malformed.Raw)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildPlanPromptTruncatesMarkup(t *testing.T) {
	long := strings.Repeat("a", markupLimit+1000)
	prompt, err := buildPlanPrompt(PlanInput{Task: "goal", State: stateWithHTML(long)})
	require.NoError(t, err)
	assert.Contains(t, prompt, strings.Repeat("a", markupLimit))
	assert.NotContains(t, prompt, strings.Repeat("a", markupLimit+1))
	assert.NotContains(t, prompt, "previous action failed")
	for _, tool := range tools.Describe() {
		assert.Contains(t, prompt, `"`+tool.Name+`"`)
	}

	retry, err := buildPlanPrompt(PlanInput{Task: "goal", Attempt: 1, LastErr: errors.New("element not found: a#x")})
	require.NoError(t, err)
	assert.Contains(t, retry, "previous action failed")
	assert.Contains(t, retry, "element not found: a#x")
}

func TestBuildPlanPromptBoundsInventory(t *testing.T) {
	st := stateWithHTML("<html></html>")
	for i := range 5000 {
		st.InteractiveElements = append(st.InteractiveElements, snapshot.Element{
			TagName:  "A",
			Text:     strings.Repeat("ü", 40),
			Selector: fmt.Sprintf("a#item-%d", i),
		})
	}
	prompt, err := buildPlanPrompt(PlanInput{Task: "goal", State: st})
	require.NoError(t, err)
	assert.Less(t, len(prompt), inventoryLimit+markupLimit*4+4096)
	assert.Contains(t, prompt, "a#item-0")
	assert.NotContains(t, prompt, "a#item-4999")
	assert.Contains(t, prompt, "more elements omitted")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(prompt), `- "reason": a short explanation of why you take this action`))

	small, err := renderInventory(st.InteractiveElements[:2], inventoryLimit)
	require.NoError(t, err)
	var decoded []snapshot.Element
	require.NoError(t, json.Unmarshal([]byte(small), &decoded))
	assert.Equal(t, st.InteractiveElements[:2], decoded)
}

func TestPlannerAndCriticLogRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := zerolog.New(&buf).With().Str("request_id", "req-42").Logger().WithContext(context.Background())
	client := llmtest.Texts("no plan here", `{"action":"finish"}`, "- critique")

	p := NewPlanner(client, zerolog.Nop(), false)
	_, err := p.Next(ctx, PlanInput{Task: "t", State: stateWithHTML("")})
	require.Error(t, err)
	_, err = p.Next(ctx, PlanInput{Task: "t", State: stateWithHTML("")})
	require.NoError(t, err)
	_, err = NewCritic(client, zerolog.Nop()).Critique(ctx, "t", nil, stateWithHTML(""))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		assert.Contains(t, line, `"request_id":"req-42"`)
	}
	assert.Contains(t, buf.String(), "unparsable plan")
	assert.Contains(t, buf.String(), "UX analysis completed")
}

func TestPlannerAttachesScreenshot(t *testing.T) {
	var got llm.Request
	client := llmtest.Func(func(_ context.Context, req llm.Request) (llm.Response, error) {
		got = req
		return llm.Response{Text: `{"action":"finish"}`}, nil
	})
	st := stateWithHTML("<html></html>")
	st.Screenshot = browsertest.PNG

	_, err := NewPlanner(client, zerolog.Nop(), true).Next(context.Background(), PlanInput{Task: "t", State: st})
	require.NoError(t, err)
	require.Len(t, got.Images, 1)
	assert.Equal(t, "image/png", got.Images[0].MIMEType)

	_, err = NewPlanner(client, zerolog.Nop(), false).Next(context.Background(), PlanInput{Task: "t", State: st})
	require.NoError(t, err)
	assert.Empty(t, got.Images)
}

func TestCritiquePromptListsHistory(t *testing.T) {
	history := action.History{action.Click{Selector: "a#cart", Reason: "open cart"}}
	prompt, err := buildCritiquePrompt("Buy a shirt", history, stateWithHTML("<h1>Cart</h1>"))
	require.NoError(t, err)
	assert.Contains(t, prompt, "Buy a shirt")
	assert.Contains(t, prompt, `"reason": "open cart"`)
	assert.Contains(t, prompt, "<h1>Cart</h1>")
	assert.Contains(t, prompt, "Accessibility")
}
