// Package pagefetch critiques a page from its static markup alone: one fetch,
// one prompt, no browser.
package pagefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"

	"github.com/polzovatel/ux-explorer/internal/llm"
)

const (
	maxTextLength      = 5000
	maxStructureLength = 5000
	maxBodyBytes       = 5 << 20
	truncatedSuffix    = "... (truncated)"
)

const systemPrompt = `You are a professional UX designer.`

// InvalidURLError rejects anything but an absolute http(s) URL.
type InvalidURLError struct {
	URL string
}

func (e *InvalidURLError) Error() string { return "Invalid URL provided." }

// UpstreamStatusError carries a non-2xx status of the fetched page.
type UpstreamStatusError struct {
	StatusCode int
	Status     string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("Failed to fetch URL: %s", e.Status)
}

// Page is the reduced view of a document sent to the reasoning service.
type Page struct {
	URL       string
	Text      string
	Structure string
}

type Analyzer struct {
	httpClient *http.Client
	llm        llm.Client
	logger     zerolog.Logger
}

func New(client llm.Client, timeout time.Duration, logger zerolog.Logger) *Analyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Analyzer{
		httpClient: &http.Client{Timeout: timeout},
		llm:        client,
		logger:     logger,
	}
}

// Analyze fetches rawURL and returns the reasoning service's suggestions.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) (string, error) {
	page, err := a.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	a.logger.Info().
		Str("url", page.URL).
		Int("text", len(page.Text)).
		Int("structure", len(page.Structure)).
		Msg("page reduced")

	resp, err := a.llm.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(page),
		Temperature: 0.4,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", fmt.Errorf("reasoning service: %w", err)
	}
	return resp.Text, nil
}

// Fetch downloads rawURL, decodes it by its declared charset and reduces it.
func (a *Analyzer) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if !validURL(rawURL) {
		return Page{}, &InvalidURLError{URL: rawURL}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "ux-explorer/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("HTTP request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Page{}, &UpstreamStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	decoded, err := charset.NewReader(body, resp.Header.Get("Content-Type"))
	if err != nil {
		a.logger.Warn().Err(err).Msg("unknown charset, reading as utf-8")
		decoded = body
	}
	page, err := Extract(decoded)
	if err != nil {
		return Page{}, fmt.Errorf("parse HTML: %w", err)
	}
	page.URL = resp.Request.URL.String()
	return page, nil
}

func validURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Extract reduces a UTF-8 document to its visible text and a summary of its
// headings, links, buttons, form fields and images.
func Extract(r io.Reader) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Page{}, err
	}
	doc.Find("script, style, noscript, link, meta, head").Remove()

	text := collapse(stripControl(doc.Find("body").Text()))
	return Page{
		Text:      clip(text, maxTextLength),
		Structure: clip(structure(doc), maxStructureLength),
	}, nil
}

func structure(doc *goquery.Document) string {
	var b strings.Builder

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		fmt.Fprintf(&b, "Heading %s: %s\n", strings.ToUpper(goquery.NodeName(s)), collapse(s.Text()))
	})

	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		text := collapse(s.Text())
		if href != "" && text != "" {
			fmt.Fprintf(&b, "Link: %q (URL: %s)\n", text, href)
		}
	})

	doc.Find("button").Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); text != "" {
			fmt.Fprintf(&b, "Button: %q\n", text)
		}
	})

	doc.Find("input, textarea, select").Each(func(_ int, s *goquery.Selection) {
		typ := s.AttrOr("type", goquery.NodeName(s))
		fmt.Fprintf(&b, "Input Field (Type: %s)", typ)
		if name := s.AttrOr("name", ""); name != "" {
			fmt.Fprintf(&b, ", Name: %s", name)
		}
		if label := fieldLabel(doc, s); label != "" {
			fmt.Fprintf(&b, ", Label: %q", label)
		}
		if ph := s.AttrOr("placeholder", ""); ph != "" {
			fmt.Fprintf(&b, ", Placeholder: %q", ph)
		}
		b.WriteString("\n")
	})

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := s.AttrOr("src", "")
		alt := s.AttrOr("alt", "")
		switch {
		case alt != "":
			fmt.Fprintf(&b, "Image (Alt: %q, Src: %s)\n", alt, src)
		case src != "":
			fmt.Fprintf(&b, "Image (Src: %s, No Alt Text)\n", src)
		}
	})

	return b.String()
}

func fieldLabel(doc *goquery.Document, field *goquery.Selection) string {
	if id := field.AttrOr("id", ""); id != "" {
		found := ""
		doc.Find("label").EachWithBreak(func(_ int, l *goquery.Selection) bool {
			if l.AttrOr("for", "") == id {
				found = collapse(l.Text())
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return collapse(field.Prev().Filter("label").Text())
}

func buildPrompt(p Page) string {
	return fmt.Sprintf(`Analyze the text content and structure of the website below and propose three concrete improvements to its user experience as a short bullet list. Focus on navigation, form usability, findability of information and accessibility.

Website text content:
%s

Website structure:
%s`, p.Text, p.Structure)
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + truncatedSuffix
}
