// Package browsertest provides an in-memory browser for tests: a small site of
// documents with clickable links, buttons and fillable inputs.
package browsertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polzovatel/ux-explorer/internal/browser"
)

// PNG is the screenshot payload every fake page returns.
var PNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Doc is one page of the fake site.
type Doc struct {
	HTML string
	// Elements is what the capture script would return for this page.
	Elements []map[string]any
	// Links maps a selector to the absolute URL clicking it loads.
	Links map[string]string
	// Buttons are clickable selectors that do not navigate.
	Buttons []string
	// Inputs are fillable selectors.
	Inputs []string
}

// Site is shared by every page launched from one Launcher.
type Site struct {
	mu    sync.Mutex
	docs  map[string]*Doc
	fails map[string]error
}

func NewSite() *Site {
	return &Site{docs: map[string]*Doc{}, fails: map[string]error{}}
}

// Add registers a document at an absolute URL.
func (s *Site) Add(url string, d *Doc) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[url] = d
	return s
}

// FailOn makes every click or fill on selector return err.
func (s *Site) FailOn(selector string, err error) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[selector] = err
	return s
}

func (s *Site) doc(url string) (*Doc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[url]
	return d, ok
}

func (s *Site) fail(selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fails[selector]
}

// Launcher implements browser.Launcher over a Site.
type Launcher struct {
	Site      *Site
	LaunchErr error

	mu        sync.Mutex
	instances []*Instance
}

func (l *Launcher) Launch(ctx context.Context, _ browser.Options) (browser.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.LaunchErr != nil {
		return nil, &browser.LaunchError{Err: l.LaunchErr}
	}
	inst := &Instance{site: l.Site}
	l.mu.Lock()
	l.instances = append(l.instances, inst)
	l.mu.Unlock()
	return inst, nil
}

// Instances returns every instance launched so far.
func (l *Launcher) Instances() []*Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Instance(nil), l.instances...)
}

// Instance implements browser.Instance.
type Instance struct {
	site *Site

	mu     sync.Mutex
	closes int
	pages  []*Page
}

func (i *Instance) NewPage(ctx context.Context) (browser.Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := NewPage(i.site)
	i.mu.Lock()
	i.pages = append(i.pages, p)
	i.mu.Unlock()
	return p, nil
}

func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closes++
	return nil
}

// Closed reports whether Close was called at least once.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closes > 0
}

// Pages returns the pages opened on this instance.
func (i *Instance) Pages() []*Page {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*Page(nil), i.pages...)
}

// Page implements browser.Controller.
type Page struct {
	site *Site

	mu     sync.Mutex
	url    string
	filled map[string]string
	ops    []string
}

func NewPage(site *Site) *Page {
	return &Page{site: site, url: "about:blank", filled: map[string]string{}}
}

// Ops lists the state-changing operations performed, in order.
func (p *Page) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := p.site.doc(url); !ok {
		return &browser.NavigationError{URL: url, Err: fmt.Errorf("net::ERR_NAME_NOT_RESOLVED")}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.load(url)
	p.ops = append(p.ops, "navigate "+url)
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.site.fail(selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.site.doc(p.url)
	if !ok {
		return &browser.ElementNotFoundError{Selector: selector}
	}
	if target, ok := d.Links[selector]; ok {
		if _, exists := p.site.doc(target); !exists {
			return &browser.NavigationError{URL: target, Err: fmt.Errorf("net::ERR_NAME_NOT_RESOLVED")}
		}
		p.load(target)
		p.ops = append(p.ops, "click "+selector)
		return nil
	}
	for _, b := range d.Buttons {
		if b == selector {
			p.ops = append(p.ops, "click "+selector)
			return nil
		}
	}
	return &browser.ElementNotFoundError{Selector: selector}
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.site.fail(selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.site.doc(p.url)
	if !ok {
		return &browser.ElementNotFoundError{Selector: selector}
	}
	for _, in := range d.Inputs {
		if in == selector {
			p.filled[selector] = value
			p.ops = append(p.ops, "fill "+selector)
			return nil
		}
	}
	return &browser.ElementNotFoundError{Selector: selector}
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]byte(nil), PNG...), nil
}

// Content returns the document markup followed by a comment per filled input,
// so two pages with the same history produce identical markup.
func (p *Page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.site.doc(p.url)
	if !ok {
		return "<html><head></head><body></body></html>", nil
	}
	keys := make([]string, 0, len(p.filled))
	for k := range p.filled {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(d.HTML)
	for _, k := range keys {
		fmt.Fprintf(&b, "<!-- %s=%s -->", k, p.filled[k])
	}
	return b.String(), nil
}

// Evaluate ignores the script and returns the current document's Elements,
// with the live value of filled inputs, as a JSON-decoded array.
func (p *Page) Evaluate(ctx context.Context, _ string, _ ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.site.doc(p.url)
	if !ok {
		return []any{}, nil
	}
	out := make([]any, 0, len(d.Elements))
	for _, el := range d.Elements {
		cp := make(map[string]any, len(el))
		for k, v := range el {
			cp[k] = v
		}
		if sel, _ := el["selectorHint"].(string); sel != "" {
			if v, ok := p.filled[sel]; ok {
				cp["value"] = v
			}
		}
		delete(cp, "selectorHint")
		out = append(out, cp)
	}
	return out, nil
}

func (p *Page) load(url string) {
	p.url = url
	p.filled = map[string]string{}
}

var (
	_ browser.Launcher   = (*Launcher)(nil)
	_ browser.Instance   = (*Instance)(nil)
	_ browser.Controller = (*Page)(nil)
)
