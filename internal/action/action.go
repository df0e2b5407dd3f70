// Package action defines the closed set of things the explorer can do on a page.
package action

import (
	"fmt"
	"strings"
)

// Kind names an action on the wire.
type Kind string

const (
	KindClick    Kind = "click"
	KindFill     Kind = "fill"
	KindNavigate Kind = "navigate"
	KindFinish   Kind = "finish"
)

// Action is one of Click, Fill, Navigate or Finish. The unexported method
// keeps the set closed to this package.
type Action interface {
	Kind() Kind
	Record() Record
	sealed()
}

type Click struct {
	Selector string
	Reason   string
}

type Fill struct {
	Selector string
	Value    string
	Reason   string
}

type Navigate struct {
	URL    string
	Reason string
}

type Finish struct {
	Reason string
}

func (Click) Kind() Kind    { return KindClick }
func (Fill) Kind() Kind     { return KindFill }
func (Navigate) Kind() Kind { return KindNavigate }
func (Finish) Kind() Kind   { return KindFinish }

func (Click) sealed()    {}
func (Fill) sealed()     {}
func (Navigate) sealed() {}
func (Finish) sealed()   {}

// Record is the JSON shape used by clients and by the reasoning service.
// Navigate carries its target URL in Value.
type Record struct {
	Action   string  `json:"action"`
	Selector string  `json:"selector,omitempty"`
	Value    *string `json:"value,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	// URL is accepted as an alias for a navigate target.
	URL string `json:"url,omitempty"`
}

func (a Click) Record() Record {
	return Record{Action: string(KindClick), Selector: a.Selector, Reason: a.Reason}
}

func (a Fill) Record() Record {
	v := a.Value
	return Record{Action: string(KindFill), Selector: a.Selector, Value: &v, Reason: a.Reason}
}

func (a Navigate) Record() Record {
	v := a.URL
	return Record{Action: string(KindNavigate), Value: &v, Reason: a.Reason}
}

func (a Finish) Record() Record {
	return Record{Action: string(KindFinish), Reason: a.Reason}
}

// Decode validates a record and turns it into a typed Action.
func Decode(r Record) (Action, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(r.Action)))
	sel := strings.TrimSpace(r.Selector)
	switch kind {
	case KindClick:
		if sel == "" {
			return nil, fmt.Errorf("click requires a selector")
		}
		return Click{Selector: sel, Reason: r.Reason}, nil
	case KindFill:
		if sel == "" {
			return nil, fmt.Errorf("fill requires a selector")
		}
		if r.Value == nil {
			return nil, fmt.Errorf("fill requires a value")
		}
		return Fill{Selector: sel, Value: *r.Value, Reason: r.Reason}, nil
	case KindNavigate:
		target := r.URL
		if r.Value != nil {
			target = *r.Value
		}
		target = strings.TrimSpace(target)
		if target == "" {
			return nil, fmt.Errorf("navigate requires a url in value")
		}
		return Navigate{URL: target, Reason: r.Reason}, nil
	case KindFinish:
		return Finish{Reason: r.Reason}, nil
	case "":
		return nil, fmt.Errorf("action kind missing")
	default:
		return nil, fmt.Errorf("unsupported action %q", r.Action)
	}
}

// History is the ordered record of actions taken so far in a session.
type History []Action

// DecodeHistory decodes client-supplied records. Finish is only accepted as
// the final element.
func DecodeHistory(records []Record) (History, error) {
	out := make(History, 0, len(records))
	for i, r := range records {
		a, err := Decode(r)
		if err != nil {
			return nil, fmt.Errorf("previousActions[%d]: %w", i, err)
		}
		if _, ok := a.(Finish); ok && i != len(records)-1 {
			return nil, fmt.Errorf("previousActions[%d]: finish must be the last action", i)
		}
		out = append(out, a)
	}
	return out, nil
}

// Records renders the history back to its wire form.
func (h History) Records() []Record {
	out := make([]Record, 0, len(h))
	for _, a := range h {
		out = append(out, a.Record())
	}
	return out
}

// Describe is a short human-readable rendering used in logs and errors.
func Describe(a Action) string {
	switch v := a.(type) {
	case Click:
		return fmt.Sprintf("click %s", v.Selector)
	case Fill:
		return fmt.Sprintf("fill %s", v.Selector)
	case Navigate:
		return fmt.Sprintf("navigate %s", v.URL)
	case Finish:
		return "finish"
	default:
		panic(fmt.Sprintf("action: unhandled type %T", a))
	}
}
