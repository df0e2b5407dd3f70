// Package llmtest provides deterministic llm.Client stubs.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/polzovatel/ux-explorer/internal/llm"
)

// Func adapts a function to llm.Client.
type Func func(ctx context.Context, req llm.Request) (llm.Response, error)

func (f Func) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	return f(ctx, req)
}

func (Func) Name() string { return "func" }

// Reply is one scripted answer.
type Reply struct {
	Text string
	Err  error
}

// ErrExhausted is returned once every scripted reply was consumed.
var ErrExhausted = errors.New("llmtest: no scripted reply left")

// Scripted answers requests with Replies in order and records every request.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	calls   []llm.Request
}

func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Texts is shorthand for a script of successful replies.
func Texts(texts ...string) *Scripted {
	replies := make([]Reply, 0, len(texts))
	for _, t := range texts {
		replies = append(replies, Reply{Text: t})
	}
	return NewScripted(replies...)
}

func (s *Scripted) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.replies) == 0 {
		return llm.Response{}, ErrExhausted
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if r.Err != nil {
		return llm.Response{}, r.Err
	}
	return llm.Response{Text: r.Text}, nil
}

func (s *Scripted) Name() string { return "scripted" }

// Calls returns the requests received so far.
func (s *Scripted) Calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.calls...)
}
