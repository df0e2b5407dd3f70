package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ux-explorer/internal/action"
	"github.com/polzovatel/ux-explorer/internal/browser"
	"github.com/polzovatel/ux-explorer/internal/snapshot"
	"github.com/polzovatel/ux-explorer/internal/tools"
)

const (
	DefaultMaxSteps    = 5
	DefaultMaxAttempts = 3

	maxStepsReason = "maximum steps reached"
)

type Config struct {
	MaxSteps    int
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Session is the per-request view of an exploration. The client keeps the
// only copy between requests.
type Session struct {
	Task    string
	Step    int
	History action.History
}

// Terminal reports whether the recorded history already ended in finish.
func (s Session) Terminal() bool {
	if len(s.History) == 0 {
		return false
	}
	_, ok := s.History[len(s.History)-1].(action.Finish)
	return ok
}

// StepResult is the outcome of one request. Critique is set only on a
// terminal step.
type StepResult struct {
	Action   action.Action
	State    snapshot.PageState
	Step     int
	Critique *string
	Forced   bool
}

// Orchestrator runs one step: replay, then force-finish or plan, execute and retry.
type Orchestrator struct {
	cfg     Config
	planner *Planner
	critic  *Critic
	logger  zerolog.Logger
}

func NewOrchestrator(cfg Config, planner *Planner, critic *Critic, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		planner: planner,
		critic:  critic,
		logger:  logger,
	}
}

// Step expects page to be freshly loaded at the canonical start URL.
// servingHost is the host that received the request; freshly planned
// navigations must stay on it.
func (o *Orchestrator) Step(ctx context.Context, sess Session, page browser.Controller, servingHost string) (StepResult, error) {
	logger := ctxLogger(ctx, o.logger).With().Int("step", sess.Step).Logger()

	if err := Replay(ctx, page, sess.History, logger); err != nil {
		return StepResult{}, err
	}
	state, err := snapshot.Capture(ctx, page)
	if err != nil {
		return StepResult{}, fmt.Errorf("capture after replay: %w", err)
	}

	next := min(sess.Step+1, o.cfg.MaxSteps)
	if sess.Step >= o.cfg.MaxSteps-1 {
		logger.Info().Int("max_steps", o.cfg.MaxSteps).Msg("maximum steps reached, forcing finish")
		return o.finish(ctx, sess, action.Finish{Reason: maxStepsReason}, state, next, true)
	}

	exec := tools.New(page, tools.SameHost(servingHost))
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return StepResult{}, err
		}
		act, err := o.planner.Next(ctx, PlanInput{
			Task:    sess.Task,
			State:   state,
			Attempt: attempt,
			LastErr: lastErr,
		})
		if err != nil {
			var malformed *MalformedPlanError
			if !errors.As(err, &malformed) {
				return StepResult{}, err
			}
			lastErr = err
			continue
		}

		if fin, ok := act.(action.Finish); ok {
			logger.Info().Str("reason", fin.Reason).Msg("finish proposed")
			return o.finish(ctx, sess, fin, state, next, false)
		}

		if err := exec.Execute(ctx, act); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return StepResult{}, ctxErr
			}
			logger.Warn().
				Err(err).
				Str("action", action.Describe(act)).
				Int("attempt", attempt+1).
				Msg("action failed")
			lastErr = err
			if attempt+1 < o.cfg.MaxAttempts {
				// The DOM may have changed even though the action failed.
				if state, err = snapshot.Capture(ctx, page); err != nil {
					return StepResult{}, fmt.Errorf("capture after failed action: %w", err)
				}
			}
			continue
		}

		logger.Info().Str("action", action.Describe(act)).Msg("action executed")
		state, err = snapshot.Capture(ctx, page)
		if err != nil {
			return StepResult{}, fmt.Errorf("capture after action: %w", err)
		}
		return StepResult{Action: act, State: state, Step: next}, nil
	}

	logger.Error().Err(lastErr).Int("attempts", o.cfg.MaxAttempts).Msg("action attempts exhausted")
	return StepResult{}, &ActionExhaustedError{Attempts: o.cfg.MaxAttempts, Last: lastErr}
}

func (o *Orchestrator) finish(ctx context.Context, sess Session, fin action.Finish, state snapshot.PageState, next int, forced bool) (StepResult, error) {
	text, err := o.critic.Critique(ctx, sess.Task, sess.History, state)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Action:   fin,
		State:    state,
		Step:     next,
		Critique: &text,
		Forced:   forced,
	}, nil
}
