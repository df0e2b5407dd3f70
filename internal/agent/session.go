package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ux-explorer/internal/action"
	"github.com/polzovatel/ux-explorer/internal/browser"
)

// StepRequest is the client payload for one step.
type StepRequest struct {
	Task            string          `json:"task"`
	CurrentStep     int             `json:"currentStep"`
	PreviousActions []action.Record `json:"previousActions"`
}

// NewSession validates a request and reconstructs the session it describes.
func NewSession(req StepRequest) (Session, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return Session{}, &InputValidationError{Msg: "Invalid task provided."}
	}
	if req.CurrentStep < 0 {
		return Session{}, &InputValidationError{Msg: "currentStep must not be negative"}
	}
	if req.CurrentStep != len(req.PreviousActions) {
		return Session{}, &InputValidationError{Msg: fmt.Sprintf(
			"currentStep %d does not match %d previous actions", req.CurrentStep, len(req.PreviousActions))}
	}
	history, err := action.DecodeHistory(req.PreviousActions)
	if err != nil {
		return Session{}, &InputValidationError{Msg: err.Error()}
	}
	sess := Session{Task: task, Step: req.CurrentStep, History: history}
	if sess.Terminal() {
		return Session{}, &InputValidationError{Msg: "session already finished"}
	}
	return sess, nil
}

// DriverConfig locates the canonical start page and configures the browser.
type DriverConfig struct {
	Scheme    string
	StartPath string
	Browser   browser.Options
}

// StartURL joins the serving host with the start path.
func (c DriverConfig) StartURL(host string) string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	path := c.StartPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + host + path
}

// Driver handles one step request end to end. It owns the browser for the
// duration of the request and always closes it.
type Driver struct {
	cfg      DriverConfig
	launcher browser.Launcher
	orch     *Orchestrator
	logger   zerolog.Logger
}

func NewDriver(cfg DriverConfig, launcher browser.Launcher, orch *Orchestrator, logger zerolog.Logger) *Driver {
	return &Driver{cfg: cfg, launcher: launcher, orch: orch, logger: logger}
}

// Run validates req, launches a browser, loads the start page and runs one step.
func (d *Driver) Run(ctx context.Context, req StepRequest, servingHost string) (StepResult, error) {
	sess, err := NewSession(req)
	if err != nil {
		return StepResult{}, err
	}
	startURL := d.cfg.StartURL(servingHost)
	logger := ctxLogger(ctx, d.logger)
	logger.Info().
		Str("url", startURL).
		Str("task", sess.Task).
		Int("current_step", sess.Step).
		Int("previous_actions", len(sess.History)).
		Msg("step request")

	inst, err := d.launcher.Launch(ctx, d.cfg.Browser)
	if err != nil {
		return StepResult{}, err
	}
	logger.Debug().Msg("browser launched")
	defer func() {
		if cerr := inst.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("browser close failed")
			return
		}
		logger.Debug().Msg("browser closed")
	}()

	page, err := inst.NewPage(ctx)
	if err != nil {
		return StepResult{}, err
	}
	if err := page.Navigate(ctx, startURL); err != nil {
		return StepResult{}, err
	}
	return d.orch.Step(ctx, sess, page, servingHost)
}

// ctxLogger prefers the request-scoped logger carried by ctx.
func ctxLogger(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return fallback
}
