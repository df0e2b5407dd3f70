package agent

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ux-explorer/internal/action"
	"github.com/polzovatel/ux-explorer/internal/browser"
	"github.com/polzovatel/ux-explorer/internal/tools"
)

// Replay re-executes history on a page freshly loaded at the start URL.
// There are no retries; the first failure aborts with a ReplayError.
//
// Recorded navigations are not checked against the serving host, unlike
// freshly planned ones. A history that was accepted earlier keeps replaying
// even if it leaves the site.
func Replay(ctx context.Context, page browser.Controller, history action.History, logger zerolog.Logger) error {
	if len(history) == 0 {
		return nil
	}
	logger.Info().Int("actions", len(history)).Msg("re-executing previous actions")
	exec := tools.New(page, tools.AllowAll)
	for i, act := range history {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := exec.Execute(ctx, act); err != nil {
			logger.Error().Err(err).Int("index", i).Str("action", action.Describe(act)).Msg("replay failed")
			return &ReplayError{Index: i, Action: act, Err: err}
		}
		logger.Debug().Int("index", i).Str("action", action.Describe(act)).Msg("replayed")
	}
	return nil
}
