package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/polzovatel/ux-explorer/internal/action"
	"github.com/polzovatel/ux-explorer/internal/agent"
	"github.com/polzovatel/ux-explorer/internal/pagefetch"
	"github.com/polzovatel/ux-explorer/internal/snapshot"
)

// StepResponse is the body of a successful step.
type StepResponse struct {
	Action         action.Record      `json:"action"`
	NewState       snapshot.PageState `json:"newState"`
	CurrentStep    int                `json:"currentStep"`
	AnalysisResult *string            `json:"analysisResult"`
}

type analyzeRequest struct {
	URL string `json:"url"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) ErrorResponse { return ErrorResponse{Error: msg} }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleInteractiveAnalyze(c *gin.Context) {
	var req agent.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request: "+err.Error()))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.steps.Run(ctx, req, c.Request.Host)
	if err != nil {
		status := stepStatus(err)
		logger := zerolog.Ctx(ctx)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Msg("step failed")
		} else {
			logger.Info().Err(err).Msg("step rejected")
		}
		c.JSON(status, errorBody(err.Error()))
		return
	}

	c.JSON(http.StatusOK, StepResponse{
		Action:         res.Action.Record(),
		NewState:       res.State,
		CurrentStep:    res.Step,
		AnalysisResult: res.Critique,
	})
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request: "+err.Error()))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	suggestions, err := s.analyzer.Analyze(ctx, req.URL)
	if err != nil {
		status := analyzeStatus(err)
		zerolog.Ctx(ctx).Warn().Err(err).Int("status", status).Str("url", req.URL).Msg("analyze failed")
		c.JSON(status, errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
	}
	return context.WithCancel(c.Request.Context())
}

// stepStatus: client mistakes are 400, everything else is a server failure.
func stepStatus(err error) int {
	var inv *agent.InputValidationError
	if errors.As(err, &inv) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func analyzeStatus(err error) int {
	var inv *pagefetch.InvalidURLError
	if errors.As(err, &inv) {
		return http.StatusBadRequest
	}
	var up *pagefetch.UpstreamStatusError
	if errors.As(err, &up) && up.StatusCode >= 400 {
		return up.StatusCode
	}
	return http.StatusInternalServerError
}
