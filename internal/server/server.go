// Package server exposes the explorer over HTTP and serves the start site.
package server

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/polzovatel/ux-explorer/internal/agent"
)

// StepRunner runs one exploration step.
type StepRunner interface {
	Run(ctx context.Context, req agent.StepRequest, servingHost string) (agent.StepResult, error)
}

// PageAnalyzer critiques a page from its static markup.
type PageAnalyzer interface {
	Analyze(ctx context.Context, url string) (string, error)
}

type Options struct {
	StaticDir      string
	CORS           bool
	RequestTimeout time.Duration
	Debug          bool
}

type Server struct {
	opts     Options
	steps    StepRunner
	analyzer PageAnalyzer
	logger   zerolog.Logger
	engine   *gin.Engine
}

func New(opts Options, steps StepRunner, analyzer PageAnalyzer, logger zerolog.Logger) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(requestID(logger), accessLog(), recovery())

	if opts.CORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", requestIDHeader}
		corsConfig.ExposeHeaders = []string{requestIDHeader}
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		opts:     opts,
		steps:    steps,
		analyzer: analyzer,
		logger:   logger,
		engine:   engine,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api")
	api.Use(jsonOnly())
	api.POST("/interactive-analyze", s.handleInteractiveAnalyze)
	api.POST("/analyze", s.handleAnalyze)

	if s.opts.StaticDir != "" {
		if _, err := os.Stat(s.opts.StaticDir); err != nil {
			s.logger.Warn().Err(err).Str("dir", s.opts.StaticDir).Msg("static directory unavailable, start site will not resolve")
		}
		s.engine.NoRoute(staticFiles(http.Dir(s.opts.StaticDir)))
	}
}

// staticFiles serves files from root. Unlike http.FileServer it answers
// /index.html paths directly instead of redirecting, so the start URL stays
// exactly as configured.
func staticFiles(root http.FileSystem) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.JSON(http.StatusNotFound, errorBody("not found"))
			return
		}
		name := path.Clean("/" + c.Request.URL.Path)
		f, info, err := openFile(root, name)
		if err == nil && info.IsDir() {
			_ = f.Close()
			f, info, err = openFile(root, path.Join(name, "index.html"))
			if err == nil && info.IsDir() {
				_ = f.Close()
				err = os.ErrNotExist
			}
		}
		if err != nil {
			c.JSON(http.StatusNotFound, errorBody("not found"))
			return
		}
		defer func() { _ = f.Close() }()
		http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
	}
}

func openFile(root http.FileSystem, name string) (http.File, fs.FileInfo, error) {
	f, err := root.Open(name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, grace)
}

// Serve accepts on ln until ctx is cancelled, then drains in-flight
// requests for up to grace.
func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
