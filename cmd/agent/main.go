package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polzovatel/ux-explorer/internal/action"
	"github.com/polzovatel/ux-explorer/internal/agent"
	"github.com/polzovatel/ux-explorer/internal/browser"
	"github.com/polzovatel/ux-explorer/internal/config"
	"github.com/polzovatel/ux-explorer/internal/llm"
	"github.com/polzovatel/ux-explorer/internal/pagefetch"
	"github.com/polzovatel/ux-explorer/internal/server"
)

const shutdownGrace = 10 * time.Second

// launcherCloser is the browser launcher owned for the process lifetime.
type launcherCloser interface {
	browser.Launcher
	Close() error
}

var newLauncher = func(ctx context.Context) (launcherCloser, error) {
	l, err := browser.NewLauncher(ctx)
	if err != nil {
		return nil, err
	}
	return l, nil
}

type cliOptions struct {
	addr     string
	static   string
	maxSteps int
	task     string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the exit code so deferred cleanup, the playwright driver in
// particular, happens before the process exits.
func run(args []string) int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}
	opts, err := parseFlags(cfg, args)
	if err != nil {
		return 2
	}
	cfg.Addr = opts.addr
	cfg.StaticDir = opts.static
	cfg.MaxSteps = opts.maxSteps
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmClient, err := llm.NewClientWithLogger(ctx, log.With().Str("comp", "llm").Logger())
	if err != nil {
		log.Error().Err(err).Msg("llm init")
		return 1
	}
	log.Info().Str("model", llmClient.Name()).Msg("reasoning service ready")

	launcher, err := newLauncher(ctx)
	if err != nil {
		log.Error().Err(err).Msg("browser init")
		return 1
	}
	defer func() {
		if err := launcher.Close(); err != nil {
			log.Warn().Err(err).Msg("playwright stop")
		}
	}()

	planner := agent.NewPlanner(llmClient, log.With().Str("comp", "planner").Logger(), cfg.AttachScreenshot)
	critic := agent.NewCritic(llmClient, log.With().Str("comp", "critic").Logger())
	orch := agent.NewOrchestrator(
		agent.Config{MaxSteps: cfg.MaxSteps, MaxAttempts: cfg.MaxAttempts},
		planner,
		critic,
		log.With().Str("comp", "orch").Logger(),
	)
	driver := agent.NewDriver(agent.DriverConfig{
		Scheme:    cfg.Scheme(),
		StartPath: cfg.StartPath,
		Browser: browser.Options{
			ExecutablePath: cfg.ChromiumPath,
			Headless:       cfg.Headless,
			NavTimeout:     cfg.NavTimeout,
			ActionTimeout:  cfg.ActionTimeout,
		},
	}, launcher, orch, log.With().Str("comp", "driver").Logger())
	analyzer := pagefetch.New(llmClient, cfg.NavTimeout, log.With().Str("comp", "pagefetch").Logger())

	srv := server.New(server.Options{
		StaticDir:      cfg.StaticDir,
		CORS:           cfg.CORS,
		RequestTimeout: cfg.RequestTimeout,
		Debug:          cfg.LogLevel <= zerolog.DebugLevel,
	}, driver, analyzer, log.With().Str("comp", "http").Logger())

	if opts.task == "" {
		if err := srv.ListenAndServe(ctx, cfg.Addr, shutdownGrace); err != nil {
			log.Error().Err(err).Msg("server stopped")
			return 1
		}
		return 0
	}

	// One-shot mode: serve the start site in the background and act as the
	// client that carries the history between steps.
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.Addr).Msg("listen")
		return 1
	}
	serveCtx, stopServe := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(serveCtx, ln, shutdownGrace) }()

	critique, err := explore(ctx, driver, opts.task, localHost(cfg.Addr))
	stopServe()
	if serr := <-served; serr != nil {
		log.Warn().Err(serr).Msg("server stopped")
	}
	if err != nil {
		log.Error().Err(err).Msg("exploration failed")
		return 1
	}
	fmt.Println(critique)
	return 0
}

// explore drives steps until the session finishes, resubmitting the full
// history every time like a remote client would.
func explore(ctx context.Context, driver *agent.Driver, task, host string) (string, error) {
	var history []action.Record
	step := 0
	for {
		res, err := driver.Run(ctx, agent.StepRequest{
			Task:            task,
			CurrentStep:     step,
			PreviousActions: history,
		}, host)
		if err != nil {
			return "", err
		}
		log.Info().Int("step", res.Step).Str("action", action.Describe(res.Action)).Msg("step done")
		if res.Critique != nil {
			return *res.Critique, nil
		}
		history = append(history, res.Action.Record())
		step = res.Step
		if err := ctx.Err(); err != nil {
			return "", errors.Join(errors.New("interrupted"), err)
		}
	}
}

func localHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func parseFlags(cfg config.Config, args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	addr := fs.String("addr", cfg.Addr, "Listen address")
	static := fs.String("static", cfg.StaticDir, "Directory served at / (hosts the start site)")
	maxSteps := fs.Int("max-steps", cfg.MaxSteps, "Max steps per exploration")
	task := fs.String("task", "", "Explore once with this task against the local start site, print the critique and exit")
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	return cliOptions{
		addr:     strings.TrimSpace(*addr),
		static:   strings.TrimSpace(*static),
		maxSteps: *maxSteps,
		task:     strings.TrimSpace(*task),
	}, nil
}
