// Package config reads the explorer's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Addr      string
	StaticDir string
	StartPath string
	Env       string
	CORS      bool

	MaxSteps       int
	MaxAttempts    int
	RequestTimeout time.Duration

	NavTimeout       time.Duration
	ActionTimeout    time.Duration
	Headless         bool
	ChromiumPath     string
	AttachScreenshot bool

	LogLevel  zerolog.Level
	LogPretty bool
}

// Load reads every setting from the environment, falling back to defaults.
// Malformed values are reported together.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		Addr:         str("AGENT_ADDR", ":3000"),
		StaticDir:    str("AGENT_STATIC_DIR", "public"),
		StartPath:    str("AGENT_START_PATH", "/dummy-ec-site/index.html"),
		Env:          strings.ToLower(str("AGENT_ENV", "development")),
		ChromiumPath: str("PLAYWRIGHT_CHROMIUM_PATH", ""),
	}
	cfg.CORS = boolean("AGENT_CORS", false, &errs)
	cfg.MaxSteps = integer("AGENT_MAX_STEPS", 5, &errs)
	cfg.MaxAttempts = integer("AGENT_MAX_ATTEMPTS", 3, &errs)
	cfg.RequestTimeout = duration("AGENT_REQUEST_TIMEOUT", 3*time.Minute, &errs)
	cfg.NavTimeout = duration("AGENT_NAV_TIMEOUT", 30*time.Second, &errs)
	cfg.ActionTimeout = duration("AGENT_ACTION_TIMEOUT", 10*time.Second, &errs)
	cfg.Headless = boolean("AGENT_HEADLESS", true, &errs)
	cfg.AttachScreenshot = boolean("AGENT_ATTACH_SCREENSHOT", false, &errs)
	cfg.LogPretty = boolean("AGENT_LOG_PRETTY", true, &errs)

	lvl, err := zerolog.ParseLevel(strings.ToLower(str("AGENT_LOG_LEVEL", "info")))
	if err != nil {
		errs = append(errs, fmt.Errorf("AGENT_LOG_LEVEL: %w", err))
	}
	cfg.LogLevel = lvl

	return cfg, errors.Join(errs...)
}

// Production reports whether the start page is served over https.
func (c Config) Production() bool { return c.Env == "production" }

// Scheme of the canonical start URL.
func (c Config) Scheme() string {
	if c.Production() {
		return "https"
	}
	return "http"
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.StartPath == "" {
		errs = append(errs, errors.New("start path is empty"))
	}
	if c.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("max steps must be at least 1, got %d", c.MaxSteps))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts))
	}
	for name, d := range map[string]time.Duration{
		"request timeout": c.RequestTimeout,
		"nav timeout":     c.NavTimeout,
		"action timeout":  c.ActionTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

func str(key, def string) string {
	v := strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
	if v == "" {
		return def
	}
	return v
}

func boolean(key string, def bool, errs *[]error) bool {
	v := str(key, "")
	if v == "" {
		return def
	}
	b, err := ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func integer(key string, def int, errs *[]error) int {
	v := str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func duration(key string, def time.Duration, errs *[]error) time.Duration {
	v := str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// ParseBool accepts the usual spellings: 1/0, true/false, yes/no, on/off.
func ParseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}
