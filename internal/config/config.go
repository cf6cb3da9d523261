// Package config loads flowagent configuration from a TOML file, an optional
// .env file and FLOWAGENT_* environment variables, in increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWAGENT_"

// Scheduler backends.
const (
	SchedulerGocron = "gocron"
	SchedulerPoll   = "poll"
)

// Duration is a time.Duration written as "25m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete runtime configuration.
type Config struct {
	DataDir     string `toml:"data_dir"`
	LogFile     string `toml:"log_file"`  // Empty logs to stderr
	LogLevel    string `toml:"log_level"` // debug, info, warn, error
	CatalogFile string `toml:"catalog_file"`

	NATS       NATSConfig       `toml:"nats"`
	Admin      AdminConfig      `toml:"admin"`
	Focus      FocusConfig      `toml:"focus"`
	Exercise   ExerciseConfig   `toml:"exercise"`
	Gate       GateConfig       `toml:"gate"`
	Breaks     BreakConfig      `toml:"breaks"`
	Controller ControllerConfig `toml:"controller"`

	// Path is the file the configuration was read from, if any.
	Path string `toml:"-"`
}

// NATSConfig configures the message bus. An empty URL keeps everything in
// one process.
type NATSConfig struct {
	URL            string   `toml:"url"`
	Prefix         string   `toml:"prefix"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// AdminConfig configures the admin HTTP server. An empty address disables it.
type AdminConfig struct {
	Addr string `toml:"addr"`
}

type FocusConfig struct {
	DefaultInterval Duration `toml:"default_interval"`
	TickInterval    Duration `toml:"tick_interval"`
	PollInterval    Duration `toml:"poll_interval"`
}

type ExerciseConfig struct {
	DefaultInterval Duration `toml:"default_interval"`
}

type GateConfig struct {
	AllowanceWindow Duration `toml:"allowance_window"`
	LogCap          int      `toml:"log_cap"`
	PromptURL       string   `toml:"prompt_url"`
}

type BreakConfig struct {
	Interval Duration `toml:"interval"`
	Cooldown Duration `toml:"cooldown"`
}

type ControllerConfig struct {
	Scheduler            string   `toml:"scheduler"` // gocron or poll
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	HeartbeatMaxAge      Duration `toml:"heartbeat_max_age"`
	ProbeInterval        Duration `toml:"probe_interval"`
	FallbackPollInterval Duration `toml:"fallback_poll_interval"`
}

func dur(d time.Duration) Duration { return Duration{d} }

// Default returns the configuration used when no file exists.
func Default(mode *infra.ExecModeConfig) Config {
	return Config{
		DataDir:  mode.DataDir,
		LogFile:  mode.LogFile,
		LogLevel: "info",
		NATS: NATSConfig{
			Prefix:         "flowagent",
			RequestTimeout: dur(2 * time.Second),
		},
		Admin: AdminConfig{Addr: "127.0.0.1:7465"},
		Focus: FocusConfig{
			DefaultInterval: dur(schema.DefaultFocusInterval),
			TickInterval:    dur(time.Second),
			PollInterval:    dur(time.Second),
		},
		Exercise: ExerciseConfig{DefaultInterval: dur(schema.DefaultExerciseInterval)},
		Gate: GateConfig{
			AllowanceWindow: dur(10 * time.Minute),
			LogCap:          50,
			PromptURL:       "http://127.0.0.1:7465/prompt",
		},
		Breaks: BreakConfig{
			Interval: dur(30 * time.Minute),
			Cooldown: dur(20 * time.Minute),
		},
		Controller: ControllerConfig{
			Scheduler:            SchedulerGocron,
			HeartbeatInterval:    dur(30 * time.Second),
			HeartbeatMaxAge:      dur(90 * time.Second),
			ProbeInterval:        dur(15 * time.Second),
			FallbackPollInterval: dur(time.Second),
		},
	}
}

// Load reads path (or the mode's default config file when empty), applies
// .env and environment overrides and validates the result. A missing file
// yields defaults.
func Load(path string, mode *infra.ExecModeConfig) (*Config, error) {
	cfg := Default(mode)

	if strings.TrimSpace(path) == "" {
		path = mode.ConfigFile()
	}
	resolved, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(resolved), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", resolved, err)
		}
		cfg.Path = resolved
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	for _, p := range []*string{&cfg.DataDir, &cfg.LogFile, &cfg.CatalogFile} {
		if *p == "" {
			continue
		}
		if *p, err = expandPath(*p); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads each existing file. Variables already set win.
func loadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays FLOWAGENT_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"DATA_DIR":     &c.DataDir,
		"LOG_FILE":     &c.LogFile,
		"LOG_LEVEL":    &c.LogLevel,
		"CATALOG_FILE": &c.CatalogFile,
		"NATS_URL":     &c.NATS.URL,
		"NATS_PREFIX":  &c.NATS.Prefix,
		"ADMIN_ADDR":   &c.Admin.Addr,
		"PROMPT_URL":   &c.Gate.PromptURL,
		"SCHEDULER":    &c.Controller.Scheduler,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*Duration{
		"REQUEST_TIMEOUT":   &c.NATS.RequestTimeout,
		"FOCUS_INTERVAL":    &c.Focus.DefaultInterval,
		"EXERCISE_INTERVAL": &c.Exercise.DefaultInterval,
		"ALLOWANCE_WINDOW":  &c.Gate.AllowanceWindow,
		"NUDGE_INTERVAL":    &c.Breaks.Interval,
		"NUDGE_COOLDOWN":    &c.Breaks.Cooldown,
		"PROBE_INTERVAL":    &c.Controller.ProbeInterval,
	}
	for name, dst := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := dst.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
	}

	if v, ok := lookup(EnvPrefix + "LOG_CAP"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sLOG_CAP: %w", EnvPrefix, err)
		}
		c.Gate.LogCap = n
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DataDir == "" {
		add("data_dir is required")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		add("log_level: %w", err)
	}
	if c.NATS.Prefix == "" || strings.ContainsAny(c.NATS.Prefix, " \t*>") {
		add("nats.prefix %q is not a valid subject token", c.NATS.Prefix)
	}
	if c.NATS.RequestTimeout.Duration <= 0 {
		add("nats.request_timeout must be positive")
	}
	if c.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Addr); err != nil {
			add("admin.addr: %w", err)
		}
	}

	minInterval := time.Duration(schema.MinIntervalMs) * time.Millisecond
	maxInterval := time.Duration(schema.MaxIntervalMs) * time.Millisecond
	for name, d := range map[string]Duration{
		"focus.default_interval":    c.Focus.DefaultInterval,
		"exercise.default_interval": c.Exercise.DefaultInterval,
	} {
		if d.Duration < minInterval || d.Duration > maxInterval {
			add("%s must be between %s and %s", name, minInterval, maxInterval)
		}
	}
	for name, d := range map[string]Duration{
		"focus.tick_interval":               c.Focus.TickInterval,
		"focus.poll_interval":               c.Focus.PollInterval,
		"gate.allowance_window":             c.Gate.AllowanceWindow,
		"breaks.interval":                   c.Breaks.Interval,
		"controller.heartbeat_interval":     c.Controller.HeartbeatInterval,
		"controller.probe_interval":         c.Controller.ProbeInterval,
		"controller.fallback_poll_interval": c.Controller.FallbackPollInterval,
	} {
		if d.Duration <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.Breaks.Cooldown.Duration < 0 {
		add("breaks.cooldown must not be negative")
	}
	if c.Controller.HeartbeatMaxAge.Duration < c.Controller.HeartbeatInterval.Duration {
		add("controller.heartbeat_max_age must be at least heartbeat_interval")
	}
	if c.Gate.LogCap <= 0 {
		add("gate.log_cap must be positive")
	}
	if u, err := url.Parse(c.Gate.PromptURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("gate.prompt_url %q must be an absolute URL", c.Gate.PromptURL)
	}
	switch c.Controller.Scheduler {
	case SchedulerGocron, SchedulerPoll:
	default:
		add("controller.scheduler must be %q or %q", SchedulerGocron, SchedulerPoll)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		trimmed = filepath.Join(infra.GetRealUserHome(), strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
