// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Agent names.
const (
	Claude = "claude"
	Gemini = "gemini"
	Cursor = "cursor"
)

// Agents lists the supported agents.
var Agents = []string{Claude, Gemini, Cursor}

// OutputFormats lists the accepted agent output formats.
var OutputFormats = []string{"text", "json", "stream-json", "stream-partial"}

// Config is the server configuration.
type Config struct {
	// Agent selects the agent CLI that runs analyses.
	// Default: gemini
	Agent string `yaml:"agent"`

	// Listen is the HTTP listen address.
	// Default: :8080
	Listen string `yaml:"listen"`

	// Database is the SQLite database path.
	// Default: explain-source.db
	Database string `yaml:"database"`

	// HubCapacity is the number of live messages the broadcast hub
	// retains for slow viewers.
	// Default: 1000
	HubCapacity int `yaml:"hub_capacity"`

	// LogLevel is one of debug, info, warn, error.
	// Default: info
	LogLevel string `yaml:"log_level"`

	// TrustUserHeader accepts the X-User-ID header as the caller's
	// identity. Only enable behind a proxy that sets it.
	TrustUserHeader bool `yaml:"trust_user_header"`

	// AllowedOrigins lists the browser origins allowed to call the API
	// and open the live channel. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Claude AgentConfig `yaml:"claude"`
	Gemini AgentConfig `yaml:"gemini"`
	Cursor AgentConfig `yaml:"cursor"`
}

// AgentConfig configures one agent CLI.
type AgentConfig struct {
	// Path is the executable, looked up in PATH when it has no slash.
	Path string `yaml:"path"`

	// Timeout bounds one attempt.
	// Default: 300s
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of attempts, the first included.
	// Default: 2
	MaxRetries int `yaml:"max_retries"`

	// WorkingDir is used when the analysed ticket's project has no
	// directory. Empty means the server's current directory.
	WorkingDir string `yaml:"working_dir"`

	// OutputFormat is one of text, json, stream-json, stream-partial.
	OutputFormat string `yaml:"output_format"`

	// APIKey is exported to the agent's environment when set.
	APIKey string `yaml:"api_key"`
}

// Default returns the configuration used before any layer applies.
func Default() *Config {
	agent := func(path, format string) AgentConfig {
		return AgentConfig{
			Path:         path,
			Timeout:      300 * time.Second,
			MaxRetries:   2,
			OutputFormat: format,
		}
	}
	return &Config{
		Agent:           Gemini,
		Listen:          ":8080",
		Database:        "explain-source.db",
		HubCapacity:     1000,
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		Claude:          agent("claude", "stream-json"),
		Gemini:          agent("gemini", "text"),
		Cursor:          agent("cursor-agent", "stream-json"),
	}
}

// AgentSettings returns the configuration of the named agent.
func (c *Config) AgentSettings(name string) (AgentConfig, error) {
	switch name {
	case Claude:
		return c.Claude, nil
	case Gemini:
		return c.Gemini, nil
	case Cursor:
		return c.Cursor, nil
	}
	return AgentConfig{}, fmt.Errorf("unknown agent %q (want one of %s)", name, strings.Join(Agents, ", "))
}

func (c *Config) agent(name string) *AgentConfig {
	switch name {
	case Claude:
		return &c.Claude
	case Gemini:
		return &c.Gemini
	case Cursor:
		return &c.Cursor
	}
	return nil
}

// Load builds a Config from every layer. lookupEnv is normally
// os.LookupEnv. path may be empty for no file; flags may be nil.
func Load(path string, lookupEnv func(string) (string, bool), flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnvironment(lookupEnv); err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if flags != nil {
		if err := cfg.applyFlags(flags); err != nil {
			return nil, err
		}
	}
	cfg.expandVariables()
	return cfg, nil
}

// loadFile merges a YAML or JSONC file into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a YAML subset, so one decoder and one set of tags
		// serve both formats.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// applyEnvironment reads the environment variable layer.
func (c *Config) applyEnvironment(lookupEnv func(string) (string, bool)) error {
	var errs []error
	if value, ok := lookupEnv("AGENT_TYPE"); ok && value != "" {
		c.Agent = strings.ToLower(value)
	}
	if value, ok := lookupEnv("EXPLAIN_SOURCE_DB"); ok && value != "" {
		c.Database = value
	}
	if value, ok := lookupEnv("EXPLAIN_SOURCE_LISTEN"); ok && value != "" {
		c.Listen = value
	}
	if value, ok := lookupEnv("EXPLAIN_SOURCE_ALLOWED_ORIGINS"); ok && value != "" {
		c.AllowedOrigins = nil
		for _, origin := range strings.Split(value, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
	}

	for _, name := range Agents {
		agent := c.agent(name)
		prefix := strings.ToUpper(name)
		if value, ok := lookupEnv(prefix + "_AGENT_PATH"); ok && value != "" {
			agent.Path = value
		}
		if value, ok := lookupEnv(prefix + "_AGENT_TIMEOUT"); ok && value != "" {
			timeout, err := parseSeconds(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_AGENT_TIMEOUT: %w", prefix, err))
			} else {
				agent.Timeout = timeout
			}
		}
		if value, ok := lookupEnv(prefix + "_AGENT_MAX_RETRIES"); ok && value != "" {
			retries, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_AGENT_MAX_RETRIES: %w", prefix, err))
			} else {
				agent.MaxRetries = retries
			}
		}
		if value, ok := lookupEnv(prefix + "_AGENT_WORKING_DIR"); ok && value != "" {
			agent.WorkingDir = value
		}
		if value, ok := lookupEnv(prefix + "_AGENT_OUTPUT_FORMAT"); ok && value != "" {
			agent.OutputFormat = strings.ToLower(value)
		}
		if value, ok := lookupEnv(prefix + "_API_KEY"); ok && value != "" {
			agent.APIKey = value
		}
	}
	return errors.Join(errs...)
}

// parseSeconds accepts a bare number of seconds or a Go duration.
func parseSeconds(value string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

// RegisterFlags adds the configuration flags to flags. Per-agent flags
// apply to the agent selected after all layers.
func RegisterFlags(flags *pflag.FlagSet) {
	defaults := Default()
	flags.String("agent", defaults.Agent, "agent CLI: "+strings.Join(Agents, ", "))
	flags.String("listen", defaults.Listen, "HTTP listen address")
	flags.String("database", defaults.Database, "SQLite database path")
	flags.Int("hub-capacity", defaults.HubCapacity, "live messages retained for slow viewers")
	flags.String("log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	flags.Bool("trust-user-header", false, "accept X-User-ID as the caller's identity")
	flags.StringSlice("allowed-origin", nil, "browser origin allowed to use the API (repeatable)")
	flags.Duration("shutdown-timeout", defaults.ShutdownTimeout, "graceful shutdown bound")
	flags.String("agent-path", "", "agent executable")
	flags.Duration("agent-timeout", 0, "timeout of one agent attempt")
	flags.Int("agent-max-retries", 0, "agent attempts, the first included")
	flags.String("agent-working-dir", "", "agent working directory for tickets without a project directory")
	flags.String("agent-output-format", "", "agent output format: "+strings.Join(OutputFormats, ", "))
}

// applyFlags copies explicitly set flags. Flags that were not
// registered with RegisterFlags are ignored.
func (c *Config) applyFlags(flags *pflag.FlagSet) error {
	var errs []error
	set := func(name string, apply func() error) {
		if flag := flags.Lookup(name); flag == nil || !flag.Changed {
			return
		}
		if err := apply(); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", name, err))
		}
	}
	setString := func(name string, target *string) {
		set(name, func() (err error) {
			*target, err = flags.GetString(name)
			return err
		})
	}

	setString("agent", &c.Agent)
	setString("listen", &c.Listen)
	setString("database", &c.Database)
	setString("log-level", &c.LogLevel)
	set("hub-capacity", func() (err error) {
		c.HubCapacity, err = flags.GetInt("hub-capacity")
		return err
	})
	set("trust-user-header", func() (err error) {
		c.TrustUserHeader, err = flags.GetBool("trust-user-header")
		return err
	})
	set("shutdown-timeout", func() (err error) {
		c.ShutdownTimeout, err = flags.GetDuration("shutdown-timeout")
		return err
	})
	set("allowed-origin", func() (err error) {
		c.AllowedOrigins, err = flags.GetStringSlice("allowed-origin")
		return err
	})

	agent := c.agent(c.Agent)
	if agent == nil {
		// Validate reports the unknown agent.
		return errors.Join(errs...)
	}
	setString("agent-path", &agent.Path)
	setString("agent-working-dir", &agent.WorkingDir)
	setString("agent-output-format", &agent.OutputFormat)
	set("agent-timeout", func() (err error) {
		agent.Timeout, err = flags.GetDuration("agent-timeout")
		return err
	})
	set("agent-max-retries", func() (err error) {
		agent.MaxRetries, err = flags.GetInt("agent-max-retries")
		return err
	})
	return errors.Join(errs...)
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Database = expandVars(c.Database, vars)
	for _, name := range Agents {
		agent := c.agent(name)
		agent.Path = expandVars(agent.Path, vars)
		agent.WorkingDir = expandVars(agent.WorkingDir, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Level returns the parsed log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(Agents, c.Agent) {
		errs = append(errs, fmt.Errorf("agent must be one of: %v, got %q", Agents, c.Agent))
	}
	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	if c.Database == "" {
		errs = append(errs, fmt.Errorf("database is required"))
	}
	if c.HubCapacity < 1 {
		errs = append(errs, fmt.Errorf("hub_capacity must be positive, got %d", c.HubCapacity))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive"))
	}

	for _, name := range Agents {
		agent := c.agent(name)
		if agent.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required", name))
		}
		if agent.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must not be negative", name))
		}
		if agent.MaxRetries < 1 {
			errs = append(errs, fmt.Errorf("%s.max_retries must be at least 1, got %d", name, agent.MaxRetries))
		}
		if !slices.Contains(OutputFormats, agent.OutputFormat) {
			errs = append(errs, fmt.Errorf("%s.output_format must be one of: %v", name, OutputFormats))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
