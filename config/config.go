// Package config loads mailagent configuration from defaults, an optional
// TOML file and MAILAGENT_ environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. Sections are separated by a
// double underscore, e.g. MAILAGENT_WORKFLOW__MAX_STEPS.
const EnvPrefix = "MAILAGENT_"

// Config is the complete runtime configuration.
type Config struct {
	Mailbox     MailboxConfig  `koanf:"mailbox"`
	SMTP        SMTPConfig     `koanf:"smtp"`
	Poller      PollerConfig   `koanf:"poller"`
	Workflow    WorkflowConfig `koanf:"workflow"`
	Interpreter ModelConfig    `koanf:"interpreter"`
	Executor    ExecutorConfig `koanf:"executor"`
	Log         LogConfig      `koanf:"log"`
}

// MailboxConfig holds the IMAP account the agent serves.
type MailboxConfig struct {
	IMAPAddr string `koanf:"imap_addr"`
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	Folder   string `koanf:"folder"`
}

// SMTPConfig configures outbound delivery. Credentials are shared with the
// mailbox account.
type SMTPConfig struct {
	Addr          string `koanf:"addr"`
	From          string `koanf:"from"`
	RatePerMinute int    `koanf:"rate_per_minute"`
}

type PollerConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// WorkflowConfig bounds the conversation state machine.
type WorkflowConfig struct {
	MaxClarificationRounds int           `koanf:"max_clarification_rounds"`
	MaxSteps               int           `koanf:"max_steps"`
	InactivityTimeout      time.Duration `koanf:"inactivity_timeout"`
	ConfirmationTimeout    time.Duration `koanf:"confirmation_timeout"`
	MaxConcurrentThreads   int           `koanf:"max_concurrent_threads"`
}

// ModelConfig selects a language model provider.
type ModelConfig struct {
	Provider    string  `koanf:"provider"`
	Model       string  `koanf:"model"`
	Temperature float64 `koanf:"temperature"`
	APIKey      string  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
}

// ExecutorConfig configures the browser agent.
type ExecutorConfig struct {
	ModelConfig `koanf:",squash"`
	Headless    bool          `koanf:"headless"`
	ChromePath  string        `koanf:"chrome_path"`
	MaxSteps    int           `koanf:"max_steps"`
	StepTimeout time.Duration `koanf:"step_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Providers accepted for interpreter.provider and executor.provider.
var Providers = []string{"openai", "anthropic", "mock"}

func defaults() map[string]any {
	return map[string]any{
		"mailbox.imap_addr": "imap.gmail.com:993",
		"mailbox.folder":    "INBOX",

		"smtp.addr":            "smtp.gmail.com:587",
		"smtp.rate_per_minute": 30,

		"poller.interval": "30s",

		"workflow.max_clarification_rounds": 3,
		"workflow.max_steps":                32,
		"workflow.inactivity_timeout":       "168h",
		"workflow.confirmation_timeout":     "30m",
		"workflow.max_concurrent_threads":   4,

		"interpreter.provider":    "openai",
		"interpreter.model":       "gpt-4o-mini",
		"interpreter.temperature": 0.1,

		"executor.provider":     "openai",
		"executor.model":        "gpt-4o",
		"executor.temperature":  0.2,
		"executor.headless":     true,
		"executor.max_steps":    20,
		"executor.step_timeout": "30s",

		"log.level":  "info",
		"log.format": "text",
	}
}

// DefaultPaths are probed in order when no explicit path is given.
var DefaultPaths = []string{"./mailagent.toml", "$HOME/.mailagent.toml"}

// Load builds the configuration. An explicit path must exist; otherwise the
// first readable default path is used, if any.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", path, err)
		}
	} else {
		for _, p := range DefaultPaths {
			p = os.ExpandEnv(p)
			if _, err := os.Stat(p); err == nil {
				if err := k.Load(file.Provider(p), toml.Parser()); err != nil {
					return nil, fmt.Errorf("error loading config %s: %w", p, err)
				}
				break
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if cfg.SMTP.From == "" {
		cfg.SMTP.From = cfg.Mailbox.Address
	}

	return &cfg, nil
}

// envKey maps MAILAGENT_WORKFLOW__MAX_STEPS to workflow.max_steps.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks the configuration and returns user-friendly errors.
func (c *Config) Validate() error {
	if c.Mailbox.Address == "" {
		return fmt.Errorf("configuration error: missing required field 'mailbox.address'\n\nHint: set it in the config file or via %sMAILBOX__ADDRESS", EnvPrefix)
	}
	if c.Mailbox.Password == "" {
		return fmt.Errorf("configuration error: missing required field 'mailbox.password'\n\nHint: use an app password and set %sMAILBOX__PASSWORD", EnvPrefix)
	}
	if c.Mailbox.IMAPAddr == "" {
		return fmt.Errorf("configuration error: missing required field 'mailbox.imap_addr'")
	}
	if c.SMTP.Addr == "" {
		return fmt.Errorf("configuration error: missing required field 'smtp.addr'")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("configuration error: 'poller.interval' must be positive, got %s", c.Poller.Interval)
	}

	w := c.Workflow
	if w.MaxClarificationRounds < 1 {
		return fmt.Errorf("configuration error: 'workflow.max_clarification_rounds' must be at least 1, got %d", w.MaxClarificationRounds)
	}
	if w.MaxSteps < 4 {
		return fmt.Errorf("configuration error: 'workflow.max_steps' must be at least 4, got %d", w.MaxSteps)
	}
	if w.MaxConcurrentThreads < 1 {
		return fmt.Errorf("configuration error: 'workflow.max_concurrent_threads' must be at least 1, got %d", w.MaxConcurrentThreads)
	}
	if w.ConfirmationTimeout <= 0 {
		return fmt.Errorf("configuration error: 'workflow.confirmation_timeout' must be positive")
	}

	if err := c.Interpreter.validate("interpreter"); err != nil {
		return err
	}
	if err := c.Executor.validate("executor"); err != nil {
		return err
	}
	if c.Executor.MaxSteps < 1 {
		return fmt.Errorf("configuration error: 'executor.max_steps' must be at least 1, got %d", c.Executor.MaxSteps)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("configuration error: 'log.format' must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (m ModelConfig) validate(section string) error {
	known := false
	for _, p := range Providers {
		if m.Provider == p {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("configuration error: unknown '%s.provider' %q\n\nHint: use one of %s", section, m.Provider, strings.Join(Providers, ", "))
	}
	if m.Provider != "mock" && m.Model == "" {
		return fmt.Errorf("configuration error: missing required field '%s.model'", section)
	}
	return nil
}

const sample = `# mailagent configuration

[mailbox]
imap_addr = "imap.gmail.com:993"
address = "agent@example.com"
password = "your-app-password"
folder = "INBOX"

[smtp]
addr = "smtp.gmail.com:587"
rate_per_minute = 30

[poller]
interval = "30s"

[workflow]
max_clarification_rounds = 3
max_steps = 32
inactivity_timeout = "168h"
confirmation_timeout = "30m"
max_concurrent_threads = 4

[interpreter]
provider = "openai"
model = "gpt-4o-mini"
temperature = 0.1
# api_key = "sk-..."   # defaults to OPENAI_API_KEY / ANTHROPIC_API_KEY

[executor]
provider = "openai"
model = "gpt-4o"
headless = true
max_steps = 20
step_timeout = "30s"

[log]
level = "info"
format = "text"
`

// Init writes a sample configuration file. An existing file is never
// overwritten.
func Init(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file already exists at %s", path)
	}
	return os.WriteFile(path, []byte(sample), 0o600)
}
