// Package config provides configuration loading for mendd.
//
// Configuration is loaded from a YAML file, then overridden by MENDD_*
// environment variables, then validated against hardcoded defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/mendd/pkg/testrun"
)

// Config holds the complete mendd configuration.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	Repo     RepoConfig     `koanf:"repo"`
	Tests    TestsConfig    `koanf:"tests"`
	Tracker  TrackerConfig  `koanf:"tracker"`
	Producer ProducerConfig `koanf:"producer"`
	Loop     LoopConfig     `koanf:"loop"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// RepoConfig identifies the working repository being mended.
type RepoConfig struct {
	Path string `koanf:"path"`
}

// TestsConfig describes the test scopes and their shared budget.
type TestsConfig struct {
	Smoke testrun.Command `koanf:"smoke"`
	Full  testrun.Command `koanf:"full"`

	// Fixture is an optional reset command run before every scope
	// invocation, e.g. a compose restart script.
	Fixture testrun.Command `koanf:"fixture"`

	// Timeout is the hard wall-clock budget per invocation.
	Timeout Duration `koanf:"timeout"`
}

// TrackerConfig selects and configures the defect tracker backend.
type TrackerConfig struct {
	Backend string       `koanf:"backend"` // memory or github
	GitHub  GitHubConfig `koanf:"github"`
}

// GitHubConfig holds GitHub Issues backend settings.
type GitHubConfig struct {
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
	Token Secret `koanf:"token"`
}

// ProducerConfig selects and configures the fix producer tier.
type ProducerConfig struct {
	Kind    string                `koanf:"kind"` // command or ollama
	Command CommandProducerConfig `koanf:"command"`
	Ollama  OllamaConfig          `koanf:"ollama"`
}

// CommandProducerConfig runs an external coding agent process.
type CommandProducerConfig struct {
	Name    string   `koanf:"name"`
	Args    []string `koanf:"args"`
	Timeout Duration `koanf:"timeout"`
}

// OllamaConfig talks to a local Ollama server.
type OllamaConfig struct {
	BaseURL string   `koanf:"base_url"`
	Model   string   `koanf:"model"`
	Timeout Duration `koanf:"timeout"`
}

// LoopConfig tunes the orchestration loop.
type LoopConfig struct {
	MaxIterations int      `koanf:"max_iterations"`
	LeaseTTL      Duration `koanf:"lease_ttl"`
	PollInterval  Duration `koanf:"poll_interval"`
	SmokePreGate  bool     `koanf:"smoke_pre_gate"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Repo.Path == "" {
		cfg.Repo.Path = "."
	}

	if cfg.Tests.Timeout == 0 {
		cfg.Tests.Timeout = Duration(10 * time.Minute)
	}

	if cfg.Tracker.Backend == "" {
		cfg.Tracker.Backend = "memory"
	}

	if cfg.Producer.Kind == "" {
		cfg.Producer.Kind = "command"
	}
	if cfg.Producer.Command.Timeout == 0 {
		cfg.Producer.Command.Timeout = Duration(15 * time.Minute)
	}
	if cfg.Producer.Ollama.BaseURL == "" {
		cfg.Producer.Ollama.BaseURL = "http://localhost:11434"
	}
	if cfg.Producer.Ollama.Timeout == 0 {
		cfg.Producer.Ollama.Timeout = Duration(5 * time.Minute)
	}

	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 3
	}
	if cfg.Loop.LeaseTTL == 0 {
		cfg.Loop.LeaseTTL = Duration(10 * time.Minute)
	}
	if cfg.Loop.PollInterval == 0 {
		cfg.Loop.PollInterval = Duration(5 * time.Minute)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q (must be json or console)", c.Logging.Format)
	}

	if c.Tests.Full.Name == "" {
		return errors.New("tests.full.name is required: the full suite is the authoritative gate")
	}

	switch c.Tracker.Backend {
	case "memory":
	case "github":
		if c.Tracker.GitHub.Owner == "" || c.Tracker.GitHub.Repo == "" {
			return errors.New("tracker.github.owner and tracker.github.repo are required for the github backend")
		}
		if !c.Tracker.GitHub.Token.IsSet() {
			return errors.New("tracker.github.token is required for the github backend")
		}
	default:
		return fmt.Errorf("invalid tracker backend: %q (must be memory or github)", c.Tracker.Backend)
	}

	switch c.Producer.Kind {
	case "command":
		if c.Producer.Command.Name == "" {
			return errors.New("producer.command.name is required for the command producer")
		}
	case "ollama":
		if c.Producer.Ollama.Model == "" {
			return errors.New("producer.ollama.model is required for the ollama producer")
		}
	default:
		return fmt.Errorf("invalid producer kind: %q (must be command or ollama)", c.Producer.Kind)
	}

	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.LeaseTTL.Duration() <= 0 {
		return errors.New("loop.lease_ttl must be positive")
	}
	if c.Loop.PollInterval.Duration() <= 0 {
		return errors.New("loop.poll_interval must be positive")
	}

	return nil
}
