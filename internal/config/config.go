// Package config provides configuration loading for dialogd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/dialogd/internal/llm"
	"github.com/fyrsmithlabs/dialogd/internal/logging"
	"github.com/fyrsmithlabs/dialogd/internal/memory"
)

// Config is the root dialogd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     logging.Config    `koanf:"logging"`
	Supervisor  llm.Config        `koanf:"supervisor"`
	Therapist   llm.Config        `koanf:"therapist"`
	Memory      memory.Config     `koanf:"memory"`
	Dialogue    DialogueConfig    `koanf:"dialogue"`
	Persistence PersistenceConfig `koanf:"persistence"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DialogueConfig points at the dialogue assets loaded at startup.
type DialogueConfig struct {
	// StagesFile is the YAML stage list.
	StagesFile string `koanf:"stages_file"`

	// PromptsDir is the prompt tree root (<role>/system.md, <role>/<stage>.md).
	PromptsDir string `koanf:"prompts_dir"`

	// SafetyFile is an optional YAML safety keyword config; empty means the
	// built-in defaults.
	SafetyFile string `koanf:"safety_file"`

	// WatchPrompts enables hot reloading of the prompt tree.
	WatchPrompts bool `koanf:"watch_prompts"`

	// TurnTimeout bounds one full orchestration turn.
	TurnTimeout time.Duration `koanf:"turn_timeout"`
}

// PersistenceConfig holds session log configuration.
type PersistenceConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
}

// NewDefaultConfig returns the built-in defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8420,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:    logging.NewDefaultConfig(),
		Supervisor: llm.NewDefaultConfig(),
		Therapist:  llm.NewDefaultConfig(),
		Memory:     memory.NewDefaultConfig(),
		Dialogue: DialogueConfig{
			StagesFile:   "config/stages.yaml",
			PromptsDir:   "config/prompts",
			WatchPrompts: true,
			TurnTimeout:  2 * time.Minute,
		},
		Persistence: PersistenceConfig{
			Enabled: true,
			Dir:     "data/sessions",
		},
	}
}

// Validate validates the whole configuration tree.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Supervisor.Validate(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if err := c.Therapist.Validate(); err != nil {
		return fmt.Errorf("therapist: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if c.Dialogue.StagesFile == "" {
		return fmt.Errorf("dialogue.stages_file is required")
	}
	if c.Dialogue.PromptsDir == "" {
		return fmt.Errorf("dialogue.prompts_dir is required")
	}
	if c.Dialogue.TurnTimeout <= 0 {
		return fmt.Errorf("dialogue.turn_timeout must be positive")
	}
	if c.Persistence.Enabled && c.Persistence.Dir == "" {
		return fmt.Errorf("persistence.dir is required when persistence is enabled")
	}
	return nil
}
