// Package logging builds the process-wide zap logger from configuration.
//
// Services receive a *zap.Logger by injection; nothing in the codebase
// reaches for a global logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      string            `koanf:"level"`  // debug, info, warn, error
	Format     string            `koanf:"format"` // json or console
	Caller     bool              `koanf:"caller"`
	Stacktrace string            `koanf:"stacktrace"` // level at which stacktraces are attached, empty disables
	Fields     map[string]string `koanf:"fields"`     // constant fields added to every entry
}

// NewDefaultConfig returns the default logging configuration.
func NewDefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid level %q: %w", c.Level, err)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("invalid format %q (want json or console)", c.Format)
	}
	if c.Stacktrace != "" {
		if _, err := zapcore.ParseLevel(c.Stacktrace); err != nil {
			return fmt.Errorf("invalid stacktrace level %q: %w", c.Stacktrace, err)
		}
	}
	return nil
}

// New creates a configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, _ := zapcore.ParseLevel(cfg.Level)

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = cfg.Format
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.DisableCaller = !cfg.Caller

	opts := []zap.Option{}
	if cfg.Stacktrace == "" {
		opts = append(opts, zap.AddStacktrace(zapcore.FatalLevel))
	} else {
		st, _ := zapcore.ParseLevel(cfg.Stacktrace)
		opts = append(opts, zap.AddStacktrace(st))
	}

	logger, err := zapCfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		logger = logger.With(fields...)
	}

	return logger, nil
}
