package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces dialogd environment variables.
const envPrefix = "DIALOGD_"

// Load reads configuration with the following precedence, highest first:
//
//  1. Environment variables (DIALOGD_SERVER_HTTP_PORT, DIALOGD_THERAPIST_MODEL, ...)
//  2. The YAML config file at configPath, if the path is non-empty
//  3. Built-in defaults
//
// Environment variables map to config keys by stripping the prefix,
// lowercasing and splitting on the first underscore:
//
//	DIALOGD_SERVER_HTTP_PORT     -> server.http_port
//	DIALOGD_SUPERVISOR_BASE_URL  -> supervisor.base_url
//	DIALOGD_DIALOGUE_PROMPTS_DIR -> dialogue.prompts_dir
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// DIALOGD_SECTION_FIELD_NAME -> section.field_name
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
