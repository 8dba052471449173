package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "POET_"
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load reads configuration with the following precedence (highest first):
//  1. POET_ environment variables (POET_ES_LEARNING_RATE -> es.learning_rate)
//  2. the YAML file at path, if path is non-empty
//  3. Default()
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s is %d bytes, limit %d", path, info.Size(), maxConfigFileSize)
		}
		if content, err = io.ReadAll(f); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return LoadBytes(content)
}

// LoadBytes is Load for YAML already in memory.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// Split on the first underscore only, keeping underscores in field names.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Keys absent from both sources keep their defaults.
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyDefaults normalizes values that the sources can only express loosely.
func applyDefaults(cfg *Config) {
	// POET_WORKERS_REMOTE=a:1,b:2 arrives as a single element.
	var remote []string
	for _, r := range cfg.Workers.Remote {
		for _, part := range strings.Split(r, ",") {
			if part = strings.TrimSpace(part); part != "" {
				remote = append(remote, part)
			}
		}
	}
	cfg.Workers.Remote = remote

	if len(cfg.Reproduce.Categories) == 1 && strings.Contains(cfg.Reproduce.Categories[0], ",") {
		cfg.Reproduce.Categories = strings.Split(cfg.Reproduce.Categories[0], ",")
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
}
