package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the config file at path, applies it over Default, and warns
// on unrecognized keys. A missing file yields the defaults.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	warnUnknownKeys(expanded, path, logger)

	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// warnUnknownKeys decodes strictly into a throwaway copy to surface
// unrecognized keys without rejecting the file.
func warnUnknownKeys(data []byte, path string, logger *slog.Logger) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var probe Config
	if err := dec.Decode(&probe); err != nil && !errors.Is(err, fs.ErrNotExist) {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			for _, msg := range typeErr.Errors {
				logger.Warn("ignoring unknown config key", "config", path, "detail", msg)
			}
		}
	}
}

func (c *Config) validate() error {
	switch c.Memory.Embedding.Dimension {
	case 0, 384, 768:
	default:
		return fmt.Errorf("memory.embedding.dimension must be 384 or 768, got %d", c.Memory.Embedding.Dimension)
	}
	if c.Memory.Broker.HighWaterMark < 0 {
		return fmt.Errorf("memory.broker.high_water_mark must not be negative")
	}
	for _, card := range c.Bots {
		if card.Name == "" {
			return fmt.Errorf("bots entries require a name")
		}
	}
	return nil
}
