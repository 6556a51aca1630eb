// Package config loads the agent configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent's process-level configuration. Protocol definitions
// are not configured here; they are imported and persisted separately.
type Config struct {
	// DataDir roots all agent state: key file, state file, protocol
	// storage directories.
	DataDir string `yaml:"data_dir"`

	// LogPath is where the daemon writes its structured log.
	LogPath string `yaml:"log_path"`

	// SinkURL is the default remote sink for protocols whose definition
	// does not name one.
	SinkURL string `yaml:"sink_url"`

	// SinkTimeout bounds each push to the sink.
	SinkTimeout time.Duration `yaml:"sink_timeout"`

	// HealthTestInterval overrides the persisted health-test interval when
	// set.
	HealthTestInterval time.Duration `yaml:"health_test_interval"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DataDir:     filepath.Join(home, ".sensd"),
		LogPath:     filepath.Join(home, ".sensd", "sensd.log"),
		SinkTimeout: 30 * time.Second,
	}
}

// UnmarshalYAML decodes a config fragment over the receiver, so values
// already present (the defaults) survive when the file omits a field.
// Duration fields accept Go duration strings such as "30s" or "6h".
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DataDir            string `yaml:"data_dir"`
		LogPath            string `yaml:"log_path"`
		SinkURL            string `yaml:"sink_url"`
		SinkTimeout        string `yaml:"sink_timeout"`
		HealthTestInterval string `yaml:"health_test_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.DataDir != "" {
		c.DataDir = raw.DataDir
	}
	if raw.LogPath != "" {
		c.LogPath = raw.LogPath
	}
	if raw.SinkURL != "" {
		c.SinkURL = raw.SinkURL
	}
	if raw.SinkTimeout != "" {
		d, err := time.ParseDuration(raw.SinkTimeout)
		if err != nil {
			return fmt.Errorf("invalid sink_timeout: %w", err)
		}
		c.SinkTimeout = d
	}
	if raw.HealthTestInterval != "" {
		d, err := time.ParseDuration(raw.HealthTestInterval)
		if err != nil {
			return fmt.Errorf("invalid health_test_interval: %w", err)
		}
		c.HealthTestInterval = d
	}
	return nil
}

// Load reads the YAML config at path, layered over defaults. A missing
// file returns defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// StatePath returns the encrypted agent state file path.
func (c Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.bin")
}
