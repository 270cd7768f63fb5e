package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// StandardPaths returns the configuration file locations in priority
// order.
func StandardPaths() []string {
	paths := []string{"relay.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "agentrelay", "relay.toml"),
			filepath.Join(home, ".agentrelay", "relay.toml"),
		)
	}
	return paths
}

// Load reads the first configuration file found at a standard path
// and returns it with the path it came from. No file at all is not an
// error: the defaults apply and the returned path is empty.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := LoadFile(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}
	return New(), "", nil
}

// LoadFile reads configuration from a specific file.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML content over the defaults and validates the
// result.
func Parse(content string) (*Config, error) {
	cfg := New()
	if _, err := toml.Decode(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
