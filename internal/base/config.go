package base

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const ConfigFileName = "config.yaml"

// Config models the optional mshell config file. Environment variables take
// precedence over everything in here.
type Config struct {
	DefaultShell string   `yaml:"defaultShell"`
	SSHCommand   string   `yaml:"sshCommand"`
	DebugFlags   []string `yaml:"debugFlags"`
}

// LoadConfig decodes the config file. Missing files return (nil, nil).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &cfg, nil
}
