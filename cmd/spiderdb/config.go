package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config is the optional YAML configuration file. Flags win over file
// values.
type config struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	PoolSize int    `yaml:"pool_size"`
	LogLevel string `yaml:"log_level"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
