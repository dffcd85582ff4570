package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models teammanage.yml.
type Config struct {
	Project struct {
		Name string `yaml:"name"`
	} `yaml:"project"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Cleanup struct {
		// Accounts that never verify are removed after this TTL.
		UnverifiedTTL string `yaml:"unverified_ttl"`
		Interval      string `yaml:"interval"`
	} `yaml:"cleanup"`
	Workflow struct {
		// Step names allowed in approval workflows; empty means any name.
		StepCatalog []string `yaml:"step_catalog"`
	} `yaml:"workflow"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tm init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.Name == "" {
		return fmt.Errorf("config.project.name is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if _, err := c.UnverifiedTTL(); err != nil {
		return fmt.Errorf("config.cleanup.unverified_ttl: %w", err)
	}
	if _, err := c.CleanupInterval(); err != nil {
		return fmt.Errorf("config.cleanup.interval: %w", err)
	}
	for _, name := range c.Workflow.StepCatalog {
		if name == "" {
			return fmt.Errorf("config.workflow.step_catalog contains empty step name")
		}
	}
	return nil
}

// UnverifiedTTL returns the parsed account retention window.
func (c *Config) UnverifiedTTL() (time.Duration, error) {
	if c.Cleanup.UnverifiedTTL == "" {
		return 72 * time.Hour, nil
	}
	return time.ParseDuration(c.Cleanup.UnverifiedTTL)
}

// CleanupInterval returns the parsed sweep interval.
func (c *Config) CleanupInterval() (time.Duration, error) {
	if c.Cleanup.Interval == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(c.Cleanup.Interval)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "teammanage.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectName string) string {
	return fmt.Sprintf(defaultTemplate, projectName)
}

// Default returns the default Config struct for a project.
func Default(projectName string) *Config {
	var cfg Config
	cfg.Project.Name = projectName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  name: %s

server:
  addr: 127.0.0.1:8787
  jwt_secret: ""

cleanup:
  unverified_ttl: 72h
  interval: 1h

workflow:
  step_catalog: []
`
