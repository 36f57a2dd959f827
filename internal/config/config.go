package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models issueflow.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	GitHub struct {
		Owner         string         `yaml:"owner"`
		Repo          string         `yaml:"repo"`
		Token         string         `yaml:"token"`
		WebhookSecret string         `yaml:"webhook_secret"`
		AllowedEvents []AllowedEvent `yaml:"allowed_events"`
	} `yaml:"github"`
	Autonomy struct {
		InitialMode string `yaml:"initial_mode"`
	} `yaml:"autonomy"`
	Retry struct {
		Retries     int     `yaml:"retries"`
		BaseDelayMs int     `yaml:"base_delay_ms"`
		MaxDelayMs  int     `yaml:"max_delay_ms"`
		Factor      float64 `yaml:"factor"`
	} `yaml:"retry"`
	Agents struct {
		PlannerURL  string `yaml:"planner_url"`
		ExecutorURL string `yaml:"executor_url"`
		ReviewerURL string `yaml:"reviewer_url"`
		Token       string `yaml:"token"`
	} `yaml:"agents"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// AllowedEvent pairs a webhook event type with the actions that should start a
// pipeline. An empty action list admits every action of that event type.
type AllowedEvent struct {
	Event   string   `yaml:"event"`
	Actions []string `yaml:"actions"`
}

// Actionable reports whether an incoming event type and action should start a
// workflow run.
func (c *Config) Actionable(eventType, action string) bool {
	for _, allowed := range c.GitHub.AllowedEvents {
		if allowed.Event != eventType {
			continue
		}
		if len(allowed.Actions) == 0 {
			return true
		}
		for _, a := range allowed.Actions {
			if a == action {
				return true
			}
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with iflow init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return fmt.Errorf("config.github.owner and config.github.repo are required")
	}
	if len(c.GitHub.AllowedEvents) == 0 {
		return fmt.Errorf("config.github.allowed_events must list at least one event")
	}
	for i, allowed := range c.GitHub.AllowedEvents {
		if allowed.Event == "" {
			return fmt.Errorf("config.github.allowed_events[%d].event is empty", i)
		}
	}
	switch c.Autonomy.InitialMode {
	case "", "dry_run", "pr_only", "limited_auto_merge", "full_merge_queue":
	default:
		return fmt.Errorf("config.autonomy.initial_mode %q is not a known mode", c.Autonomy.InitialMode)
	}
	if c.Retry.Retries < 0 {
		return fmt.Errorf("config.retry.retries must be >= 0")
	}
	if c.Retry.Factor < 0 {
		return fmt.Errorf("config.retry.factor must be >= 0")
	}
	if c.Retry.BaseDelayMs < 0 || c.Retry.MaxDelayMs < 0 {
		return fmt.Errorf("config.retry delays must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "issueflow.yml")
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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
  id: %s

github:
  owner: ""
  repo: ""
  token: ""
  webhook_secret: ""
  allowed_events:
    - event: issues
      actions: [labeled]
    - event: issue_comment
      actions: [created]

autonomy:
  initial_mode: dry_run

retry:
  retries: 2
  base_delay_ms: 500
  max_delay_ms: 30000
  factor: 2

agents:
  planner_url: ""
  executor_url: ""
  reviewer_url: ""
  token: ""

server:
  jwt_secret: ""
`
