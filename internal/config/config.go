package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

const ProjectKind = "design-project"

// DefaultMilestones are the overall-progress thresholds that trigger a
// work.updated notification.
var DefaultMilestones = []int{25, 50, 75, 90, 100}

// Config models revline.yml.
type Config struct {
	Project       ProjectRef      `yaml:"project" json:"project"`
	Budget        Budget          `yaml:"budget" json:"budget"`
	Progress      Progress        `yaml:"progress" json:"progress"`
	Notifications Notifications   `yaml:"notifications" json:"notifications"`
	Webhooks      []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type ProjectRef struct {
	ID   string `yaml:"id" json:"id"`
	Kind string `yaml:"kind" json:"kind"`
}

type Budget struct {
	TotalModificationCount    int     `yaml:"total_modification_count" json:"total_modification_count"`
	AdditionalModificationFee float64 `yaml:"additional_modification_fee" json:"additional_modification_fee"`
	UrgentMultiplier          float64 `yaml:"urgent_multiplier" json:"urgent_multiplier"`
}

type Progress struct {
	Milestones []int `yaml:"milestones" json:"milestones"`
}

type Notifications struct {
	SubjectPrefix  string   `yaml:"subject_prefix" json:"subject_prefix"`
	DisabledEvents []string `yaml:"disabled_events" json:"disabled_events,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != ProjectKind {
		return fmt.Errorf("config.project.kind must be '%s'", ProjectKind)
	}
	if c.Budget.TotalModificationCount < 0 {
		return fmt.Errorf("config.budget.total_modification_count must be >= 0")
	}
	if c.Budget.AdditionalModificationFee < 0 {
		return fmt.Errorf("config.budget.additional_modification_fee must be >= 0")
	}
	if c.Budget.UrgentMultiplier < 1 {
		return fmt.Errorf("config.budget.urgent_multiplier must be >= 1")
	}
	prev := 0
	for _, m := range c.Progress.Milestones {
		if m <= 0 || m > 100 {
			return fmt.Errorf("progress milestone %d out of range 1..100", m)
		}
		if m <= prev {
			return fmt.Errorf("progress milestones must be strictly increasing")
		}
		prev = m
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Milestones returns the configured milestones, falling back to the defaults.
func (c *Config) Milestones() []int {
	if c == nil || len(c.Progress.Milestones) == 0 {
		return DefaultMilestones
	}
	out := append([]int(nil), c.Progress.Milestones...)
	sort.Ints(out)
	return out
}

// EventEnabled reports whether notifications of the given type should fire.
func (c *Config) EventEnabled(eventType string) bool {
	if c == nil {
		return true
	}
	for _, d := range c.Notifications.DisabledEvents {
		if d == eventType {
			return false
		}
	}
	return true
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "revline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID, ProjectKind)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Budget.UrgentMultiplier == 0 {
		cfg.Budget.UrgentMultiplier = 1.5
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

// ToYAML renders the config as YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `project:
  id: %s
  kind: %s

budget:
  total_modification_count: 3
  additional_modification_fee: 100
  urgent_multiplier: 1.5

progress:
  milestones: [25, 50, 75, 90, 100]

notifications:
  subject_prefix: revline.notifications
  disabled_events: []

webhooks: []
`
