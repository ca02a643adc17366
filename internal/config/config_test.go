package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("proj-1")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "proj-1", cfg.Project.ID)
	require.Equal(t, 3, cfg.Budget.TotalModificationCount)
	require.Equal(t, 100.0, cfg.Budget.AdditionalModificationFee)
	require.Equal(t, 1.5, cfg.Budget.UrgentMultiplier)
	require.Equal(t, DefaultMilestones, cfg.Milestones())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing id", func(c *Config) { c.Project.ID = "" }},
		{"wrong kind", func(c *Config) { c.Project.Kind = "software-project" }},
		{"negative budget", func(c *Config) { c.Budget.TotalModificationCount = -1 }},
		{"negative fee", func(c *Config) { c.Budget.AdditionalModificationFee = -5 }},
		{"multiplier below one", func(c *Config) { c.Budget.UrgentMultiplier = 0.5 }},
		{"milestone out of range", func(c *Config) { c.Progress.Milestones = []int{0, 50} }},
		{"milestones unordered", func(c *Config) { c.Progress.Milestones = []int{50, 25} }},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("proj-1")
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestFromYAMLDefaultsMultiplier(t *testing.T) {
	cfg, err := FromYAML([]byte(`project:
  id: p
  kind: design-project
budget:
  total_modification_count: 2
  additional_modification_fee: 40
`))
	require.NoError(t, err)
	require.Equal(t, 1.5, cfg.Budget.UrgentMultiplier)
	require.Equal(t, DefaultMilestones, cfg.Milestones())
}

func TestEventEnabled(t *testing.T) {
	cfg := Default("p")
	cfg.Notifications.DisabledEvents = []string{"work.updated"}
	require.False(t, cfg.EventEnabled("work.updated"))
	require.True(t, cfg.EventEnabled("request.approved"))
	var nilCfg *Config
	require.True(t, nilCfg.EventEnabled("anything"))
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "revline.yml"), []byte(GenerateDefault("ws")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, "ws", cfg.Project.ID)
}
