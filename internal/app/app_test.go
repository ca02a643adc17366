package app

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"revline/internal/config"
	"revline/internal/engine"
)

func openTestRuntime(t *testing.T, workspace string) *Runtime {
	t.Helper()
	rt, err := Open(context.Background(), Options{Workspace: workspace, Logger: zerolog.Nop(), QueueSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestResolveCreatesProjectFromFileConfig(t *testing.T) {
	workspace := t.TempDir()
	yml := `project:
  id: poster
  kind: design-project
budget:
  total_modification_count: 5
  additional_modification_fee: 40
`
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(yml), 0o644))
	rt := openTestRuntime(t, workspace)
	require.NotNil(t, rt.FileConfig)

	ctx := context.Background()
	projectID, err := rt.ResolveProject(ctx, "", "designer-1")
	require.NoError(t, err)
	require.Equal(t, "poster", projectID)

	p, err := rt.Engine.GetProject(ctx, "poster")
	require.NoError(t, err)
	require.Equal(t, 5, p.TotalModificationCount)
	require.Equal(t, 5, p.RemainingModificationCount)
	require.Equal(t, 40.0, p.AdditionalModificationFee)

	again, err := rt.ResolveProject(ctx, "", "designer-1")
	require.NoError(t, err)
	require.Equal(t, projectID, again)
}

func TestResolvePicksSingleProject(t *testing.T) {
	rt := openTestRuntime(t, t.TempDir())
	ctx := context.Background()

	_, err := rt.ResolveProject(ctx, "", "designer-1")
	require.Error(t, err)

	_, err = rt.Engine.InitProject(ctx, engine.ProjectInit{ID: "one", ActorID: "designer-1"})
	require.NoError(t, err)
	projectID, cfg, err := ResolveProjectAndConfig(ctx, rt.Engine, "", "designer-1", nil)
	require.NoError(t, err)
	require.Equal(t, "one", projectID)
	require.Equal(t, "one", cfg.Project.ID)

	_, err = rt.Engine.InitProject(ctx, engine.ProjectInit{ID: "two", ActorID: "designer-1"})
	require.NoError(t, err)
	_, err = rt.ResolveProject(ctx, "", "designer-1")
	require.Error(t, err)

	projectID, err = rt.ResolveProject(ctx, "two", "designer-1")
	require.NoError(t, err)
	require.Equal(t, "two", projectID)
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn", true)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"message":"shown"`)
	require.Contains(t, out, `"service":"revline"`)

	buf.Reset()
	log = NewLogger(&buf, "nonsense", true)
	log.Info().Msg("fallback")
	require.Contains(t, buf.String(), "fallback")
}
