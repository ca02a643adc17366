package app

import (
	"context"
	"errors"
	"fmt"

	"revline/internal/config"
	"revline/internal/engine"
	"revline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures the project
// and its config exist in the DB. It prefers the override, then the only
// project in the DB. A missing project is created on the fly, seeded from
// fileCfg when it names the project and from defaults otherwise.
func ResolveProjectAndConfig(ctx context.Context, eng engine.Engine, projectOverride, actorID string, fileCfg *config.Config) (string, *config.Config, error) {
	r := eng.Repo
	projectID := projectOverride
	if projectID == "" && fileCfg != nil {
		projectID = fileCfg.Project.ID
	}
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
		projectID = p.ID
	}

	if _, err := r.GetProject(ctx, nil, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if fileCfg != nil && fileCfg.Project.ID == projectID {
			eng.Config = fileCfg
		}
		if _, err := eng.InitProject(ctx, engine.ProjectInit{ID: projectID, ActorID: actorID}); err != nil {
			return "", nil, fmt.Errorf("create project: %w", err)
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
