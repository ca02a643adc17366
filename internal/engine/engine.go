package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"revline/internal/config"
	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/metrics"
	"revline/internal/notify"
	"revline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Log      zerolog.Logger
	Notifier *notify.Dispatcher
	Metrics  *metrics.Metrics

	locks *projectLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Log:    zerolog.Nop(),
		locks:  newProjectLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// mutate runs fn inside one transaction while holding the project's lock.
// Audit events are written by fn through the tx; notifications and metric
// observations queued on the outbox are released after commit, once the
// lock is dropped, so slow sinks never hold up other transitions.
func (e Engine) mutate(ctx context.Context, projectID string, fn func(tx *sql.Tx, out *outbox) error) error {
	out, err := e.commit(ctx, projectID, fn)
	if err != nil {
		return err
	}
	e.flush(ctx, projectID, out)
	return nil
}

func (e Engine) commit(ctx context.Context, projectID string, fn func(tx *sql.Tx, out *outbox) error) (*outbox, error) {
	unlock := e.locks.lock(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := &outbox{}
	if err := fn(tx, out); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil, ConflictError{ProjectID: projectID}
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// projectConfig returns the stored config of a project, then the engine
// config when it names the project, then the defaults.
func (e Engine) projectConfig(ctx context.Context, projectID string) *config.Config {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg
	}
	if !errors.Is(err, repo.ErrNotFound) {
		e.Log.Warn().Err(err).Str("project_id", projectID).Msg("project config unreadable, using defaults")
	}
	if e.Config != nil && e.Config.Project.ID == projectID {
		return e.Config
	}
	return config.Default(projectID)
}

// ProjectInit are parameters for creating a project.
type ProjectInit struct {
	ID                        string
	Name                      string
	Description               string
	ClientID                  string
	DesignerID                string
	TotalModificationCount    *int
	AdditionalModificationFee *float64
	ActorID                   string
}

// InitProject creates a project with a full revision budget, its stored
// config and the header item of revision 1.
func (e Engine) InitProject(ctx context.Context, opts ProjectInit) (domain.Project, error) {
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	cfg := config.Default(opts.ID)
	if e.Config != nil && e.Config.Project.ID == opts.ID {
		copied := *e.Config
		cfg = &copied
	}
	if opts.TotalModificationCount != nil {
		cfg.Budget.TotalModificationCount = *opts.TotalModificationCount
	}
	if opts.AdditionalModificationFee != nil {
		cfg.Budget.AdditionalModificationFee = *opts.AdditionalModificationFee
	}
	if err := cfg.Validate(); err != nil {
		return domain.Project{}, ValidationError{Field: "config", Reason: err.Error()}
	}

	now := e.stamp()
	p := domain.Project{
		ID:                         opts.ID,
		Name:                       opts.Name,
		Description:                opts.Description,
		Status:                     "active",
		ClientID:                   opts.ClientID,
		DesignerID:                 opts.DesignerID,
		TotalModificationCount:     cfg.Budget.TotalModificationCount,
		RemainingModificationCount: cfg.Budget.TotalModificationCount,
		CurrentRevisionNumber:      1,
		AdditionalModificationFee:  cfg.Budget.AdditionalModificationFee,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	err := e.mutate(ctx, p.ID, func(tx *sql.Tx, out *outbox) error {
		if _, err := e.Repo.GetProject(ctx, tx, p.ID); err == nil {
			return InvalidStateError{Entity: "project", ID: p.ID, Status: "exists", Action: "create"}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
			return fmt.Errorf("insert project config: %w", err)
		}
		if err := e.Repo.InsertSurfaceItem(ctx, tx, revisionHeader(p.ID, 1, opts.ActorID, now)); err != nil {
			return fmt.Errorf("insert revision header: %w", err)
		}
		out.metric(func(m *metrics.Metrics) { m.ObserveLedger("init", p.ID, p.RemainingModificationCount) })
		return e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
			"total_modification_count": p.TotalModificationCount,
			"fee":                      p.AdditionalModificationFee,
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.Log.Info().Str("project_id", p.ID).Int("budget", p.TotalModificationCount).Msg("project created")
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, nil, id)
	if err != nil {
		return p, notFound("project", id, err)
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// ListEvents returns the audit log of a project, newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

func (e Engine) ListHistory(ctx context.Context, projectID string) ([]domain.HistoryEntry, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, projectID)
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// ProjectConfig returns the effective config of an existing project.
func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.projectConfig(ctx, projectID), nil
}

// SetProjectConfig replaces the stored config of a project. The budget
// section only seeds new projects; the live ledger is never rewritten.
func (e Engine) SetProjectConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) (*config.Config, error) {
	if cfg == nil {
		return nil, ValidationError{Field: "config", Reason: "is required"}
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	if cfg.Project.ID != projectID {
		return nil, ValidationError{Field: "project.id", Reason: fmt.Sprintf("must be %q", projectID)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, ValidationError{Field: "config", Reason: err.Error()}
	}
	err := e.mutate(ctx, projectID, func(tx *sql.Tx, out *outbox) error {
		if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
			return notFound("project", projectID, err)
		}
		if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
			return fmt.Errorf("store project config: %w", err)
		}
		return e.Events.Append(ctx, tx, events.ProjectConfigUpdated, projectID, "project", projectID, actorID, events.EventPayload{
			"milestones":      cfg.Milestones(),
			"disabled_events": cfg.Notifications.DisabledEvents,
			"webhooks":        len(cfg.Webhooks),
		})
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
