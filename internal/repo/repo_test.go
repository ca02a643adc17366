package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"revline/internal/db"
	"revline/internal/domain"
	"revline/internal/migrate"
	"revline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func TestUpdateProjectLedgerRejectsStaleVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := "2026-03-01T09:00:00Z"
	require.NoError(t, r.InsertProject(ctx, nil, domain.Project{
		ID:                         "p1",
		Name:                       "Poster",
		Status:                     "active",
		TotalModificationCount:     3,
		RemainingModificationCount: 3,
		CurrentRevisionNumber:      1,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}))

	first, err := r.GetProject(ctx, nil, "p1")
	require.NoError(t, err)
	stale := first

	first.RemainingModificationCount = 2
	require.NoError(t, r.UpdateProjectLedger(ctx, nil, first))

	stale.RemainingModificationCount = 1
	require.ErrorIs(t, r.UpdateProjectLedger(ctx, nil, stale), repo.ErrConflict)

	got, err := r.GetProject(ctx, nil, "p1")
	require.NoError(t, err)
	require.Equal(t, 2, got.RemainingModificationCount)
	require.Equal(t, first.Version+1, got.Version)
}
