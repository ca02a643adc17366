package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"revline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	latest, err := Latest()
	require.NoError(t, err)
	require.Positive(t, latest)

	ctx := context.Background()
	v, err := Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	v, err = Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='modification_requests'`).Scan(&n))
	require.Equal(t, 1, n)
}
