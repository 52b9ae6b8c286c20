package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/db"
)

func TestMigrationsAreOrdered(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].Version, ms[i].Version)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ms, err := loadMigrations()
	require.NoError(t, err)
	latest := ms[len(ms)-1].Version

	v, err := MigrateContext(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	v, err = MigrateContext(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	for _, table := range []string{"drafts", "authorization_records", "rule_configurations", "committed_artifacts", "actor_roles", "events"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
