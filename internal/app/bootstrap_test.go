package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/committer"
	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/engine"
	"signoff/internal/migrate"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	signer, err := committer.NewSigner("")
	require.NoError(t, err)
	return engine.New(conn, config.Default(), signer)
}

func TestBootstrapSeedsEmptyStoreOnce(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	res, err := Bootstrap(ctx, e, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RolesSeeded)
	assert.Equal(t, "1.0.0", res.RulesVersion)

	cur, err := e.Repo.CurrentRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, BootstrapDraftID, cur.DraftID)
	assert.NotEmpty(t, cur.Certificate)

	require.NoError(t, e.RevokeRole(ctx, "local-user", "treasurer", "tester"))

	res, err = Bootstrap(ctx, e, "tester")
	require.NoError(t, err)
	assert.Zero(t, res.RolesSeeded)
	assert.Empty(t, res.RulesVersion)

	grants, err := e.ListRoleGrants(ctx, "local-user")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "admin", grants[0].RoleID)
}

func TestInstallRulesRefusesSecondConfiguration(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	doc := []byte("version: \"2.0.0\"\nrules:\n  - key: rules.update\n    threshold: 1\n    roles: [admin]\n")

	version, err := InstallRules(ctx, e, doc, "tester")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", version)

	_, err = InstallRules(ctx, e, doc, "tester")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already installed")

	history, err := e.Repo.RuleHistory(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestInstallRulesRejectsInvalidDocument(t *testing.T) {
	_, err := InstallRules(context.Background(), newEngine(t), []byte("version: nope\nrules: []\n"), "tester")
	require.Error(t, err)
}
