package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 168*time.Hour, cfg.Drafts.Horizon)
	assert.Equal(t, 0.7, cfg.Quorum.ResponseRate)
	assert.Equal(t, ElectorateEstimate, cfg.Quorum.Electorate)
	assert.Equal(t, []string{"admin", "treasurer"}, cfg.Roles["local-user"])

	rules, err := cfg.BootstrapRules()
	require.NoError(t, err)
	assert.Contains(t, string(rules), "rules.update")
}

func TestFromYAMLDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("roles:\n  alice: [admin]\n"))
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, cfg.Drafts.Horizon)
	assert.Equal(t, 0.7, cfg.Quorum.ResponseRate)

	rules, err := cfg.BootstrapRules()
	require.NoError(t, err)
	assert.Nil(t, rules)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"rate":       "quorum:\n  response_rate: 1.5\n",
		"electorate": "quorum:\n  electorate: everyone\n",
		"role":       "roles:\n  alice: ['']\n",
		"rules":      "rules: [1, 2]\n",
		"webhook":    "webhooks:\n  - url: ftp://example.com\n",
		"horizon":    "drafts:\n  horizon: -1h\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, ElectorateEstimate, cfg.Quorum.Electorate)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "signoff.yml"), []byte("quorum:\n  electorate: exact\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ElectorateExact, cfg.Quorum.Electorate)

	_, err = Load(t.TempDir())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))
}
