package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/domain"
)

const sampleYAML = `
version: "1.0.0"
rules:
  - key: rules.update
    description: change the rule set
    threshold: 2
    roles: [admin]
  - key: tx.small
    match: 'tx.amount < 1000'
    threshold: 1
    roles: [treasurer, admin]
  - key: tx.large
    match: 'tx.amount >= 1000 && tx.currency == "EUR"'
    threshold: 3
    roles: [treasurer]
`

func TestParseYAML(t *testing.T) {
	set, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", set.Version)
	assert.Len(t, set.Rules, 3)

	req, err := set.Requirement("tx.small")
	require.NoError(t, err)
	assert.Equal(t, 1, req.Threshold)
	assert.Equal(t, []string{"admin", "treasurer"}, req.EligibleRoles)

	_, err = set.Requirement("tx.unknown")
	assert.ErrorIs(t, err, ErrUnknownRule)
}

func TestParseJSON(t *testing.T) {
	doc := `{"version":"2.1.0","rules":[{"key":"rules.update","threshold":1,"roles":["admin"]}]}`
	set, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", set.SemVer().String())
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"not a document":   `[1, 2]`,
		"missing update":   `{"version":"1.0.0","rules":[{"key":"tx.a","threshold":1,"roles":["x"]}]}`,
		"zero threshold":   `{"version":"1.0.0","rules":[{"key":"rules.update","threshold":0,"roles":["x"]}]}`,
		"no roles":         `{"version":"1.0.0","rules":[{"key":"rules.update","threshold":1,"roles":[]}]}`,
		"bad version":      `{"version":"one","rules":[{"key":"rules.update","threshold":1,"roles":["x"]}]}`,
		"duplicate key":    `{"version":"1.0.0","rules":[{"key":"rules.update","threshold":1,"roles":["x"]},{"key":"rules.update","threshold":2,"roles":["x"]}]}`,
		"unknown field":    `{"version":"1.0.0","owner":"me","rules":[{"key":"rules.update","threshold":1,"roles":["x"]}]}`,
		"bad cel":          `{"version":"1.0.0","rules":[{"key":"rules.update","threshold":1,"roles":["x"]},{"key":"tx.a","match":"tx.amount <","threshold":1,"roles":["x"]}]}`,
		"non-boolean cel":  `{"version":"1.0.0","rules":[{"key":"rules.update","threshold":1,"roles":["x"]},{"key":"tx.a","match":"1 + 2","threshold":1,"roles":["x"]}]}`,
		"routed update":    `{"version":"1.0.0","rules":[{"key":"rules.update","match":"true","threshold":1,"roles":["x"]}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidRuleSet)
		})
	}
}

func TestMatch(t *testing.T) {
	set, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	key, err := set.Match(map[string]any{"amount": 250.0, "currency": "EUR"})
	require.NoError(t, err)
	assert.Equal(t, "tx.small", key)

	key, err = set.Match(map[string]any{"amount": 5000, "currency": "EUR"})
	require.NoError(t, err)
	assert.Equal(t, "tx.large", key)

	_, err = set.Match(map[string]any{"amount": 5000, "currency": "USD"})
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = set.Match(map[string]any{"currency": "EUR"})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestCheckUpgrade(t *testing.T) {
	current, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	next, err := Parse([]byte(`{"version":"1.0.1","rules":[{"key":"rules.update","threshold":1,"roles":["admin"]}]}`))
	require.NoError(t, err)
	same, err := Parse([]byte(`{"version":"1.0.0","rules":[{"key":"rules.update","threshold":1,"roles":["admin"]}]}`))
	require.NoError(t, err)

	assert.NoError(t, next.CheckUpgrade(nil))
	assert.NoError(t, next.CheckUpgrade(current))
	assert.ErrorIs(t, same.CheckUpgrade(current), ErrStaleVersion)
	assert.ErrorIs(t, current.CheckUpgrade(next), ErrStaleVersion)
}

func TestCanonicalIsStable(t *testing.T) {
	a, err := Parse([]byte(`{"version":"1.0.0","rules":[{"roles":["admin"],"threshold":1,"key":"rules.update"}]}`))
	require.NoError(t, err)
	b, err := Parse([]byte("version: 1.0.0\nrules:\n  - key: rules.update\n    threshold: 1\n    roles: [admin]\n"))
	require.NoError(t, err)

	ca, err := a.Canonical()
	require.NoError(t, err)
	cb, err := b.Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))

	da, err := Digest(ca)
	require.NoError(t, err)
	assert.Len(t, da, 64)
}

type stubLoader struct {
	cfg   domain.RuleConfiguration
	err   error
	calls int
}

func (s *stubLoader) CurrentRules(context.Context) (domain.RuleConfiguration, error) {
	s.calls++
	return s.cfg, s.err
}

func TestProvider(t *testing.T) {
	ctx := context.Background()
	loader := &stubLoader{cfg: domain.RuleConfiguration{ID: "cfg-1", Payload: []byte(sampleYAML)}}
	p := NewProvider(loader)

	req, err := p.ResolveThreshold(ctx, domain.RulesUpdateKey)
	require.NoError(t, err)
	assert.Equal(t, 2, req.Threshold)

	key, err := p.MatchRule(ctx, []byte(`{"amount": 10}`))
	require.NoError(t, err)
	assert.Equal(t, "tx.small", key)

	_, err = p.MatchRule(ctx, []byte(`not json`))
	assert.Error(t, err)

	loader.err = errors.New("store down")
	_, err = p.ResolveThreshold(ctx, domain.RulesUpdateKey)
	assert.ErrorContains(t, err, "store down")
}
