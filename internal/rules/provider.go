package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"signoff/internal/domain"
)

// Loader reads the rule configuration currently in force.
type Loader interface {
	CurrentRules(ctx context.Context) (domain.RuleConfiguration, error)
}

// Provider answers threshold and routing questions from the committed rule
// configuration. It re-reads the store on every call and caches the parsed
// set by configuration id.
type Provider struct {
	Store Loader

	mu       sync.Mutex
	cachedID string
	cached   *Set
}

func NewProvider(store Loader) *Provider {
	return &Provider{Store: store}
}

// Current returns the parsed current rule set.
func (p *Provider) Current(ctx context.Context) (*Set, error) {
	cfg, err := p.Store.CurrentRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rule configuration: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && p.cachedID == cfg.ID {
		return p.cached, nil
	}
	set, err := Parse(cfg.Payload)
	if err != nil {
		return nil, fmt.Errorf("rule configuration %s: %w", cfg.ID, err)
	}
	p.cachedID, p.cached = cfg.ID, set
	return set, nil
}

func (p *Provider) ResolveThreshold(ctx context.Context, ruleKey string) (domain.Requirement, error) {
	set, err := p.Current(ctx)
	if err != nil {
		return domain.Requirement{}, err
	}
	return set.Requirement(ruleKey)
}

// MatchRule routes a JSON transaction payload to a rule key.
func (p *Provider) MatchRule(ctx context.Context, payload []byte) (string, error) {
	var tx map[string]any
	if err := json.Unmarshal(payload, &tx); err != nil {
		return "", fmt.Errorf("transaction payload must be a JSON object: %w", err)
	}
	set, err := p.Current(ctx)
	if err != nil {
		return "", err
	}
	return set.Match(tx)
}
