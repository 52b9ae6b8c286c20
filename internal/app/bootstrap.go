package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signoff/internal/committer"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/events"
	"signoff/internal/repo"
	"signoff/internal/rules"
)

// BootstrapDraftID marks the rule configuration installed from signoff.yml.
const BootstrapDraftID = "bootstrap"

type BootstrapResult struct {
	RolesSeeded  int    `json:"roles_seeded"`
	RulesVersion string `json:"rules_version,omitempty"`
}

// Bootstrap seeds the role directory and the initial rule configuration from
// the engine's config. Each step only runs against an empty store, so
// restarting never undoes a revoke or a committed rule change.
func Bootstrap(ctx context.Context, e engine.Engine, actorID string) (BootstrapResult, error) {
	var res BootstrapResult
	if actorID == "" {
		actorID = "system"
	}
	n, err := e.Repo.CountGrants(ctx)
	if err != nil {
		return res, err
	}
	if n == 0 {
		for actor, roles := range e.Config.Roles {
			for _, role := range roles {
				if err := e.GrantRole(ctx, actor, role, actorID); err != nil {
					return res, fmt.Errorf("seed role %s for %s: %w", role, actor, err)
				}
				res.RolesSeeded++
			}
		}
	}

	_, err = e.Repo.CurrentRules(ctx)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	doc, err := e.Config.BootstrapRules()
	if err != nil {
		return res, err
	}
	if doc == nil {
		return res, nil
	}
	version, err := InstallRules(ctx, e, doc, actorID)
	if err != nil {
		return res, err
	}
	res.RulesVersion = version
	return res, nil
}

// InstallRules signs doc and makes it the current configuration without a
// vote. It is only for seeding an empty store.
func InstallRules(ctx context.Context, e engine.Engine, doc []byte, actorID string) (string, error) {
	set, err := rules.Parse(doc)
	if err != nil {
		return "", err
	}
	canonical, err := set.Canonical()
	if err != nil {
		return "", err
	}
	if e.Committer == nil {
		return "", errors.New("no committer configured")
	}
	art, err := e.Committer.Commit(ctx, domain.CommitRequest{
		DraftID:        BootstrapDraftID,
		Kind:           domain.KindRuleChange,
		Payload:        canonical,
		Authorizations: [][]byte{[]byte("bootstrap:" + actorID)},
	})
	if err != nil {
		return "", fmt.Errorf("sign bootstrap rules: %w", err)
	}
	clock := e.Now
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()
	ref := domain.ArtifactRef{
		ID:          uuid.NewString(),
		DraftID:     BootstrapDraftID,
		Kind:        domain.KindRuleChange,
		Digest:      committer.DigestOf(art.Artifact),
		Certificate: art.Certificate,
		CommittedAt: now,
	}
	w := events.Writer{Now: clock}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.CurrentRulesTx(ctx, tx); err == nil {
			return errors.New("rule configuration already installed")
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.ReplaceRulesTx(ctx, tx, domain.RuleConfiguration{
			ID:          ref.ID,
			Version:     set.Version,
			Payload:     canonical,
			Certificate: art.Certificate,
			DraftID:     BootstrapDraftID,
			CommittedAt: now,
		}); err != nil {
			return err
		}
		if err := e.Repo.InsertArtifactTx(ctx, tx, ref, art.Artifact, actorID); err != nil {
			return err
		}
		return w.Append(ctx, tx, events.RulesCommitted, "rules", ref.ID, actorID, events.EventPayload{
			"version":  set.Version,
			"draft_id": BootstrapDraftID,
		})
	})
	if err != nil {
		return "", err
	}
	return set.Version, nil
}
