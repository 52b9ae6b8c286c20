package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"signoff/internal/committer"
	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
	"signoff/internal/rules"
	"signoff/internal/threshold"
)

// Commit turns a resolved draft into its signed artifact and removes it.
// Rule drafts must be APPROVED; tx_sign drafts must have collected enough
// eligible approvals. The caller must be the creator or an eligible voter.
func (e Engine) Commit(ctx context.Context, id, actorID string) (ref domain.ArtifactRef, err error) {
	ctx, span := startSpan(ctx, "engine.Commit", attribute.String("draft.id", id))
	defer func() { endSpan(span, err) }()

	d, err := e.Repo.GetDraft(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactRef{}, fmt.Errorf("%w: %s", ErrDraftNotFound, id)
	}
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	if d.Expired(e.now()) {
		return domain.ArtifactRef{}, fmt.Errorf("%w: %s", ErrDraftExpired, id)
	}
	req, err := e.requirement(ctx, d.RuleKey)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	if actorID != d.CreatorID {
		if err := e.Auth.Require(ctx, nil, actorID, "commit draft", req.EligibleRoles); err != nil {
			return domain.ArtifactRef{}, err
		}
	}

	switch d.Kind {
	case domain.KindRuleChange:
		status, err := e.reevaluate(ctx, id, actorID, req)
		if err != nil {
			return domain.ArtifactRef{}, err
		}
		if status != domain.StatusApproved {
			return domain.ArtifactRef{}, fmt.Errorf("%w: %s is %s", ErrNotReady, id, status)
		}
		return e.commitRuleDraft(ctx, id, actorID, req.EligibleRoles)
	case domain.KindTxSign:
		tally, err := e.Repo.TallyTx(ctx, nil, id, req.EligibleRoles)
		if err != nil {
			return domain.ArtifactRef{}, err
		}
		if !threshold.Sufficient(req.Threshold, tally) {
			return domain.ArtifactRef{}, fmt.Errorf("%w: %d of %d approvals", ErrNotReady, tally.Approvals, req.Threshold)
		}
		return e.commitTxDraft(ctx, d, actorID, req)
	}
	return domain.ArtifactRef{}, fmt.Errorf("%w: unknown draft kind %q", ErrInvalidInput, d.Kind)
}

// reevaluate recomputes the verdict of an open rule draft from the ledger, so
// votes recorded while the requirement could not be resolved still count.
// It returns the draft's status afterwards.
func (e Engine) reevaluate(ctx context.Context, id, actorID string, req domain.Requirement) (domain.Status, error) {
	var status domain.Status
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		d, err := e.Repo.GetDraftTx(ctx, tx, id)
		if err != nil {
			return err
		}
		status = d.Status
		if d.Status.Terminal() {
			return nil
		}
		tally, err := e.Repo.TallyTx(ctx, tx, id, req.EligibleRoles)
		if err != nil {
			return err
		}
		if tally.Votes() == 0 {
			return nil
		}
		to := e.resolveGovernance(ctx, tx, req, tally, tally.Approvals > 0)
		if err := e.setStatus(ctx, tx, d, to, actorID); err != nil {
			return err
		}
		status = to
		return nil
	})
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrDraftNotFound, id)
	}
	return status, err
}

// commitRuleDraft signs an APPROVED rule draft and, in one transaction,
// installs it as the current configuration, archives the artifact and drops
// every other rule draft. Any failure leaves the prior configuration and the
// draft untouched.
func (e Engine) commitRuleDraft(ctx context.Context, id, actorID string, roles []string) (domain.ArtifactRef, error) {
	d, err := e.Repo.GetDraft(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactRef{}, fmt.Errorf("%w: %s", ErrDraftNotFound, id)
	}
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	set, err := rules.Parse(d.Payload)
	if err != nil {
		return domain.ArtifactRef{}, e.commitFailed(ctx, d, actorID, err)
	}
	blobs, err := e.Repo.ApprovalBlobsTx(ctx, nil, id, roles)
	if err != nil {
		return domain.ArtifactRef{}, e.commitFailed(ctx, d, actorID, err)
	}
	art, err := e.sign(ctx, d, blobs)
	if err != nil {
		return domain.ArtifactRef{}, e.commitFailed(ctx, d, actorID, err)
	}

	ref := domain.ArtifactRef{
		ID:          uuid.NewString(),
		DraftID:     d.ID,
		Kind:        d.Kind,
		Digest:      committer.DigestOf(art.Artifact),
		Certificate: art.Certificate,
		CommittedAt: e.now(),
	}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetDraftTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.StatusApproved {
			return IllegalTransitionError{From: cur.Status, To: domain.StatusApproved}
		}
		prev, err := e.Repo.CurrentRulesTx(ctx, tx)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return err
		default:
			prevSet, err := rules.Parse(prev.Payload)
			if err != nil {
				return fmt.Errorf("current rule configuration %s: %w", prev.ID, err)
			}
			if err := set.CheckUpgrade(prevSet); err != nil {
				return err
			}
		}
		if err := e.Repo.ReplaceRulesTx(ctx, tx, domain.RuleConfiguration{
			ID:          ref.ID,
			Version:     set.Version,
			Payload:     d.Payload,
			Certificate: art.Certificate,
			DraftID:     d.ID,
			CommittedAt: ref.CommittedAt,
		}); err != nil {
			return fmt.Errorf("replace rule configuration: %w", err)
		}
		if err := e.Repo.InsertArtifactTx(ctx, tx, ref, art.Artifact, actorID); err != nil {
			return fmt.Errorf("archive artifact: %w", err)
		}
		deleted, err := e.Repo.DeleteDraftsByKind(ctx, tx, domain.KindRuleChange)
		if err != nil {
			return err
		}
		for _, other := range deleted {
			if other == d.ID {
				continue
			}
			if err := e.events().Append(ctx, tx, events.DraftSuperseded, "draft", other, actorID, events.EventPayload{
				"superseded_by": d.ID,
				"version":       set.Version,
			}); err != nil {
				return err
			}
		}
		if err := e.events().Append(ctx, tx, events.DraftCommitted, "draft", d.ID, actorID, events.EventPayload{
			"artifact_id": ref.ID,
			"digest":      ref.Digest,
		}); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.RulesCommitted, "rules", ref.ID, actorID, events.EventPayload{
			"version":  set.Version,
			"draft_id": d.ID,
		})
	})
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactRef{}, fmt.Errorf("%w: %s", ErrDraftNotFound, d.ID)
	}
	if err != nil {
		var illegal IllegalTransitionError
		if errors.As(err, &illegal) {
			return domain.ArtifactRef{}, err
		}
		return domain.ArtifactRef{}, e.commitFailed(ctx, d, actorID, err)
	}
	meters.add(ctx, meters.commits, attribute.String("draft.kind", string(d.Kind)), attribute.String("outcome", "ok"))
	e.log().Info("rule configuration committed", "draft_id", d.ID, "version", set.Version, "artifact_id", ref.ID)
	return ref, nil
}

// commitTxDraft signs a sufficiently approved transaction, archives it and
// deletes the draft. Sufficiency is checked again under the write lock.
func (e Engine) commitTxDraft(ctx context.Context, d domain.Draft, actorID string, req domain.Requirement) (domain.ArtifactRef, error) {
	blobs, err := e.Repo.ApprovalBlobsTx(ctx, nil, d.ID, req.EligibleRoles)
	if err != nil {
		return domain.ArtifactRef{}, e.commitFailed(ctx, d, actorID, err)
	}
	art, err := e.sign(ctx, d, blobs)
	if err != nil {
		return domain.ArtifactRef{}, e.commitFailed(ctx, d, actorID, err)
	}
	ref := domain.ArtifactRef{
		ID:          uuid.NewString(),
		DraftID:     d.ID,
		Kind:        d.Kind,
		Digest:      committer.DigestOf(art.Artifact),
		Certificate: art.Certificate,
		CommittedAt: e.now(),
	}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetDraftTx(ctx, tx, d.ID); err != nil {
			return err
		}
		tally, err := e.Repo.TallyTx(ctx, tx, d.ID, req.EligibleRoles)
		if err != nil {
			return err
		}
		if !threshold.Sufficient(req.Threshold, tally) {
			return fmt.Errorf("%w: %d of %d approvals", ErrNotReady, tally.Approvals, req.Threshold)
		}
		if err := e.Repo.InsertArtifactTx(ctx, tx, ref, art.Artifact, actorID); err != nil {
			return fmt.Errorf("archive artifact: %w", err)
		}
		if _, err := e.Repo.DeleteDraft(ctx, tx, d.ID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.DraftCommitted, "draft", d.ID, actorID, events.EventPayload{
			"artifact_id": ref.ID,
			"digest":      ref.Digest,
			"rule_key":    d.RuleKey,
		})
	})
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactRef{}, fmt.Errorf("%w: %s", ErrDraftNotFound, d.ID)
	}
	if errors.Is(err, ErrNotReady) {
		return domain.ArtifactRef{}, err
	}
	if err != nil {
		return domain.ArtifactRef{}, e.commitFailed(ctx, d, actorID, err)
	}
	meters.add(ctx, meters.commits, attribute.String("draft.kind", string(d.Kind)), attribute.String("outcome", "ok"))
	e.log().Info("transaction committed", "draft_id", d.ID, "rule_key", d.RuleKey, "artifact_id", ref.ID)
	return ref, nil
}

func (e Engine) sign(ctx context.Context, d domain.Draft, blobs [][]byte) (domain.Artifact, error) {
	if e.Committer == nil {
		return domain.Artifact{}, errors.New("no committer configured")
	}
	return e.Committer.Commit(ctx, domain.CommitRequest{
		DraftID:        d.ID,
		Kind:           d.Kind,
		Payload:        d.Payload,
		Authorizations: blobs,
	})
}

// commitFailed records the failure and returns it as a CommitError. The
// audit write is best effort; the draft itself is not touched.
func (e Engine) commitFailed(ctx context.Context, d domain.Draft, actorID string, cause error) error {
	meters.add(ctx, meters.commits, attribute.String("draft.kind", string(d.Kind)), attribute.String("outcome", "failed"))
	e.log().Error("commit failed", "draft_id", d.ID, "kind", d.Kind, "err", cause)
	if actorID == "" {
		actorID = d.CreatorID
	}
	if err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		return e.events().Append(ctx, tx, events.CommitFailed, "draft", d.ID, actorID, events.EventPayload{
			"error": cause.Error(),
		})
	}); err != nil {
		e.log().Warn("record commit failure", "draft_id", d.ID, "err", err)
	}
	return &CommitError{DraftID: d.ID, Err: cause}
}
