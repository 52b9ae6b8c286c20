package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
	"signoff/internal/threshold"
)

type VoteInput struct {
	DraftID string
	VoterID string
	Approve bool
	// Authorization is the enclave-issued blob; required for approvals.
	Authorization []byte
}

type VoteResult struct {
	DraftID   string              `json:"draft_id"`
	Kind      domain.DraftKind    `json:"kind"`
	Status    domain.Status       `json:"status"`
	Tally     domain.Tally        `json:"tally"`
	Threshold int                 `json:"threshold,omitempty"`
	Ready     bool                `json:"ready"`
	Committed *domain.ArtifactRef `json:"committed,omitempty"`
}

// Vote records one vote and re-evaluates the draft in the same transaction.
//
// The vote is durable even when the result carries an error: a
// ThresholdLookupError defers evaluation and a CommitError leaves a rule
// draft APPROVED for a later Commit.
func (e Engine) Vote(ctx context.Context, in VoteInput) (res VoteResult, err error) {
	ctx, span := startSpan(ctx, "engine.Vote",
		attribute.String("draft.id", in.DraftID),
		attribute.Bool("vote.approve", in.Approve),
	)
	defer func() { endSpan(span, err) }()

	if in.VoterID == "" {
		return VoteResult{}, fmt.Errorf("%w: voter id is required", ErrInvalidInput)
	}
	if in.Approve && len(in.Authorization) == 0 {
		return VoteResult{}, ErrMissingAuthorization
	}
	if !in.Approve {
		in.Authorization = nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return VoteResult{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDraftTx(ctx, tx, in.DraftID)
	if errors.Is(err, repo.ErrNotFound) {
		return VoteResult{}, fmt.Errorf("%w: %s", ErrDraftNotFound, in.DraftID)
	}
	if err != nil {
		return VoteResult{}, err
	}
	if d.Expired(e.now()) {
		return VoteResult{}, fmt.Errorf("%w: %s expired at %s", ErrDraftExpired, d.ID, d.Expiry.Format(time.RFC3339))
	}
	if d.Kind == domain.KindRuleChange && d.Status.Terminal() {
		return VoteResult{}, fmt.Errorf("%w: %s is %s", ErrDraftClosed, d.ID, d.Status)
	}

	req, lookupErr := e.requirement(ctx, d.RuleKey)
	if lookupErr == nil {
		if err := e.Auth.Require(ctx, tx, in.VoterID, "vote on "+d.RuleKey, req.EligibleRoles); err != nil {
			return VoteResult{}, err
		}
	}

	rec := domain.AuthorizationRecord{
		ID:            uuid.NewString(),
		DraftID:       d.ID,
		VoterID:       in.VoterID,
		Rejected:      !in.Approve,
		Authorization: in.Authorization,
		CreatedAt:     e.now(),
	}
	if err := e.Repo.InsertVote(ctx, tx, rec); err != nil {
		return VoteResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.VoteRecorded, "draft", d.ID, in.VoterID, events.EventPayload{
		"vote_id":  rec.ID,
		"rejected": rec.Rejected,
	}); err != nil {
		return VoteResult{}, err
	}
	meters.add(ctx, meters.votes, attribute.String("draft.kind", string(d.Kind)), attribute.Bool("vote.approve", in.Approve))

	res = VoteResult{DraftID: d.ID, Kind: d.Kind, Status: d.Status}

	if lookupErr != nil {
		tally, err := e.Repo.TallyTx(ctx, tx, d.ID, nil)
		if err != nil {
			return VoteResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return VoteResult{}, err
		}
		res.Tally = tally
		e.log().Warn("vote recorded, evaluation deferred", "draft_id", d.ID, "rule_key", d.RuleKey, "err", lookupErr)
		return res, lookupErr
	}

	tally, err := e.Repo.TallyTx(ctx, tx, d.ID, req.EligibleRoles)
	if err != nil {
		return VoteResult{}, err
	}
	res.Tally = tally
	res.Threshold = req.Threshold

	switch d.Kind {
	case domain.KindRuleChange:
		to := e.resolveGovernance(ctx, tx, req, tally, in.Approve)
		if err := e.setStatus(ctx, tx, d, to, in.VoterID); err != nil {
			return VoteResult{}, err
		}
		res.Status = to
		res.Ready = to == domain.StatusApproved
	case domain.KindTxSign:
		res.Ready = threshold.Sufficient(req.Threshold, tally)
		res.Status = domain.StatusPending
		if res.Ready {
			res.Status = domain.StatusApproved
		}
		if !in.Approve {
			e.log().Warn("signature declined; draft stays open", "draft_id", d.ID, "voter_id", in.VoterID,
				"approvals", tally.Approvals, "threshold", req.Threshold)
		}
	}

	if err := tx.Commit(); err != nil {
		return VoteResult{}, err
	}

	if d.Kind == domain.KindRuleChange && res.Status == domain.StatusApproved {
		ref, err := e.commitRuleDraft(ctx, d.ID, in.VoterID, req.EligibleRoles)
		if err != nil {
			return res, err
		}
		res.Committed = &ref
	}
	return res, nil
}

// resolveGovernance is the rule_change verdict after a vote. A threshold of
// one resolves on the first eligible approval without the electorate estimate.
func (e Engine) resolveGovernance(ctx context.Context, tx *sql.Tx, req domain.Requirement, tally domain.Tally, approve bool) domain.Status {
	if req.Threshold == 1 && approve {
		return domain.StatusApproved
	}
	dec := e.governancePolicy(ctx, tx, req).Evaluate(tally)
	e.log().Debug("governance evaluation", "rule_key", req.RuleKey, "approvals", tally.Approvals,
		"rejections", tally.Rejections, "electorate", dec.Electorate, "best_case", dec.BestCase, "status", dec.Status)
	return dec.Status
}

// setStatus applies a verdict to a rule_change draft. Writing the current
// status again is a no-op.
func (e Engine) setStatus(ctx context.Context, tx *sql.Tx, d domain.Draft, to domain.Status, actorID string) error {
	if d.Status == to {
		return nil
	}
	if err := ensureDraftTransition(d.Status, to); err != nil {
		return err
	}
	if err := e.Repo.UpdateDraftStatus(ctx, tx, d.ID, d.Status, to); err != nil {
		if errors.Is(err, repo.ErrStatusConflict) {
			return IllegalTransitionError{From: d.Status, To: to}
		}
		return err
	}
	if to.Terminal() {
		meters.add(ctx, meters.resolutions, attribute.String("status", string(to)))
	}
	return e.events().Append(ctx, tx, events.DraftStatus, "draft", d.ID, actorID, events.EventPayload{
		"from": d.Status,
		"to":   to,
	})
}

func ensureDraftTransition(from, to domain.Status) error {
	switch from {
	case domain.StatusDraft:
		if to == domain.StatusPending || to == domain.StatusApproved || to == domain.StatusDenied {
			return nil
		}
	case domain.StatusPending:
		if to == domain.StatusApproved || to == domain.StatusDenied {
			return nil
		}
	}
	return IllegalTransitionError{From: from, To: to}
}
