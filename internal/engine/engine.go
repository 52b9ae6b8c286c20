package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel/attribute"

	"signoff/internal/config"
	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/repo"
	"signoff/internal/rules"
	"signoff/internal/threshold"
)

// RoleProvider supplies the approval requirement for a rule key.
type RoleProvider interface {
	ResolveThreshold(ctx context.Context, ruleKey string) (domain.Requirement, error)
}

// RuleMatcher routes a transaction payload to the rule key that governs it.
type RuleMatcher interface {
	MatchRule(ctx context.Context, payload []byte) (string, error)
}

// Committer produces the signed artifact for an approved draft.
type Committer interface {
	Commit(ctx context.Context, req domain.CommitRequest) (domain.Artifact, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Auth      auth.Service
	Events    events.Writer
	Config    *config.Config
	Rules     *rules.Provider
	Roles     RoleProvider
	Matcher   RuleMatcher
	Committer Committer
	Logger    *slog.Logger
	Now       func() time.Time
}

// New wires an engine whose role provider and matcher read the committed rule
// configuration from db.
func New(db *sql.DB, cfg *config.Config, committer Committer) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	provider := rules.NewProvider(r)
	return Engine{
		DB:        db,
		Repo:      r,
		Auth:      auth.Service{DB: db},
		Events:    events.Writer{},
		Config:    cfg,
		Rules:     provider,
		Roles:     provider,
		Matcher:   provider,
		Committer: committer,
		Logger:    slog.Default(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

type CreateDraftInput struct {
	Kind      domain.DraftKind
	CreatorID string
	Payload   []byte
	// RuleKey pins a tx_sign draft to a rule; empty means route by match expression.
	RuleKey string
}

type DraftRef struct {
	ID      string           `json:"id"`
	Kind    domain.DraftKind `json:"kind"`
	RuleKey string           `json:"rule_key"`
	Digest  string           `json:"payload_digest"`
	Expiry  time.Time        `json:"expiry"`
}

func (e Engine) CreateDraft(ctx context.Context, in CreateDraftInput) (ref DraftRef, err error) {
	ctx, span := startSpan(ctx, "engine.CreateDraft", attribute.String("draft.kind", string(in.Kind)))
	defer func() { endSpan(span, err) }()

	if in.CreatorID == "" {
		return DraftRef{}, fmt.Errorf("%w: creator id is required", ErrInvalidInput)
	}
	if !in.Kind.Valid() {
		return DraftRef{}, fmt.Errorf("%w: kind must be %s or %s", ErrInvalidInput, domain.KindTxSign, domain.KindRuleChange)
	}
	if len(in.Payload) == 0 {
		return DraftRef{}, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}

	var canonical []byte
	var description, ruleKey string
	switch in.Kind {
	case domain.KindRuleChange:
		canonical, description, err = e.prepareRuleChange(ctx, in.Payload)
		ruleKey = domain.RulesUpdateKey
	case domain.KindTxSign:
		canonical, description, ruleKey, err = e.prepareTxSign(ctx, in.Payload, in.RuleKey)
	}
	if err != nil {
		return DraftRef{}, err
	}

	sum := sha256.Sum256(canonical)
	now := e.now()
	d := domain.Draft{
		ID:                 uuid.NewString(),
		Kind:               in.Kind,
		CreatorID:          in.CreatorID,
		RuleKey:            ruleKey,
		Payload:            canonical,
		PayloadDescription: description,
		PayloadDigest:      hex.EncodeToString(sum[:]),
		Status:             domain.StatusDraft,
		CreatedAt:          now,
		Expiry:             now.Add(e.Config.Drafts.Horizon),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DraftRef{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDraft(ctx, tx, d); err != nil {
		return DraftRef{}, fmt.Errorf("insert draft: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.DraftCreated, "draft", d.ID, d.CreatorID, events.EventPayload{
		"kind":     d.Kind,
		"rule_key": d.RuleKey,
		"digest":   d.PayloadDigest,
		"expiry":   d.Expiry.Format(time.RFC3339),
	}); err != nil {
		return DraftRef{}, err
	}
	if err := tx.Commit(); err != nil {
		return DraftRef{}, err
	}
	return DraftRef{ID: d.ID, Kind: d.Kind, RuleKey: d.RuleKey, Digest: d.PayloadDigest, Expiry: d.Expiry}, nil
}

func (e Engine) prepareRuleChange(ctx context.Context, payload []byte) ([]byte, string, error) {
	set, err := rules.Parse(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	current, err := e.currentRuleSet(ctx)
	if err != nil {
		return nil, "", err
	}
	if err := set.CheckUpgrade(current); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	canonical, err := set.Canonical()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return canonical, set.Summary(), nil
}

func (e Engine) prepareTxSign(ctx context.Context, payload []byte, ruleKey string) ([]byte, string, string, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, "", "", fmt.Errorf("%w: transaction must be a JSON object: %v", ErrInvalidPayload, err)
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ruleKey == domain.RulesUpdateKey {
		return nil, "", "", fmt.Errorf("%w: %s governs rule changes only", ErrInvalidInput, domain.RulesUpdateKey)
	}
	if ruleKey == "" {
		ruleKey, err = e.Matcher.MatchRule(ctx, canonical)
		if errors.Is(err, rules.ErrNoMatch) {
			return nil, "", "", ErrNoMatchingRule
		}
		if err != nil {
			return nil, "", "", fmt.Errorf("route transaction: %w", err)
		}
	} else if _, err := e.Roles.ResolveThreshold(ctx, ruleKey); err != nil {
		if errors.Is(err, rules.ErrUnknownRule) {
			return nil, "", "", fmt.Errorf("%w: %s", ErrNoMatchingRule, ruleKey)
		}
		return nil, "", "", err
	}
	return canonical, string(canonical), ruleKey, nil
}

// currentRuleSet returns nil when no configuration has been committed yet.
func (e Engine) currentRuleSet(ctx context.Context) (*rules.Set, error) {
	if e.Rules == nil {
		return nil, nil
	}
	set, err := e.Rules.Current(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return set, err
}

// DraftDetail is a draft with its votes and its evaluated status.
type DraftDetail struct {
	domain.Draft
	StoredStatus    domain.Status                `json:"stored_status"`
	Expired         bool                         `json:"expired"`
	Ready           bool                         `json:"ready"`
	Tally           domain.Tally                 `json:"tally"`
	Requirement     *domain.Requirement          `json:"requirement,omitempty"`
	Decision        *threshold.Decision          `json:"decision,omitempty"`
	EvaluationError string                       `json:"evaluation_error,omitempty"`
	Votes           []domain.AuthorizationRecord `json:"votes"`
}

func (e Engine) GetDraft(ctx context.Context, id string) (DraftDetail, error) {
	d, err := e.Repo.GetDraft(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return DraftDetail{}, fmt.Errorf("%w: %s", ErrDraftNotFound, id)
	}
	if err != nil {
		return DraftDetail{}, err
	}
	detail, err := e.evaluate(ctx, d)
	if err != nil {
		return DraftDetail{}, err
	}
	if detail.Votes, err = e.Repo.ListVotes(ctx, id); err != nil {
		return DraftDetail{}, err
	}
	return detail, nil
}

// evaluate computes the status a caller should see. Expired drafts read as
// DENIED whatever is stored; tx_sign drafts derive their status from the tally.
func (e Engine) evaluate(ctx context.Context, d domain.Draft) (DraftDetail, error) {
	detail := DraftDetail{Draft: d, StoredStatus: d.Status, Expired: d.Expired(e.now())}
	req, lookupErr := e.requirement(ctx, d.RuleKey)
	var roles []string
	if lookupErr == nil {
		detail.Requirement = &req
		roles = req.EligibleRoles
	} else {
		detail.EvaluationError = lookupErr.Error()
	}
	tally, err := e.Repo.TallyTx(ctx, nil, d.ID, roles)
	if err != nil {
		return detail, err
	}
	detail.Tally = tally

	switch d.Kind {
	case domain.KindRuleChange:
		if lookupErr == nil {
			dec := e.governancePolicy(ctx, nil, req).Evaluate(tally)
			detail.Decision = &dec
		}
		detail.Ready = d.Status == domain.StatusApproved
	case domain.KindTxSign:
		switch {
		case lookupErr == nil && threshold.Sufficient(req.Threshold, tally):
			detail.Status = domain.StatusApproved
			detail.Ready = true
		case tally.Votes() > 0:
			detail.Status = domain.StatusPending
		default:
			detail.Status = domain.StatusDraft
		}
	}
	if detail.Expired {
		detail.Status = domain.StatusDenied
		detail.Ready = false
	}
	return detail, nil
}

type DraftSummary struct {
	ID          string           `json:"id"`
	Kind        domain.DraftKind `json:"kind"`
	CreatorID   string           `json:"creator_id"`
	RuleKey     string           `json:"rule_key"`
	Description string           `json:"payload_description"`
	Status      domain.Status    `json:"status"`
	Ready       bool             `json:"ready"`
	Tally       domain.Tally     `json:"tally"`
	Threshold   int              `json:"threshold,omitempty"`
	Expiry      time.Time        `json:"expiry"`
}

// ListOpenDrafts returns drafts that are neither expired, denied nor committed.
func (e Engine) ListOpenDrafts(ctx context.Context) ([]DraftSummary, error) {
	drafts, err := e.Repo.ListOpenDrafts(ctx, e.now())
	if err != nil {
		return nil, err
	}
	out := make([]DraftSummary, 0, len(drafts))
	for _, d := range drafts {
		detail, err := e.evaluate(ctx, d)
		if err != nil {
			return nil, err
		}
		s := DraftSummary{
			ID:          d.ID,
			Kind:        d.Kind,
			CreatorID:   d.CreatorID,
			RuleKey:     d.RuleKey,
			Description: d.PayloadDescription,
			Status:      detail.Status,
			Ready:       detail.Ready,
			Tally:       detail.Tally,
			Expiry:      d.Expiry,
		}
		if detail.Requirement != nil {
			s.Threshold = detail.Requirement.Threshold
		}
		out = append(out, s)
	}
	return out, nil
}

// CancelDraft deletes a draft and its votes. Only the creator may cancel.
// Unknown, committed and denied drafts are left alone without error.
func (e Engine) CancelDraft(ctx context.Context, id, actorID string) (err error) {
	ctx, span := startSpan(ctx, "engine.CancelDraft", attribute.String("draft.id", id))
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDraftTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.CreatorID != actorID {
		return auth.ForbiddenError{Action: "cancel draft (creator only)"}
	}
	if d.Status == domain.StatusDenied {
		return nil
	}
	if _, err := e.Repo.DeleteDraft(ctx, tx, id); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.DraftCanceled, "draft", id, actorID, events.EventPayload{
		"kind":   d.Kind,
		"status": d.Status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// requirement resolves and sanity-checks the requirement for ruleKey.
func (e Engine) requirement(ctx context.Context, ruleKey string) (domain.Requirement, error) {
	if e.Roles == nil {
		return domain.Requirement{}, &ThresholdLookupError{RuleKey: ruleKey, Err: errors.New("no role provider")}
	}
	req, err := e.Roles.ResolveThreshold(ctx, ruleKey)
	if err != nil {
		return domain.Requirement{}, &ThresholdLookupError{RuleKey: ruleKey, Err: err}
	}
	if req.Threshold <= 0 {
		return domain.Requirement{}, &ThresholdLookupError{RuleKey: ruleKey, Err: fmt.Errorf("%w: got %d", threshold.ErrInvalidThreshold, req.Threshold)}
	}
	return req, nil
}

// governancePolicy builds the rule_change evaluation. With exact electorate
// configured the known number of eligible actors replaces the estimate, as
// long as it can still reach the threshold.
func (e Engine) governancePolicy(ctx context.Context, tx *sql.Tx, req domain.Requirement) threshold.Policy {
	p := threshold.Policy{Threshold: req.Threshold, ResponseRate: e.Config.Quorum.ResponseRate}
	if e.Config.Quorum.Electorate != config.ElectorateExact {
		return p
	}
	n, err := e.Auth.CountEligible(ctx, tx, req.EligibleRoles)
	if err != nil {
		e.log().Warn("count eligible voters", "rule_key", req.RuleKey, "err", err)
		return p
	}
	if n >= req.Threshold {
		p.Electorate = n
	}
	return p
}
