package server

import (
	"encoding/json"
	"time"

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/repo"
	"signoff/internal/threshold"
)

// Request payloads

type CreateDraftRequest struct {
	Kind string `json:"kind" enum:"tx_sign,rule_change"`
	// Payload is a transaction object for tx_sign, or a rule set (object or
	// YAML text) for rule_change.
	Payload any    `json:"payload"`
	RuleKey string `json:"rule_key,omitempty"`
}

type VoteRequest struct {
	Approve       bool   `json:"approve"`
	Authorization []byte `json:"authorization,omitempty" doc:"Base64 enclave authorization; required when approving"`
}

// Response payloads

type DraftResponse struct {
	ID                 string              `json:"id"`
	Kind               domain.DraftKind    `json:"kind"`
	CreatorID          string              `json:"creator_id"`
	RuleKey            string              `json:"rule_key"`
	Payload            json.RawMessage     `json:"payload"`
	PayloadDescription string              `json:"payload_description,omitempty"`
	PayloadDigest      string              `json:"payload_digest"`
	Status             domain.Status       `json:"status"`
	StoredStatus       domain.Status       `json:"stored_status"`
	Expired            bool                `json:"expired"`
	Ready              bool                `json:"ready"`
	Tally              domain.Tally        `json:"tally"`
	Requirement        *domain.Requirement `json:"requirement,omitempty"`
	Decision           *threshold.Decision `json:"decision,omitempty"`
	EvaluationError    string              `json:"evaluation_error,omitempty"`
	Votes              []VoteResponse      `json:"votes"`
	CreatedAt          time.Time           `json:"created_at"`
	Expiry             time.Time           `json:"expiry"`
}

type VoteResponse struct {
	VoterID   string    `json:"voter_id"`
	Approve   bool      `json:"approve"`
	CreatedAt time.Time `json:"created_at"`
}

type ArtifactResponse struct {
	ID          string           `json:"id"`
	DraftID     string           `json:"draft_id"`
	Kind        domain.DraftKind `json:"kind"`
	Digest      string           `json:"digest"`
	Certificate json.RawMessage  `json:"certificate"`
	CommittedAt time.Time        `json:"committed_at"`
}

type VoteResultResponse struct {
	DraftID   string            `json:"draft_id"`
	Kind      domain.DraftKind  `json:"kind"`
	Status    domain.Status     `json:"status"`
	Tally     domain.Tally      `json:"tally"`
	Threshold int               `json:"threshold,omitempty"`
	Ready     bool              `json:"ready"`
	Committed *ArtifactResponse `json:"committed,omitempty"`
}

type RulesResponse struct {
	ID          string          `json:"id"`
	Version     string          `json:"version"`
	DraftID     string          `json:"draft_id,omitempty"`
	Rules       json.RawMessage `json:"rules"`
	Certificate json.RawMessage `json:"certificate"`
	CommittedAt time.Time       `json:"committed_at"`
}

type MeResponse struct {
	ActorID string   `json:"actor_id"`
	Source  string   `json:"source"`
	Roles   []string `json:"roles"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func draftResponse(d engine.DraftDetail) DraftResponse {
	resp := DraftResponse{
		ID:                 d.ID,
		Kind:               d.Kind,
		CreatorID:          d.CreatorID,
		RuleKey:            d.RuleKey,
		Payload:            rawJSON(d.Payload),
		PayloadDescription: d.PayloadDescription,
		PayloadDigest:      d.PayloadDigest,
		Status:             d.Status,
		StoredStatus:       d.StoredStatus,
		Expired:            d.Expired,
		Ready:              d.Ready,
		Tally:              d.Tally,
		Requirement:        d.Requirement,
		Decision:           d.Decision,
		EvaluationError:    d.EvaluationError,
		Votes:              make([]VoteResponse, 0, len(d.Votes)),
		CreatedAt:          d.CreatedAt,
		Expiry:             d.Expiry,
	}
	for _, v := range d.Votes {
		resp.Votes = append(resp.Votes, VoteResponse{VoterID: v.VoterID, Approve: !v.Rejected, CreatedAt: v.CreatedAt})
	}
	return resp
}

func artifactResponse(ref domain.ArtifactRef) ArtifactResponse {
	return ArtifactResponse{
		ID:          ref.ID,
		DraftID:     ref.DraftID,
		Kind:        ref.Kind,
		Digest:      ref.Digest,
		Certificate: rawJSON(ref.Certificate),
		CommittedAt: ref.CommittedAt,
	}
}

func voteResultResponse(res engine.VoteResult) VoteResultResponse {
	out := VoteResultResponse{
		DraftID:   res.DraftID,
		Kind:      res.Kind,
		Status:    res.Status,
		Tally:     res.Tally,
		Threshold: res.Threshold,
		Ready:     res.Ready,
	}
	if res.Committed != nil {
		a := artifactResponse(*res.Committed)
		out.Committed = &a
	}
	return out
}

func rulesResponse(cfg domain.RuleConfiguration) RulesResponse {
	return RulesResponse{
		ID:          cfg.ID,
		Version:     cfg.Version,
		DraftID:     cfg.DraftID,
		Rules:       rawJSON(cfg.Payload),
		Certificate: rawJSON(cfg.Certificate),
		CommittedAt: cfg.CommittedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &resp.Payload)
	}
	return resp
}

func rolesOf(grants []repo.RoleGrant) []string {
	out := make([]string, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.RoleID)
	}
	return out
}

// rawJSON passes stored JSON through; anything else is quoted as a string.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
