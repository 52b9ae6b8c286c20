package domain

import "time"

// DraftKind tags the two kinds of change that go through approval.
type DraftKind string

const (
	KindTxSign     DraftKind = "tx_sign"
	KindRuleChange DraftKind = "rule_change"
)

func (k DraftKind) Valid() bool {
	return k == KindTxSign || k == KindRuleChange
}

type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
)

// Open reports whether votes can still change the outcome.
func (s Status) Open() bool {
	return s == StatusDraft || s == StatusPending
}

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// RulesUpdateKey is the rule key whose requirement governs rule_change drafts.
const RulesUpdateKey = "rules.update"

type Draft struct {
	ID                 string    `json:"id"`
	Kind               DraftKind `json:"kind" enum:"tx_sign,rule_change"`
	CreatorID          string    `json:"creator_id"`
	RuleKey            string    `json:"rule_key"`
	Payload            []byte    `json:"payload"`
	PayloadDescription string    `json:"payload_description,omitempty"`
	PayloadDigest      string    `json:"payload_digest"`
	Status             Status    `json:"status" enum:"DRAFT,PENDING,APPROVED,DENIED"`
	CreatedAt          time.Time `json:"created_at"`
	Expiry             time.Time `json:"expiry"`
}

// Expired reports whether the draft is past its expiry at now.
func (d Draft) Expired(now time.Time) bool {
	return !now.Before(d.Expiry)
}

type AuthorizationRecord struct {
	ID            string    `json:"id"`
	DraftID       string    `json:"draft_id"`
	VoterID       string    `json:"voter_id"`
	Rejected      bool      `json:"rejected"`
	Authorization []byte    `json:"authorization,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Tally struct {
	Approvals  int `json:"approvals"`
	Rejections int `json:"rejections"`
}

func (t Tally) Votes() int {
	return t.Approvals + t.Rejections
}

// Requirement is what the role provider reports for a rule key.
type Requirement struct {
	RuleKey       string   `json:"rule_key"`
	EligibleRoles []string `json:"eligible_roles"`
	Threshold     int      `json:"threshold"`
}

// RuleConfiguration is a committed rule set together with its certificate.
type RuleConfiguration struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Payload     []byte    `json:"payload"`
	Certificate []byte    `json:"certificate"`
	DraftID     string    `json:"draft_id,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

type CommitRequest struct {
	DraftID        string
	Kind           DraftKind
	Payload        []byte
	Authorizations [][]byte
}

// Artifact is what a committer returns: the signed artifact and its certificate.
type Artifact struct {
	Artifact    []byte `json:"artifact"`
	Certificate []byte `json:"certificate"`
}

type ArtifactRef struct {
	ID          string    `json:"id"`
	DraftID     string    `json:"draft_id"`
	Kind        DraftKind `json:"kind"`
	Digest      string    `json:"digest"`
	Certificate []byte    `json:"certificate"`
	CommittedAt time.Time `json:"committed_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
