package engine

import (
	"errors"
	"fmt"

	"signoff/internal/domain"
)

var (
	ErrDraftNotFound        = errors.New("draft not found")
	ErrDraftExpired         = errors.New("draft expired")
	ErrDraftClosed          = errors.New("draft already resolved")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrMissingAuthorization = errors.New("approval requires an authorization")
	ErrNoMatchingRule       = errors.New("no rule governs this transaction")
	ErrNotReady             = errors.New("draft has not reached its threshold")
)

// IllegalTransitionError reports a status write that would leave a terminal
// state or move backwards. It indicates a bug, not a client mistake.
type IllegalTransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal draft status transition %s -> %s", e.From, e.To)
}

// ThresholdLookupError means the requirement for a rule key could not be
// resolved. Votes cast while it occurs are recorded but not evaluated.
type ThresholdLookupError struct {
	RuleKey string
	Err     error
}

func (e *ThresholdLookupError) Error() string {
	return fmt.Sprintf("threshold lookup for %s: %v", e.RuleKey, e.Err)
}

func (e *ThresholdLookupError) Unwrap() error { return e.Err }

// CommitError wraps a committer or archive failure. The draft keeps its status
// and can be committed again.
type CommitError struct {
	DraftID string
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit draft %s: %v", e.DraftID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
