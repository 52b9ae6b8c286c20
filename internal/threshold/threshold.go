// Package threshold decides whether a tally of votes has met, missed or can
// still meet an approval threshold.
//
// Governance drafts use an early-deny rule: the electorate is estimated as
// ceil(T/r) for an assumed response rate r, and a draft is denied as soon as
// approvals plus every vote still expected from that electorate fall short of
// T. Signature drafts only ask whether enough approvals were collected.
package threshold

import (
	"errors"
	"fmt"
	"math"

	"signoff/internal/domain"
)

// DefaultResponseRate is the share of eligible voters assumed to respond.
const DefaultResponseRate = 0.7

// epsilon absorbs float error in T/r, e.g. 7/0.7 = 10.000000000000002.
const epsilon = 1e-9

var (
	ErrInvalidThreshold = errors.New("threshold must be a positive integer")
	ErrInvalidRate      = errors.New("response rate must be in (0, 1]")
)

// EstimateElectorate returns ceil(threshold / rate), never less than threshold.
func EstimateElectorate(threshold int, rate float64) int {
	if rate <= 0 || rate > 1 || math.IsNaN(rate) {
		rate = DefaultResponseRate
	}
	n := int(math.Ceil(float64(threshold)/rate - epsilon))
	if n < threshold {
		n = threshold
	}
	return n
}

// Policy is the governance evaluation for one draft.
type Policy struct {
	Threshold    int
	ResponseRate float64
	// Electorate, when positive, is the known number of eligible voters and
	// replaces the estimate.
	Electorate int
}

func (p Policy) Validate() error {
	if p.Threshold <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidThreshold, p.Threshold)
	}
	if p.ResponseRate != 0 && (p.ResponseRate <= 0 || p.ResponseRate > 1 || math.IsNaN(p.ResponseRate)) {
		return fmt.Errorf("%w: got %v", ErrInvalidRate, p.ResponseRate)
	}
	if p.Electorate < 0 {
		return fmt.Errorf("electorate must not be negative: got %d", p.Electorate)
	}
	return nil
}

func (p Policy) electorate() int {
	if p.Electorate > 0 {
		return p.Electorate
	}
	rate := p.ResponseRate
	if rate == 0 {
		rate = DefaultResponseRate
	}
	return EstimateElectorate(p.Threshold, rate)
}

type Decision struct {
	Status     domain.Status `json:"status"`
	Electorate int           `json:"electorate"`
	Remaining  int           `json:"remaining"`
	BestCase   int           `json:"best_case"`
}

// Evaluate returns APPROVED once approvals reach the threshold, DENIED once
// the threshold is out of reach, and PENDING otherwise. Callers must Validate
// the policy first.
func (p Policy) Evaluate(t domain.Tally) Decision {
	n := p.electorate()
	remaining := n - t.Votes()
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Electorate: n,
		Remaining:  remaining,
		BestCase:   t.Approvals + remaining,
	}
	switch {
	case d.BestCase < p.Threshold:
		d.Status = domain.StatusDenied
	case t.Approvals >= p.Threshold:
		d.Status = domain.StatusApproved
	default:
		d.Status = domain.StatusPending
	}
	return d
}

// Sufficient reports whether a signature draft has collected enough approvals.
// Rejections never count against it.
func Sufficient(threshold int, t domain.Tally) bool {
	return threshold > 0 && t.Approvals >= threshold
}
