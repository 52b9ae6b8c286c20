package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/domain"
)

func TestEstimateElectorate(t *testing.T) {
	cases := []struct {
		threshold int
		rate      float64
		want      int
	}{
		{1, 0.7, 2},
		{2, 0.7, 3},
		{3, 0.7, 5},
		{7, 0.7, 10},
		{14, 0.7, 20},
		{5, 1, 5},
		{4, 0.5, 8},
		{3, 0, 5},
		{3, 1.5, 5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EstimateElectorate(tc.threshold, tc.rate), "T=%d r=%v", tc.threshold, tc.rate)
	}
}

func TestEarlyDeny(t *testing.T) {
	p := Policy{Threshold: 3, ResponseRate: DefaultResponseRate}
	require.NoError(t, p.Validate())

	d := p.Evaluate(domain.Tally{Approvals: 2, Rejections: 1})
	assert.Equal(t, domain.StatusPending, d.Status)
	assert.Equal(t, 5, d.Electorate)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, 4, d.BestCase)

	d = p.Evaluate(domain.Tally{Approvals: 2, Rejections: 2})
	assert.Equal(t, domain.StatusPending, d.Status)
	assert.Equal(t, 3, d.BestCase)

	d = p.Evaluate(domain.Tally{Approvals: 2, Rejections: 3})
	assert.Equal(t, domain.StatusDenied, d.Status)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 2, d.BestCase)
}

func TestEarlyApprove(t *testing.T) {
	p := Policy{Threshold: 2}
	d := p.Evaluate(domain.Tally{Approvals: 2, Rejections: 1})
	assert.Equal(t, domain.StatusApproved, d.Status)
}

func TestSingleApprover(t *testing.T) {
	p := Policy{Threshold: 1}
	assert.Equal(t, 2, p.Evaluate(domain.Tally{}).Electorate)
	assert.Equal(t, domain.StatusApproved, p.Evaluate(domain.Tally{Approvals: 1}).Status)
	assert.Equal(t, domain.StatusPending, p.Evaluate(domain.Tally{Rejections: 1}).Status)
	assert.Equal(t, domain.StatusDenied, p.Evaluate(domain.Tally{Rejections: 2}).Status)
}

func TestRemainingClampsAtZero(t *testing.T) {
	p := Policy{Threshold: 3}
	d := p.Evaluate(domain.Tally{Approvals: 1, Rejections: 9})
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 1, d.BestCase)
	assert.Equal(t, domain.StatusDenied, d.Status)
}

func TestKnownElectorate(t *testing.T) {
	p := Policy{Threshold: 3, Electorate: 4}
	assert.Equal(t, domain.StatusPending, p.Evaluate(domain.Tally{Approvals: 2, Rejections: 1}).Status)
	assert.Equal(t, domain.StatusDenied, p.Evaluate(domain.Tally{Approvals: 1, Rejections: 2}).Status)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Policy{Threshold: 0}.Validate(), ErrInvalidThreshold)
	assert.ErrorIs(t, Policy{Threshold: -2}.Validate(), ErrInvalidThreshold)
	assert.ErrorIs(t, Policy{Threshold: 2, ResponseRate: 1.2}.Validate(), ErrInvalidRate)
	assert.ErrorIs(t, Policy{Threshold: 2, ResponseRate: -0.1}.Validate(), ErrInvalidRate)
	assert.Error(t, Policy{Threshold: 2, Electorate: -1}.Validate())
	assert.NoError(t, Policy{Threshold: 2, ResponseRate: 1}.Validate())
}

func TestSufficient(t *testing.T) {
	assert.False(t, Sufficient(2, domain.Tally{Approvals: 1, Rejections: 5}))
	assert.True(t, Sufficient(2, domain.Tally{Approvals: 2, Rejections: 5}))
	assert.False(t, Sufficient(0, domain.Tally{Approvals: 3}))
}
