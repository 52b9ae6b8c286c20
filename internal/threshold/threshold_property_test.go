package threshold

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"signoff/internal/domain"
)

func TestEvaluateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("an extra approval never turns APPROVED into anything else", prop.ForAll(
		func(threshold, approvals, rejections int) bool {
			p := Policy{Threshold: threshold}
			before := p.Evaluate(domain.Tally{Approvals: approvals, Rejections: rejections})
			after := p.Evaluate(domain.Tally{Approvals: approvals + 1, Rejections: rejections})
			return before.Status != domain.StatusApproved || after.Status == domain.StatusApproved
		},
		gen.IntRange(1, 20), gen.IntRange(0, 30), gen.IntRange(0, 30),
	))

	properties.Property("an extra rejection never turns DENIED into anything else", prop.ForAll(
		func(threshold, approvals, rejections int) bool {
			p := Policy{Threshold: threshold}
			before := p.Evaluate(domain.Tally{Approvals: approvals, Rejections: rejections})
			after := p.Evaluate(domain.Tally{Approvals: approvals, Rejections: rejections + 1})
			return before.Status != domain.StatusDenied || after.Status == domain.StatusDenied
		},
		gen.IntRange(1, 20), gen.IntRange(0, 30), gen.IntRange(0, 30),
	))

	properties.Property("best case never drops below approvals", prop.ForAll(
		func(threshold, approvals, rejections int) bool {
			d := Policy{Threshold: threshold}.Evaluate(domain.Tally{Approvals: approvals, Rejections: rejections})
			return d.Remaining >= 0 && d.BestCase >= approvals
		},
		gen.IntRange(1, 20), gen.IntRange(0, 50), gen.IntRange(0, 50),
	))

	properties.Property("estimate covers the threshold", prop.ForAll(
		func(threshold int) bool {
			n := EstimateElectorate(threshold, DefaultResponseRate)
			return n >= threshold && float64(n-1)*DefaultResponseRate < float64(threshold)
		},
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}
