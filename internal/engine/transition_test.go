package engine

import (
	"errors"
	"testing"

	"signoff/internal/domain"
)

func TestEnsureDraftTransition(t *testing.T) {
	legal := []struct{ from, to domain.Status }{
		{domain.StatusDraft, domain.StatusPending},
		{domain.StatusDraft, domain.StatusApproved},
		{domain.StatusDraft, domain.StatusDenied},
		{domain.StatusPending, domain.StatusApproved},
		{domain.StatusPending, domain.StatusDenied},
	}
	for _, tc := range legal {
		if err := ensureDraftTransition(tc.from, tc.to); err != nil {
			t.Fatalf("%s -> %s: %v", tc.from, tc.to, err)
		}
	}
	illegal := []struct{ from, to domain.Status }{
		{domain.StatusPending, domain.StatusDraft},
		{domain.StatusApproved, domain.StatusPending},
		{domain.StatusApproved, domain.StatusDenied},
		{domain.StatusDenied, domain.StatusApproved},
		{domain.StatusDenied, domain.StatusDraft},
	}
	for _, tc := range illegal {
		err := ensureDraftTransition(tc.from, tc.to)
		var ite IllegalTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("%s -> %s: expected IllegalTransitionError, got %v", tc.from, tc.to, err)
		}
	}
}
