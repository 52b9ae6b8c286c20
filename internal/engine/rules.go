package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"signoff/internal/committer"
	"signoff/internal/domain"
	"signoff/internal/repo"
)

// ErrNoRules is returned when no rule configuration has been committed.
var ErrNoRules = errors.New("no rule configuration committed")

func (e Engine) CurrentRules(ctx context.Context) (domain.RuleConfiguration, error) {
	cfg, err := e.Repo.CurrentRules(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return cfg, ErrNoRules
	}
	return cfg, err
}

// VerifyCurrentRules checks the current configuration's certificate against
// its archived artifact and that the artifact carries the stored payload.
func (e Engine) VerifyCurrentRules(ctx context.Context, pub ed25519.PublicKey) (committer.Certificate, error) {
	cfg, err := e.CurrentRules(ctx)
	if err != nil {
		return committer.Certificate{}, err
	}
	ref, artifact, err := e.Repo.GetArtifact(ctx, cfg.DraftID)
	if err != nil {
		return committer.Certificate{}, fmt.Errorf("archived artifact for %s: %w", cfg.DraftID, err)
	}
	cert, err := committer.Verify(pub, artifact, cfg.Certificate)
	if err != nil {
		return cert, err
	}
	if cert.Digest != ref.Digest {
		return cert, fmt.Errorf("%w: archive digest %s differs", committer.ErrBadCertificate, ref.Digest)
	}
	env, err := committer.OpenEnvelope(artifact)
	if err != nil {
		return cert, err
	}
	if committer.DigestOf(env.Payload) != committer.DigestOf(cfg.Payload) {
		return cert, fmt.Errorf("%w: artifact payload does not match configuration %s", committer.ErrBadCertificate, cfg.ID)
	}
	return cert, nil
}
