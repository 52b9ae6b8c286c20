// Package committer turns an approved draft and its collected authorizations
// into a signed artifact. Signing uses a local ed25519 key; the certificate
// binds the digest of the canonical artifact to that key.
package committer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"signoff/internal/domain"
)

const Algorithm = "ed25519"

var (
	ErrNoAuthorizations = errors.New("commit requires at least one authorization")
	ErrBadCertificate   = errors.New("certificate does not verify")
)

// Envelope is the signed artifact body.
type Envelope struct {
	DraftID        string           `json:"draft_id"`
	Kind           domain.DraftKind `json:"kind"`
	Payload        json.RawMessage  `json:"payload"`
	Authorizations []string         `json:"authorizations"`
}

type Certificate struct {
	Algorithm string    `json:"alg"`
	KeyID     string    `json:"key_id"`
	Digest    string    `json:"digest"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

type Signer struct {
	Key ed25519.PrivateKey
	Now func() time.Time
}

// NewSigner derives a signer from a 32-byte seed, hex or base64 encoded.
// An empty seed generates a fresh key.
func NewSigner(seed string) (*Signer, error) {
	if seed == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &Signer{Key: priv}, nil
	}
	raw, err := hex.DecodeString(seed)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(seed)
		if err != nil {
			return nil, errors.New("signing key must be hex or base64")
		}
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(raw))
	}
	return &Signer{Key: ed25519.NewKeyFromSeed(raw)}, nil
}

func (s *Signer) Public() ed25519.PublicKey {
	return s.Key.Public().(ed25519.PublicKey)
}

// KeyID is the first 16 hex chars of the public key's SHA-256.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Commit builds the canonical artifact envelope and signs its digest.
func (s *Signer) Commit(ctx context.Context, req domain.CommitRequest) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}
	if len(req.Authorizations) == 0 {
		return domain.Artifact{}, ErrNoAuthorizations
	}
	if !json.Valid(req.Payload) {
		return domain.Artifact{}, errors.New("payload must be JSON")
	}
	env := Envelope{DraftID: req.DraftID, Kind: req.Kind, Payload: req.Payload}
	for _, a := range req.Authorizations {
		env.Authorizations = append(env.Authorizations, base64.StdEncoding.EncodeToString(a))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return domain.Artifact{}, err
	}
	artifact, err := jcs.Transform(data)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("canonicalize artifact: %w", err)
	}
	digest := sha256.Sum256(artifact)
	cert := Certificate{
		Algorithm: Algorithm,
		KeyID:     KeyID(s.Public()),
		Digest:    hex.EncodeToString(digest[:]),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(s.Key, digest[:])),
		SignedAt:  s.now(),
	}
	certJSON, err := json.Marshal(cert)
	if err != nil {
		return domain.Artifact{}, err
	}
	return domain.Artifact{Artifact: artifact, Certificate: certJSON}, nil
}

// Verify checks that cert signs artifact under pub and returns the decoded certificate.
func Verify(pub ed25519.PublicKey, artifact, certJSON []byte) (Certificate, error) {
	var cert Certificate
	if err := json.Unmarshal(certJSON, &cert); err != nil {
		return cert, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	if cert.Algorithm != Algorithm {
		return cert, fmt.Errorf("%w: unsupported algorithm %q", ErrBadCertificate, cert.Algorithm)
	}
	if cert.KeyID != KeyID(pub) {
		return cert, fmt.Errorf("%w: key id %s does not match %s", ErrBadCertificate, cert.KeyID, KeyID(pub))
	}
	digest := sha256.Sum256(artifact)
	if hex.EncodeToString(digest[:]) != cert.Digest {
		return cert, fmt.Errorf("%w: digest mismatch", ErrBadCertificate)
	}
	sig, err := base64.StdEncoding.DecodeString(cert.Signature)
	if err != nil {
		return cert, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	if !ed25519.Verify(pub, digest[:], sig) {
		return cert, ErrBadCertificate
	}
	return cert, nil
}

// OpenEnvelope decodes an artifact produced by Commit.
func OpenEnvelope(artifact []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(artifact, &env)
	return env, err
}

// DigestOf returns the hex SHA-256 of b.
func DigestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
