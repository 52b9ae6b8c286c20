package repo

import (
	"context"
	"database/sql"
	"errors"

	"signoff/internal/domain"
)

// InsertArtifactTx archives a committed artifact.
func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef, artifact []byte, committedBy string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO committed_artifacts(id,draft_id,kind,digest,artifact,certificate,committed_by,committed_at)
VALUES (?,?,?,?,?,?,?,?)`, ref.ID, ref.DraftID, string(ref.Kind), ref.Digest, artifact, ref.Certificate, committedBy, formatTime(ref.CommittedAt))
	return err
}

// GetArtifact returns the archive entry for a draft together with the artifact bytes.
func (r Repo) GetArtifact(ctx context.Context, draftID string) (domain.ArtifactRef, []byte, error) {
	var ref domain.ArtifactRef
	var kind, committedAt string
	var artifact []byte
	err := r.DB.QueryRowContext(ctx, `SELECT id,draft_id,kind,digest,artifact,certificate,committed_at
FROM committed_artifacts WHERE draft_id=? ORDER BY committed_at DESC LIMIT 1`, draftID).
		Scan(&ref.ID, &ref.DraftID, &kind, &ref.Digest, &artifact, &ref.Certificate, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ref, nil, ErrNotFound
	}
	if err != nil {
		return ref, nil, err
	}
	ref.Kind = domain.DraftKind(kind)
	ref.CommittedAt, err = parseTime(committedAt)
	return ref, artifact, err
}

func (r Repo) ListArtifacts(ctx context.Context, kind domain.DraftKind, limit int) ([]domain.ArtifactRef, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,draft_id,kind,digest,certificate,committed_at FROM committed_artifacts`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY committed_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactRef
	for rows.Next() {
		var ref domain.ArtifactRef
		var k, committedAt string
		if err := rows.Scan(&ref.ID, &ref.DraftID, &k, &ref.Digest, &ref.Certificate, &committedAt); err != nil {
			return nil, err
		}
		ref.Kind = domain.DraftKind(k)
		if ref.CommittedAt, err = parseTime(committedAt); err != nil {
			return nil, err
		}
		res = append(res, ref)
	}
	return res, rows.Err()
}
