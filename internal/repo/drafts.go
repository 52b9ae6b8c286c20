package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"signoff/internal/domain"
)

const draftColumns = `id,kind,creator_id,rule_key,payload,COALESCE(payload_description,''),payload_digest,status,created_at,expiry`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (domain.Draft, error) {
	var d domain.Draft
	var kind, status, createdAt, expiry string
	err := row.Scan(&d.ID, &kind, &d.CreatorID, &d.RuleKey, &d.Payload, &d.PayloadDescription, &d.PayloadDigest, &status, &createdAt, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Kind = domain.DraftKind(kind)
	d.Status = domain.Status(status)
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, fmt.Errorf("draft %s created_at: %w", d.ID, err)
	}
	if d.Expiry, err = parseTime(expiry); err != nil {
		return d, fmt.Errorf("draft %s expiry: %w", d.ID, err)
	}
	return d, nil
}

func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	if d.ID == "" {
		return errors.New("draft id required")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("invalid draft kind %q", d.Kind)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO drafts(id,kind,creator_id,rule_key,payload,payload_description,payload_digest,status,created_at,expiry)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, string(d.Kind), d.CreatorID, d.RuleKey, d.Payload, nullable(d.PayloadDescription), d.PayloadDigest,
		string(d.Status), formatTime(d.CreatedAt), formatTime(d.Expiry))
	return err
}

func (r Repo) GetDraft(ctx context.Context, id string) (domain.Draft, error) {
	return r.GetDraftTx(ctx, nil, id)
}

func (r Repo) GetDraftTx(ctx context.Context, tx *sql.Tx, id string) (domain.Draft, error) {
	return scanDraft(r.q(tx).QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id))
}

// ListOpenDrafts returns drafts that are not expired and not denied, newest first.
// APPROVED drafts are included: a rule draft whose commit failed is still actionable.
func (r Repo) ListOpenDrafts(ctx context.Context, now time.Time) ([]domain.Draft, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+draftColumns+` FROM drafts
WHERE status IN ('DRAFT','PENDING','APPROVED') AND expiry > ?
ORDER BY created_at DESC, id DESC`, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDraftStatus writes to only if the stored status is still from.
func (r Repo) UpdateDraftStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.Status) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE drafts SET status=? WHERE id=? AND status=?`, string(to), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetDraftTx(ctx, tx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// DeleteDraft removes the draft and, through the foreign key, its votes.
func (r Repo) DeleteDraft(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM drafts WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteDraftsByKind removes every draft of kind and returns the deleted ids.
func (r Repo) DeleteDraftsByKind(ctx context.Context, tx *sql.Tx, kind domain.DraftKind) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM drafts WHERE kind=? ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM drafts WHERE kind=?`, string(kind)); err != nil {
		return nil, err
	}
	return ids, nil
}
