package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"signoff/internal/domain"
)

// InsertVote appends one authorization record. A second record for the same
// draft and voter fails with ErrDuplicateVote and leaves the ledger unchanged.
func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, rec domain.AuthorizationRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO authorization_records(id,draft_id,voter_id,rejected,auth_blob,created_at) VALUES (?,?,?,?,?,?)`,
		rec.ID, rec.DraftID, rec.VoterID, boolInt(rec.Rejected), rec.Authorization, formatTime(rec.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateVote, rec.VoterID, rec.DraftID)
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r Repo) ListVotes(ctx context.Context, draftID string) ([]domain.AuthorizationRecord, error) {
	return r.ListVotesTx(ctx, nil, draftID)
}

// ListVotesTx returns the draft's votes in insertion order.
func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, draftID string) ([]domain.AuthorizationRecord, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,draft_id,voter_id,rejected,auth_blob,created_at
FROM authorization_records WHERE draft_id=? ORDER BY created_at, rowid`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuthorizationRecord
	for rows.Next() {
		var rec domain.AuthorizationRecord
		var rejected int
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.DraftID, &rec.VoterID, &rejected, &rec.Authorization, &createdAt); err != nil {
			return nil, err
		}
		rec.Rejected = rejected != 0
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// TallyTx counts approvals and rejections on a draft. When roles is non-empty
// only votes from actors holding at least one of those roles are counted.
func (r Repo) TallyTx(ctx context.Context, tx *sql.Tx, draftID string, roles []string) (domain.Tally, error) {
	query, args := eligibleVotes(`SELECT COALESCE(SUM(CASE WHEN a.rejected=0 THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN a.rejected<>0 THEN 1 ELSE 0 END),0)
FROM authorization_records a WHERE a.draft_id=?`, draftID, roles)
	var t domain.Tally
	if err := r.q(tx).QueryRowContext(ctx, query, args...).Scan(&t.Approvals, &t.Rejections); err != nil {
		return domain.Tally{}, err
	}
	return t, nil
}

// ApprovalBlobsTx returns the authorization payloads of approving votes, in
// insertion order. Roles filters voters the same way TallyTx does.
func (r Repo) ApprovalBlobsTx(ctx context.Context, tx *sql.Tx, draftID string, roles []string) ([][]byte, error) {
	query, args := eligibleVotes(`SELECT a.auth_blob FROM authorization_records a
WHERE a.draft_id=? AND a.rejected=0`, draftID, roles)
	rows, err := r.q(tx).QueryContext(ctx, query+` ORDER BY a.created_at, a.rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res [][]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func eligibleVotes(query, draftID string, roles []string) (string, []any) {
	args := []any{draftID}
	if len(roles) == 0 {
		return query, args
	}
	query += ` AND EXISTS (SELECT 1 FROM actor_roles ar WHERE ar.actor_id=a.voter_id AND ar.role_id IN (` + placeholders(len(roles)) + `))`
	for _, role := range roles {
		args = append(args, role)
	}
	return query, args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
