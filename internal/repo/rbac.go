package repo

import (
	"context"
	"database/sql"
	"time"
)

func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, actorID, roleID string, now time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id, created_at) VALUES (?,?,?)`, actorID, roleID, formatTime(now))
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type RoleGrant struct {
	ActorID   string `json:"actor_id"`
	RoleID    string `json:"role_id"`
	CreatedAt string `json:"created_at"`
}

// ListRoleGrants returns every grant, optionally filtered to one actor.
func (r Repo) ListRoleGrants(ctx context.Context, actorID string) ([]RoleGrant, error) {
	query := `SELECT actor_id, role_id, created_at FROM actor_roles`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY actor_id, role_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RoleGrant
	for rows.Next() {
		var g RoleGrant
		if err := rows.Scan(&g.ActorID, &g.RoleID, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) CountGrants(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actor_roles`).Scan(&n)
	return n, err
}
