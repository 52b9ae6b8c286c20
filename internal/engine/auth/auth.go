package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ForbiddenError indicates the actor lacks a role the action requires.
type ForbiddenError struct {
	Action string
	Roles  []string
}

func (e ForbiddenError) Error() string {
	if len(e.Roles) == 0 {
		return fmt.Sprintf("%s not permitted", e.Action)
	}
	return fmt.Sprintf("%s requires one of roles %s", e.Action, strings.Join(e.Roles, ","))
}

// Service answers role questions backed by SQL.
type Service struct {
	DB *sql.DB
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// ActorHasAnyRole reports whether actorID holds one of roles. An empty role
// list admits every actor.
func (s Service) ActorHasAnyRole(ctx context.Context, tx *sql.Tx, actorID string, roles []string) (bool, error) {
	if actorID == "" {
		return false, errors.New("actor_id required")
	}
	if len(roles) == 0 {
		return true, nil
	}
	args := []any{actorID}
	for _, r := range roles {
		args = append(args, r)
	}
	row := s.q(tx).QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE actor_id=? AND role_id IN (`+placeholders(len(roles))+`) LIMIT 1`, args...)
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// CountEligible returns how many distinct actors hold at least one of roles.
func (s Service) CountEligible(ctx context.Context, tx *sql.Tx, roles []string) (int, error) {
	if len(roles) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(roles))
	for _, r := range roles {
		args = append(args, r)
	}
	var n int
	err := s.q(tx).QueryRowContext(ctx, `SELECT COUNT(DISTINCT actor_id) FROM actor_roles WHERE role_id IN (`+placeholders(len(roles))+`)`, args...).Scan(&n)
	return n, err
}

// Require returns a ForbiddenError when actorID holds none of roles.
func (s Service) Require(ctx context.Context, tx *sql.Tx, actorID, action string, roles []string) error {
	ok, err := s.ActorHasAnyRole(ctx, tx, actorID, roles)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Action: action, Roles: roles}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
