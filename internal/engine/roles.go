package engine

import (
	"context"
	"database/sql"
	"fmt"

	"signoff/internal/events"
	"signoff/internal/repo"
)

func (e Engine) GrantRole(ctx context.Context, actorID, roleID, grantedBy string) error {
	if actorID == "" || roleID == "" {
		return fmt.Errorf("%w: actor and role are required", ErrInvalidInput)
	}
	return e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.GrantRole(ctx, tx, actorID, roleID, e.now()); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.RoleGranted, "actor", actorID, grantedBy, events.EventPayload{"role": roleID})
	})
}

// RevokeRole removes a grant. Votes the actor already cast stay recorded but
// stop counting toward tallies.
func (e Engine) RevokeRole(ctx context.Context, actorID, roleID, revokedBy string) error {
	return e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.RevokeRole(ctx, tx, actorID, roleID)
		if err != nil || !ok {
			return err
		}
		return e.events().Append(ctx, tx, events.RoleRevoked, "actor", actorID, revokedBy, events.EventPayload{"role": roleID})
	})
}

func (e Engine) ListRoleGrants(ctx context.Context, actorID string) ([]repo.RoleGrant, error) {
	return e.Repo.ListRoleGrants(ctx, actorID)
}
