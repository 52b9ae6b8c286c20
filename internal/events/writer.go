package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	DraftCreated    = "draft.created"
	DraftCanceled   = "draft.canceled"
	DraftStatus     = "draft.status_changed"
	DraftCommitted  = "draft.committed"
	CommitFailed    = "draft.commit_failed"
	DraftSuperseded = "draft.superseded"
	VoteRecorded    = "vote.recorded"
	RulesCommitted  = "rules.committed"
	RoleGranted     = "role.granted"
	RoleRevoked     = "role.revoked"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
