package repo

import (
	"context"

	"signoff/internal/domain"
)

type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	AfterID    int64
	Limit      int
}

// ListEvents returns events matching f. With AfterID set results are ascending
// (cursor mode); otherwise the latest events come first.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, f.EntityID)
	}
	if f.AfterID > 0 {
		query += ` AND id>? ORDER BY id ASC LIMIT ?`
		args = append(args, f.AfterID, f.Limit)
	} else {
		query += ` ORDER BY id DESC LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.EntityKind, &ev.EntityID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
