package repo

import (
	"context"

	"casebridge/internal/domain"
)

const eventCols = `id,ts,type,COALESCE(project_id,0) AS project_id,COALESCE(entity_kind,'') AS entity_kind,COALESCE(entity_id,'') AS entity_id,COALESCE(actor_id,'') AS actor_id,COALESCE(payload_json,'') AS payload_json`

func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.listEvents(ctx, `SELECT `+eventCols+` FROM events ORDER BY id DESC LIMIT ?`, limit)
}

func (r Repo) ProjectEvents(ctx context.Context, projectID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.listEvents(ctx, `SELECT `+eventCols+` FROM events WHERE project_id=? ORDER BY id DESC LIMIT ?`, projectID, limit)
}

// EventsAfter returns events with id greater than cursor in insertion order.
// Used by the webhook dispatcher to resume from its last delivered event.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listEvents(ctx, `SELECT `+eventCols+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(max(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) listEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
