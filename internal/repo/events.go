package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

type EventFilters struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	// After is an exclusive cursor; results are in ascending id order.
	After int64
	Limit int
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{f.After}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e                   domain.Event
			projectID, entityID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.ProjectID = projectID.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
