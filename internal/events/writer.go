// Package events appends to the event log inside the caller's transaction,
// so a state change and its event commit or roll back together.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	LeadScored       = "lead.scored"
	LeadRescored     = "lead.rescored"
	DealOpened       = "deal.opened"
	DealEventApplied = "deal.event_applied"
	DealEscalated    = "deal.escalated"
	DealCommSent     = "deal.comm_sent"
	DealCommFailed   = "deal.comm_failed"
	ProjectCreated   = "project.created"
	ProjectCancelled = "project.cancelled"
	TaskTransitioned = "task.transitioned"
	TaskReset        = "task.reset"
	TaskResolved     = "task.escalation_resolved"
	APIKeyCreated    = "apikey.created"
)

// Entity kinds.
const (
	KindLead    = "lead"
	KindDeal    = "deal"
	KindProject = "project"
	KindTask    = "task"
	KindAPIKey  = "api_key"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
