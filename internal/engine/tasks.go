package engine

import (
	"context"
	"database/sql"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/events"
	"github.com/canukguy1974/franky-ai/internal/scheduler"
)

// taskStore gives the runner transactional, versioned access to tasks.
type taskStore struct {
	e Engine
}

func (s taskStore) LoadProject(ctx context.Context, id string) (domain.Project, error) {
	return s.e.Repo.GetProject(ctx, id)
}

// UpdateTask applies mutate to the task if it is still in status from and
// records the transition in the same transaction.
func (s taskStore) UpdateTask(ctx context.Context, id string, from domain.TaskStatus, mutate func(*domain.Task) error) (domain.Task, error) {
	e := s.e
	var out domain.Task
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != from {
			return domain.StateError{Entity: "task", ID: id, From: string(t.Status), Event: "update from " + string(from)}
		}
		if err := mutate(&t); err != nil {
			return err
		}
		t.UpdatedAt = e.stamp()
		if t, err = e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
			return err
		}
		out = t
		if t.Status == from {
			return nil
		}
		payload := events.EventPayload{"from": from, "to": t.Status}
		if t.LastError != "" {
			payload["reason"] = t.LastError
		}
		if t.QAScore != nil {
			payload["qa_score"] = *t.QAScore
		}
		if t.RetryCount > 0 {
			payload["retry_count"] = t.RetryCount
		}
		return e.events().Append(ctx, tx, events.TaskTransitioned, t.ProjectID, events.KindTask, t.ID, "", payload)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

// ResetTask returns a failed, blocked or escalated task to pending with its
// counters cleared. Dependents blocked only because of it become pending too.
func (e Engine) ResetTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	var out domain.Task
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		switch t.Status {
		case domain.TaskFailed, domain.TaskBlocked, domain.TaskEscalated:
		default:
			return domain.StateError{Entity: "task", ID: id, From: string(t.Status), Event: "reset"}
		}
		from := t.Status
		t.Status = domain.TaskPending
		t.RetryCount = 0
		t.Attempts = 0
		t.LastError = ""
		t.QAScore = nil
		t.UpdatedAt = e.stamp()
		if t, err = e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.TaskReset, t.ProjectID, events.KindTask, t.ID, actorID, events.EventPayload{"from": from}); err != nil {
			return err
		}
		out = t
		return e.unblockTx(ctx, tx, t.ProjectID, actorID)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// ResolveTaskEscalation records a human decision on an escalated task:
// approval accepts the output as is, rejection fails the task.
func (e Engine) ResolveTaskEscalation(ctx context.Context, id string, approve bool, note, actorID string) (domain.Task, error) {
	var out domain.Task
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskEscalated {
			return domain.StateError{Entity: "task", ID: id, From: string(t.Status), Event: "resolve"}
		}
		to := domain.TaskFailed
		if approve {
			to = domain.TaskAccepted
		}
		if err := scheduler.CheckTransition(id, t.Status, to); err != nil {
			return err
		}
		t.Status = to
		if approve {
			t.LastError = ""
		} else if note != "" {
			t.LastError = note
		}
		t.UpdatedAt = e.stamp()
		if t, err = e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.TaskResolved, t.ProjectID, events.KindTask, t.ID, actorID, events.EventPayload{
			"approved": approve,
			"note":     note,
			"to":       to,
		}); err != nil {
			return err
		}
		out = t
		if !approve {
			return nil
		}
		return e.unblockTx(ctx, tx, t.ProjectID, actorID)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// unblockTx moves blocked tasks whose dependencies no longer stop them back
// to pending.
func (e Engine) unblockTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) error {
	tasks, err := e.Repo.ListTasksTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	g, err := scheduler.FromTasks(tasks)
	if err != nil {
		return err
	}
	status := make(map[string]domain.TaskStatus, len(tasks))
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
		byID[t.ID] = t
	}
	now := e.stamp()
	for _, id := range scheduler.Unblockable(g, status) {
		t := byID[id]
		t.Status = domain.TaskPending
		t.LastError = ""
		t.UpdatedAt = now
		if _, err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.TaskTransitioned, projectID, events.KindTask, id, actorID, events.EventPayload{
			"from": domain.TaskBlocked, "to": domain.TaskPending,
		}); err != nil {
			return err
		}
	}
	return nil
}
