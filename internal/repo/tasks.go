package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

const taskColumns = `id,project_id,key,name,COALESCE(description,''),COALESCE(service_type,''),executor,qa_checker,depends_on_json,priority,seq,status,
retry_count,max_revisions,attempts,revisions_json,COALESCE(output,''),qa_score,COALESCE(last_error,''),version,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t               domain.Task
		deps, revisions string
		score           sql.NullFloat64
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Key, &t.Name, &t.Description, &t.ServiceType, &t.Executor, &t.QAChecker, &deps,
		&t.Priority, &t.Seq, &t.Status, &t.RetryCount, &t.MaxRevisions, &t.Attempts, &revisions, &t.Output, &score,
		&t.LastError, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := unmarshal(deps, &t.DependsOn); err != nil {
		return t, err
	}
	if err := unmarshal(revisions, &t.Revisions); err != nil {
		return t, err
	}
	if score.Valid {
		v := score.Float64
		t.QAScore = &v
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	deps, err := marshal(nonNil(t.DependsOn))
	if err != nil {
		return err
	}
	revisions, err := marshal(nonNil(t.Revisions))
	if err != nil {
		return err
	}
	if t.Version == 0 {
		t.Version = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,project_id,key,name,description,service_type,executor,qa_checker,depends_on_json,priority,seq,status,
retry_count,max_revisions,attempts,revisions_json,output,qa_score,last_error,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Key, t.Name, nullable(t.Description), nullable(t.ServiceType), t.Executor, t.QAChecker, deps,
		t.Priority, t.Seq, t.Status, t.RetryCount, t.MaxRevisions, t.Attempts, revisions, nullable(t.Output), nullableFloat(t.QAScore),
		nullable(t.LastError), t.Version, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("task %s exists: %w", t.ID, ErrConflict)
	}
	return err
}

// UpdateTaskTx writes t if the stored version still equals t.Version and
// returns the record at its new version.
func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	revisions, err := marshal(nonNil(t.Revisions))
	if err != nil {
		return t, err
	}
	expected := t.Version
	t.Version = expected + 1
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?,retry_count=?,attempts=?,revisions_json=?,output=?,qa_score=?,last_error=?,version=?,updated_at=?
WHERE id=? AND version=?`,
		t.Status, t.RetryCount, t.Attempts, revisions, nullable(t.Output), nullableFloat(t.QAScore), nullable(t.LastError), t.Version, t.UpdatedAt,
		t.ID, expected)
	if err != nil {
		return t, err
	}
	n, err := affected(res)
	if err != nil {
		return t, err
	}
	if n == 0 {
		if _, err := r.GetTaskTx(ctx, tx, t.ID); err != nil {
			return t, err
		}
		return t, fmt.Errorf("task %s version %d is stale: %w", t.ID, expected, ErrConflict)
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ListTasksTx returns a project's tasks in creation order.
func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Task, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=? ORDER BY seq ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTasksByStatus returns task counts per status across all projects.
func (r Repo) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var (
			status domain.TaskStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
