package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

const projectColumns = `id,COALESCE(deal_id,''),client_json,services_json,COALESCE(requirements_summary,''),COALESCE(due_date,''),cancelled,created_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                domain.Project
		client, services string
	)
	err := row.Scan(&p.ID, &p.DealID, &client, &services, &p.RequirementsSummary, &p.DueDate, &p.Cancelled, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := unmarshal(client, &p.Client); err != nil {
		return p, err
	}
	if err := unmarshal(services, &p.Services); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	client, err := marshal(p.Client)
	if err != nil {
		return err
	}
	services, err := marshal(p.Services)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,deal_id,client_json,services_json,requirements_summary,due_date,cancelled,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, nullable(p.DealID), client, services, nullable(p.RequirementsSummary), nullable(p.DueDate), p.Cancelled, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s exists: %w", p.ID, ErrConflict)
	}
	return err
}

// GetProjectTx returns the project with its tasks and derived status.
func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	p, err := scanProject(r.q(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	p.Tasks, err = r.ListTasksTx(ctx, tx, id)
	if err != nil {
		return p, err
	}
	p.Status = domain.DeriveProjectStatus(p.Cancelled, p.Tasks)
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.GetProjectTx(ctx, nil, id)
}

// ListProjects returns projects without their tasks, newest first.
func (r Repo) ListProjects(ctx context.Context, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for i := range res {
		tasks, err := r.ListTasksTx(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Status = domain.DeriveProjectStatus(res[i].Cancelled, tasks)
	}
	return res, nil
}

func (r Repo) MarkProjectCancelledTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE projects SET cancelled=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}
