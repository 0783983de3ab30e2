package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

func scanDeal(row rowScanner) (domain.Deal, error) {
	var (
		d       domain.Deal
		state   string
		version int64
	)
	err := row.Scan(&state, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := unmarshal(state, &d); err != nil {
		return d, err
	}
	d.Version = version
	return d, nil
}

func dealState(d domain.Deal) (string, error) {
	d.History = nil
	return marshal(d)
}

// InsertDealTx stores a new deal at version 1. A second open deal for the
// same lead is rejected with ErrConflict.
func (r Repo) InsertDealTx(ctx context.Context, tx *sql.Tx, d domain.Deal) (domain.Deal, error) {
	d.Version = 1
	state, err := dealState(d)
	if err != nil {
		return d, err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO deals(id,lead_id,status,priority,escalated,deadline_at,project_id,state_json,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.LeadID, d.Status, d.Priority, d.Escalated, nullable(d.DeadlineAt), nullable(d.ProjectID), state, d.Version, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return d, fmt.Errorf("lead %s already has an open deal: %w", d.LeadID, ErrConflict)
	}
	return d, err
}

// UpdateDealTx writes d if the stored version still equals d.Version and
// returns the record at its new version.
func (r Repo) UpdateDealTx(ctx context.Context, tx *sql.Tx, d domain.Deal) (domain.Deal, error) {
	expected := d.Version
	d.Version = expected + 1
	state, err := dealState(d)
	if err != nil {
		return d, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE deals SET status=?,priority=?,escalated=?,deadline_at=?,project_id=?,state_json=?,version=?,updated_at=?
WHERE id=? AND version=?`,
		d.Status, d.Priority, d.Escalated, nullable(d.DeadlineAt), nullable(d.ProjectID), state, d.Version, d.UpdatedAt, d.ID, expected)
	if err != nil {
		return d, err
	}
	n, err := affected(res)
	if err != nil {
		return d, err
	}
	if n == 0 {
		if _, err := r.GetDealTx(ctx, tx, d.ID, false); err != nil {
			return d, err
		}
		return d, fmt.Errorf("deal %s version %d is stale: %w", d.ID, expected, ErrConflict)
	}
	return d, nil
}

func (r Repo) GetDeal(ctx context.Context, id string, withHistory bool) (domain.Deal, error) {
	return r.GetDealTx(ctx, nil, id, withHistory)
}

func (r Repo) GetDealTx(ctx context.Context, tx *sql.Tx, id string, withHistory bool) (domain.Deal, error) {
	d, err := scanDeal(r.q(tx).QueryRowContext(ctx, `SELECT state_json,version FROM deals WHERE id=?`, id))
	if err != nil || !withHistory {
		return d, err
	}
	d.History, err = r.DealHistoryTx(ctx, tx, id)
	return d, err
}

// ActiveDealForLeadTx returns the lead's deal that is not closed.
func (r Repo) ActiveDealForLeadTx(ctx context.Context, tx *sql.Tx, leadID string) (domain.Deal, error) {
	return scanDeal(r.q(tx).QueryRowContext(ctx,
		`SELECT state_json,version FROM deals WHERE lead_id=? AND status NOT IN ('closed_won','closed_lost') LIMIT 1`, leadID))
}

type DealFilters struct {
	Status string
	LeadID string
	Limit  int
}

func (r Repo) ListDeals(ctx context.Context, f DealFilters) ([]domain.Deal, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT state_json,version FROM deals WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.LeadID != "" {
		query += ` AND lead_id=?`
		args = append(args, f.LeadID)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, f.Limit)
	return r.queryDeals(ctx, query, args...)
}

// DueDeals returns open, non-escalated deals whose deadline is at or before now.
func (r Repo) DueDeals(ctx context.Context, now string, limit int) ([]domain.Deal, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryDeals(ctx, `SELECT state_json,version FROM deals
WHERE status NOT IN ('closed_won','closed_lost') AND escalated=0 AND deadline_at IS NOT NULL AND deadline_at<=?
ORDER BY deadline_at ASC, id ASC LIMIT ?`, now, limit)
}

func (r Repo) queryDeals(ctx context.Context, query string, args ...any) ([]domain.Deal, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// AppendHistoryTx stores history entries in order.
func (r Repo) AppendHistoryTx(ctx context.Context, tx *sql.Tx, dealID string, entries []domain.HistoryEntry) error {
	for _, e := range entries {
		var payload any
		if len(e.Payload) > 0 {
			data, err := marshal(e.Payload)
			if err != nil {
				return err
			}
			payload = data
		}
		if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO deal_history(deal_id,step,seq,kind,from_status,to_status,note,payload_json,at) VALUES (?,?,?,?,?,?,?,?,?)`,
			dealID, e.Step, e.Seq, e.Kind, nullable(string(e.From)), nullable(string(e.To)), nullable(e.Note), payload, e.At); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) DealHistoryTx(ctx context.Context, tx *sql.Tx, dealID string) ([]domain.HistoryEntry, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT step,seq,kind,COALESCE(from_status,''),COALESCE(to_status,''),COALESCE(note,''),COALESCE(payload_json,''),at
FROM deal_history WHERE deal_id=? ORDER BY step ASC, id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var (
			e       domain.HistoryEntry
			payload string
		)
		if err := rows.Scan(&e.Step, &e.Seq, &e.Kind, &e.From, &e.To, &e.Note, &payload, &e.At); err != nil {
			return nil, err
		}
		if err := unmarshal(payload, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
