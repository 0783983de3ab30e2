package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

const leadColumns = `id,business_name,COALESCE(industry,''),contact_json,signals_json,score,classification,breakdown_json,warnings_json,version,created_at,scored_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (domain.Lead, error) {
	var (
		l                                     domain.Lead
		contact, signals, breakdown, warnings string
	)
	err := row.Scan(&l.ID, &l.BusinessName, &l.Industry, &contact, &signals, &l.Score, &l.Classification,
		&breakdown, &warnings, &l.Version, &l.CreatedAt, &l.ScoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	for _, f := range []struct {
		data string
		dst  any
	}{{contact, &l.Contact}, {signals, &l.Signals}, {breakdown, &l.Breakdown}, {warnings, &l.Warnings}} {
		if err := unmarshal(f.data, f.dst); err != nil {
			return l, err
		}
	}
	return l, nil
}

// UpsertLeadTx inserts a lead or replaces an existing one, bumping its version.
func (r Repo) UpsertLeadTx(ctx context.Context, tx *sql.Tx, l domain.Lead) (domain.Lead, error) {
	contact, err := marshal(l.Contact)
	if err != nil {
		return l, err
	}
	signals, err := marshal(l.Signals)
	if err != nil {
		return l, err
	}
	breakdown, err := marshal(l.Breakdown)
	if err != nil {
		return l, err
	}
	warnings, err := marshal(l.Warnings)
	if err != nil {
		return l, err
	}
	existing, err := r.GetLeadTx(ctx, tx, l.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		l.Version = 1
		_, err = r.q(tx).ExecContext(ctx, `INSERT INTO leads(id,business_name,industry,contact_json,signals_json,score,classification,breakdown_json,warnings_json,version,created_at,scored_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			l.ID, l.BusinessName, nullable(l.Industry), contact, signals, l.Score, l.Classification, breakdown, warnings, l.Version, l.CreatedAt, l.ScoredAt)
		return l, err
	case err != nil:
		return l, err
	}
	l.Version = existing.Version + 1
	l.CreatedAt = existing.CreatedAt
	res, err := r.q(tx).ExecContext(ctx, `UPDATE leads SET business_name=?,industry=?,contact_json=?,signals_json=?,score=?,classification=?,breakdown_json=?,warnings_json=?,version=?,scored_at=?
WHERE id=? AND version=?`,
		l.BusinessName, nullable(l.Industry), contact, signals, l.Score, l.Classification, breakdown, warnings, l.Version, l.ScoredAt,
		l.ID, existing.Version)
	if err != nil {
		return l, err
	}
	if n, err := affected(res); err != nil {
		return l, err
	} else if n == 0 {
		return l, ErrConflict
	}
	return l, nil
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	return r.GetLeadTx(ctx, nil, id)
}

func (r Repo) GetLeadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lead, error) {
	return scanLead(r.q(tx).QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
}

// ListLeads returns leads by descending score, optionally filtered by classification.
func (r Repo) ListLeads(ctx context.Context, classification string, limit int) ([]domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + leadColumns + ` FROM leads`
	var args []any
	if classification != "" {
		query += ` WHERE classification=?`
		args = append(args, classification)
	}
	query += ` ORDER BY score DESC, id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
