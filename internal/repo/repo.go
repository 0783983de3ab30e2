// Package repo is the record store over SQLite. Every Tx method reads and
// writes through the caller's transaction; passing a nil tx uses the pool.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a stale version or a violated uniqueness rule.
	ErrConflict = errors.New("conflict")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data), nil
}

func unmarshal(data string, v any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
