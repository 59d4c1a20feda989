package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"devlink/internal/domain"
)

type ConnEventRepo struct {
	db *sql.DB
}

func NewConnEventRepo(db *sql.DB) *ConnEventRepo {
	return &ConnEventRepo{db: db}
}

func (r *ConnEventRepo) Insert(ctx context.Context, e domain.ConnEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conn_events(state, transport_name, at) VALUES (?, ?, ?)
	`, e.State, e.TransportName, toUnixMillis(e.At))
	if err != nil {
		return fmt.Errorf("insert conn event: %w", err)
	}

	return nil
}

func (r *ConnEventRepo) ListRecent(ctx context.Context, limit int) ([]domain.ConnEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT local_id, state, transport_name, at
		FROM conn_events
		ORDER BY at DESC, local_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conn events: %w", err)
	}
	defer rows.Close()

	var out []domain.ConnEvent
	for rows.Next() {
		var (
			e    domain.ConnEvent
			atMs int64
		)
		if err := rows.Scan(&e.LocalID, &e.State, &e.TransportName, &atMs); err != nil {
			return nil, fmt.Errorf("scan conn event: %w", err)
		}
		e.At = fromUnixMillis(atMs)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conn events: %w", err)
	}

	return out, nil
}
