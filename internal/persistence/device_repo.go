package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"devlink/internal/domain"
)

type DeviceRepo struct {
	db *sql.DB
}

func NewDeviceRepo(db *sql.DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

func (r *DeviceRepo) Upsert(ctx context.Context, d domain.Device) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices(firmware_id, display_name, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(firmware_id) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen_at = excluded.last_seen_at
	`, d.FirmwareID, d.DisplayName, toUnixMillis(d.FirstSeenAt), toUnixMillis(d.LastSeenAt))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}

	return nil
}

func (r *DeviceRepo) ListSortedByLastSeen(ctx context.Context) ([]domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT firmware_id, display_name, first_seen_at, last_seen_at
		FROM devices
		ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		var (
			d       domain.Device
			firstMs int64
			lastMs  int64
		)
		if err := rows.Scan(&d.FirmwareID, &d.DisplayName, &firstMs, &lastMs); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.FirstSeenAt = fromUnixMillis(firstMs)
		d.LastSeenAt = fromUnixMillis(lastMs)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	return out, nil
}
