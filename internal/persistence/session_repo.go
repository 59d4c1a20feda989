package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"devlink/internal/domain"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Start(ctx context.Context, s domain.Session) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions(session_id, firmware_id, transport_name, started_at, max_bitrate, heartbeat_timeout_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, int64(s.SessionID), s.FirmwareID, s.TransportName, toUnixMillis(s.StartedAt), int64(s.MaxBitrate), int64(s.HeartbeatTimeoutMillis))
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session insert id: %w", err)
	}

	return id, nil
}

func (r *SessionRepo) End(ctx context.Context, localID int64, s domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, end_reason = ? WHERE local_id = ?
	`, toUnixMillis(s.EndedAt), string(s.EndReason), localID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	return nil
}

func (r *SessionRepo) ListRecent(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT local_id, session_id, firmware_id, transport_name, started_at, ended_at, end_reason, max_bitrate, heartbeat_timeout_ms
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var (
			s         domain.Session
			sessionID int64
			startedMs int64
			endedMs   int64
			reason    string
			bitrate   int64
			timeoutMs int64
		)
		if err := rows.Scan(&s.LocalID, &sessionID, &s.FirmwareID, &s.TransportName, &startedMs, &endedMs, &reason, &bitrate, &timeoutMs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.SessionID = uint32(sessionID)
		s.StartedAt = fromUnixMillis(startedMs)
		s.EndedAt = fromUnixMillis(endedMs)
		s.EndReason = domain.SessionEndReason(reason)
		s.MaxBitrate = uint32(bitrate)
		s.HeartbeatTimeoutMillis = uint32(timeoutMs)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return out, nil
}
