package domain

import "context"

type DeviceRepository interface {
	Upsert(ctx context.Context, d Device) error
	ListSortedByLastSeen(ctx context.Context) ([]Device, error)
}

type SessionRepository interface {
	Start(ctx context.Context, s Session) (int64, error)
	End(ctx context.Context, localID int64, s Session) error
	ListRecent(ctx context.Context, limit int) ([]Session, error)
}

type ConnEventRepository interface {
	Insert(ctx context.Context, e ConnEvent) error
	ListRecent(ctx context.Context, limit int) ([]ConnEvent, error)
}
