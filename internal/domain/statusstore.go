package domain

import (
	"context"
	"encoding/hex"
	"sync"

	"devlink/internal/bus"
	"devlink/internal/events"
)

// StatusStore keeps the latest connection snapshot in memory for front
// ends that poll instead of subscribing to the bus themselves.
type StatusStore struct {
	mu      sync.RWMutex
	status  events.ConnStatus
	device  *Device
	session *Session
	changes chan struct{}
}

func NewStatusStore() *StatusStore {
	return &StatusStore{changes: make(chan struct{}, 1)}
}

// Start consumes bus events until ctx is cancelled.
func (s *StatusStore) Start(ctx context.Context, b bus.MessageBus) {
	sub := b.Subscribe(
		events.TopicConnStatus,
		events.TopicDeviceFound,
		events.TopicDeviceReady,
		events.TopicDeviceGone,
	)
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				s.apply(msg)
			}
		}
	}()
}

func (s *StatusStore) apply(msg any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev := msg.(type) {
	case events.ConnStatus:
		s.status = ev
	case events.DeviceFound:
		s.device = &Device{
			FirmwareID:  hex.EncodeToString(ev.FirmwareID[:]),
			DisplayName: ev.DisplayName,
			FirstSeenAt: ev.Timestamp,
			LastSeenAt:  ev.Timestamp,
		}
	case events.DeviceReady:
		s.session = &Session{
			SessionID:              ev.SessionID,
			StartedAt:              ev.Timestamp,
			MaxBitrate:             ev.Params.MaxBitrate,
			HeartbeatTimeoutMillis: ev.Params.HeartbeatTimeout,
		}
	case events.DeviceGone:
		s.session = nil
	}
	s.notify()
}

func (s *StatusStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Changes signals after every applied event. Single capacity, coalescing.
func (s *StatusStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *StatusStore) Status() events.ConnStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status
}

func (s *StatusStore) Device() *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.device == nil {
		return nil
	}
	d := *s.device

	return &d
}

func (s *StatusStore) Session() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	sess := *s.session

	return &sess
}
