package persistence

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"

	"devlink/internal/bus"
	"devlink/internal/domain"
	"devlink/internal/events"
)

// Recorder subscribes to the event bus and writes session history to the
// database asynchronously, so database latency never stalls the protocol
// processing loop.
type Recorder struct {
	logger     *slog.Logger
	writer     *WriterQueue
	devices    domain.DeviceRepository
	sessions   domain.SessionRepository
	connEvents domain.ConnEventRepository

	mu            sync.Mutex
	firmwareID    string
	transportName string
	activeLocalID int64
}

func NewRecorder(logger *slog.Logger, writer *WriterQueue, devices domain.DeviceRepository, sessions domain.SessionRepository, connEvents domain.ConnEventRepository) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		logger:     logger.With("component", "recorder"),
		writer:     writer,
		devices:    devices,
		sessions:   sessions,
		connEvents: connEvents,
	}
}

// Start consumes bus events until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context, b bus.MessageBus) {
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
				r.record(msg)
			}
		}
	}()
}

func (r *Recorder) record(msg any) {
	switch ev := msg.(type) {
	case events.ConnStatus:
		e := domain.ConnEvent{
			State:         string(ev.State),
			TransportName: ev.TransportName,
			At:            ev.Timestamp,
		}
		r.mu.Lock()
		r.transportName = ev.TransportName
		r.mu.Unlock()
		r.writer.Enqueue("insert conn event", func(ctx context.Context) error {
			return r.connEvents.Insert(ctx, e)
		})

	case events.DeviceFound:
		d := domain.Device{
			FirmwareID:  hex.EncodeToString(ev.FirmwareID[:]),
			DisplayName: ev.DisplayName,
			FirstSeenAt: ev.Timestamp,
			LastSeenAt:  ev.Timestamp,
		}
		r.mu.Lock()
		r.firmwareID = d.FirmwareID
		r.mu.Unlock()
		r.writer.Enqueue("upsert device", func(ctx context.Context) error {
			return r.devices.Upsert(ctx, d)
		})

	case events.DeviceReady:
		r.mu.Lock()
		firmwareID := r.firmwareID
		transportName := r.transportName
		r.mu.Unlock()
		s := domain.Session{
			SessionID:              ev.SessionID,
			FirmwareID:             firmwareID,
			TransportName:          transportName,
			StartedAt:              ev.Timestamp,
			MaxBitrate:             ev.Params.MaxBitrate,
			HeartbeatTimeoutMillis: ev.Params.HeartbeatTimeout,
		}
		r.writer.Enqueue("start session", func(ctx context.Context) error {
			localID, err := r.sessions.Start(ctx, s)
			if err != nil {
				return err
			}
			r.mu.Lock()
			r.activeLocalID = localID
			r.mu.Unlock()

			return nil
		})

	case events.DeviceGone:
		ended := domain.Session{
			EndedAt:   ev.Timestamp,
			EndReason: classifyEndReason(ev.Reason),
		}
		// The start write runs on the same queue, so by the time this
		// command executes the local id is resolved.
		r.writer.Enqueue("end session", func(ctx context.Context) error {
			r.mu.Lock()
			localID := r.activeLocalID
			r.activeLocalID = 0
			r.mu.Unlock()
			if localID == 0 {
				r.logger.Warn("device gone without a recorded session")

				return nil
			}

			return r.sessions.End(ctx, localID, ended)
		})
	}
}

func classifyEndReason(reason string) domain.SessionEndReason {
	switch reason {
	case "disconnect requested":
		return domain.SessionEndDisconnect
	case "heartbeat timeout":
		return domain.SessionEndTimeout
	case "transport not operational":
		return domain.SessionEndCommFault
	default:
		if reason == "" {
			return domain.SessionEndUnknown
		}

		return domain.SessionEndCommFault
	}
}
