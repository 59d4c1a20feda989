package persistence

import (
	"context"
	"log/slog"
	"time"
)

const (
	writeMaxAttempts  = 3
	writeRetryBackoff = 250 * time.Millisecond
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue serializes session-history writes on one goroutine so the
// protocol loop and the bus consumers never wait on sqlite.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 256
	}

	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
	}
}

// Enqueue never blocks the caller: when the queue is full the hand-off
// moves to a goroutine, trading ordering for liveness.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	cmd := writeCmd{name: name, fn: fn}
	select {
	case w.queue <- cmd:
	default:
		w.logger.Warn("write queue full, spilling to goroutine", "cmd", name)
		go func() { w.queue <- cmd }()
	}
}

func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-w.queue:
				w.runWithRetry(ctx, cmd)
			}
		}
	}()
}

// runWithRetry absorbs transient sqlite busy errors; a write that still
// fails after the retries is logged and dropped, never requeued.
func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	for attempt := 1; ; attempt++ {
		err := cmd.fn(ctx)
		if err == nil {
			return
		}
		if attempt == writeMaxAttempts {
			w.logger.Error("db write dropped", "cmd", cmd.name, "attempts", attempt, "error", err)

			return
		}
		w.logger.Warn("db write failed, retrying", "cmd", cmd.name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * writeRetryBackoff):
		}
	}
}
