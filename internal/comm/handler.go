package comm

import (
	"encoding/binary"
	"log/slog"
	"time"

	"devlink/internal/protocol"
	"devlink/internal/transport"
)

// DefaultResponseTimeout bounds the wait for a response before the link
// parameters have been negotiated.
const DefaultResponseTimeout = time.Second

// rxBuffer accumulates one response frame. The declared payload length is
// unknown until five bytes have arrived and never changes afterwards for
// the lifetime of the frame.
type rxBuffer struct {
	data        []byte
	declaredLen int
}

func (b *rxBuffer) reset() {
	b.data = nil
	b.declaredLen = -1
}

// Handler turns the transport's byte stream into validated responses for
// exactly one outstanding request at a time. It is single-owner: every
// method must be called from the same goroutine that calls Process.
type Handler struct {
	logger    *slog.Logger
	link      transport.Transport
	throttler *Throttler
	clock     Clock

	active  *protocol.Request
	sent    bool
	sentAt  time.Time
	timeout time.Duration

	rx       rxBuffer
	response *protocol.Response
	timedOut bool

	errorCount int

	monitorStart  time.Time
	bytesSent     int64
	bytesReceived int64
}

func NewHandler(logger *slog.Logger, link transport.Transport, throttler *Throttler, clock Clock) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock
	}
	if throttler == nil {
		throttler = NewThrottler(clock)
	}
	h := &Handler{
		logger:    logger.With("component", "comm"),
		link:      link,
		throttler: throttler,
		clock:     clock,
		timeout:   DefaultResponseTimeout,
	}
	h.rx.reset()
	h.monitorStart = clock.Now()

	return h
}

// Throttler exposes the admission controller so the device handler can
// forward the negotiated bitrate ceiling.
func (h *Handler) Throttler() *Throttler {
	return h.throttler
}

// SetResponseTimeout installs the negotiated response deadline.
func (h *Handler) SetResponseTimeout(d time.Duration) {
	if d > 0 {
		h.timeout = d
	}
}

// Send stores req for transmission on an upcoming Process tick, once the
// throttler admits its bandwidth cost.
func (h *Handler) Send(req *protocol.Request) error {
	if h.active != nil {
		return ErrAlreadyInFlight
	}
	h.active = req
	h.sent = false
	h.timedOut = false

	return nil
}

// Waiting reports whether a request is outstanding (queued or in flight).
func (h *Handler) Waiting() bool {
	return h.active != nil
}

// HasResponse reports whether a decoded response is buffered.
func (h *Handler) HasResponse() bool {
	return h.response != nil
}

// GetResponse returns the buffered response and clears the exchange. A
// response can be consumed exactly once.
func (h *Handler) GetResponse() (*protocol.Response, error) {
	if h.response == nil {
		return nil, ErrNoResponse
	}
	resp := h.response
	h.response = nil
	h.active = nil
	h.sent = false

	return resp, nil
}

// HasTimedOut reports whether the outstanding request expired. The caller
// must acknowledge with ClearTimeout; the flag never clears on its own.
func (h *Handler) HasTimedOut() bool {
	return h.timedOut
}

// ClearTimeout acknowledges the timeout and drops the expired request.
func (h *Handler) ClearTimeout() {
	h.timedOut = false
	h.active = nil
	h.sent = false
}

// Reset abandons the current exchange: in-flight request, partial receive
// state, buffered response, and timeout flag.
func (h *Handler) Reset() {
	h.active = nil
	h.sent = false
	h.timedOut = false
	h.response = nil
	h.rx.reset()
}

// Operational reports whether the underlying transport can still move
// bytes.
func (h *Handler) Operational() bool {
	return h.link.Operational()
}

// ErrorCount returns how many malformed or mismatched frames were seen
// since the handler was created.
func (h *Handler) ErrorCount() int {
	return h.errorCount
}

// AverageBitrate returns the measured throughput (both directions, bits
// per second) since the monitor was last reset.
func (h *Handler) AverageBitrate() float64 {
	elapsed := h.clock.Now().Sub(h.monitorStart).Seconds()
	if elapsed <= 0 {
		return 0
	}

	return float64(h.bytesSent+h.bytesReceived) * 8 / elapsed
}

// ResetBitrateMonitor restarts the average bitrate measurement.
func (h *Handler) ResetBitrateMonitor() {
	h.monitorStart = h.clock.Now()
	h.bytesSent = 0
	h.bytesReceived = 0
}

// Process drives one cooperative tick: expire the response timer, attempt
// the pending transmission, then reassemble incoming bytes.
func (h *Handler) Process() {
	h.link.Process()
	h.throttler.Process()
	h.checkTimeout()
	h.attemptSend()
	h.receive()
}

func (h *Handler) checkTimeout() {
	if h.active == nil || !h.sent || h.timedOut || h.response != nil {
		return
	}
	if !h.link.Operational() {
		h.logger.Warn("transport no longer operational, abandoning exchange",
			"command", h.active.Command, "subfunction", h.active.Subfunction)
		h.rx.reset()
		h.timedOut = true

		return
	}
	if h.clock.Now().Sub(h.sentAt) > h.timeout {
		h.logger.Warn("response timed out",
			"command", h.active.Command, "subfunction", h.active.Subfunction,
			"timeout", h.timeout)
		h.rx.reset()
		h.timedOut = true
	}
}

func (h *Handler) attemptSend() {
	if h.active == nil || h.sent || h.timedOut {
		return
	}

	cost := (h.active.EncodedSize() + h.active.ExpectedResponseSize + protocol.ResponseOverhead) * 8
	if !h.throttler.Possible(cost) {
		h.logger.Error("request exceeds bandwidth limit permanently, dropping",
			"command", h.active.Command, "subfunction", h.active.Subfunction, "cost_bits", cost)
		h.rx.reset()
		h.timedOut = true

		return
	}
	if !h.throttler.Allowed(cost) {
		// Stays queued; retried on subsequent ticks.
		return
	}

	frame, err := protocol.EncodeRequest(h.active)
	if err != nil {
		h.logger.Error("encode request failed", "error", err)
		h.rx.reset()
		h.timedOut = true

		return
	}
	if err := h.link.Write(frame); err != nil {
		h.logger.Error("transport write failed, dropping request",
			"command", h.active.Command, "subfunction", h.active.Subfunction, "error", err)
		h.rx.reset()
		h.timedOut = true

		return
	}

	h.throttler.Consume(len(frame) * 8)
	h.bytesSent += int64(len(frame))
	h.sent = true
	h.sentAt = h.clock.Now()
}

func (h *Handler) receive() {
	data, err := h.link.Read()
	if err != nil {
		h.logger.Warn("transport read failed", "error", err)

		return
	}
	if len(data) == 0 {
		return
	}

	// Stray or duplicate bytes with no exchange to match them against
	// are discarded, never buffered.
	if h.active == nil || !h.sent || h.response != nil || h.timedOut {
		h.logger.Debug("discarding unexpected bytes", "count", len(data))

		return
	}

	h.bytesReceived += int64(len(data))
	h.throttler.Consume(len(data) * 8)
	h.rx.data = append(h.rx.data, data...)

	if h.rx.declaredLen < 0 && len(h.rx.data) >= 5 {
		h.rx.declaredLen = int(binary.BigEndian.Uint16(h.rx.data[3:5]))
	}
	if h.rx.declaredLen < 0 {
		return
	}

	frameLen := h.rx.declaredLen + protocol.ResponseOverhead
	if len(h.rx.data) < frameLen {
		return
	}

	frame := h.rx.data[:frameLen]
	resp, err := protocol.DecodeResponse(frame)
	h.rx.reset()
	if err != nil {
		h.errorCount++
		h.logger.Warn("response frame rejected", "error", err)

		return
	}
	if resp.Command != h.active.Command || resp.Subfunction != h.active.Subfunction {
		h.errorCount++
		h.logger.Warn("response does not match in-flight request",
			"got_command", resp.Command, "got_subfunction", resp.Subfunction,
			"want_command", h.active.Command, "want_subfunction", h.active.Subfunction)

		return
	}

	h.response = resp
}
