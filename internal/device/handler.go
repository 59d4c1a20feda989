package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devlink/internal/bus"
	"devlink/internal/comm"
	"devlink/internal/events"
	"devlink/internal/protocol"
)

const (
	// DiscoverInterval is the pace of Discover probes while searching.
	DiscoverInterval = 500 * time.Millisecond
	// DeviceGoneTimeout is how long a found device may stay silent during
	// discovery before it is considered gone.
	DeviceGoneTimeout = 3 * time.Second
	// ConnectBusyRetryDelay is the backoff after the device answers Busy.
	ConnectBusyRetryDelay = time.Second
	// heartbeatFraction keeps the heartbeat pace safely inside the
	// negotiated timeout.
	heartbeatFraction = 0.4

	// fatalErrorThreshold is how many malformed frames within one session
	// force a full reconnect.
	fatalErrorThreshold = 5
)

// Request priorities on the dispatcher. Liveness traffic outranks
// application reads and writes.
const (
	PriorityHeartbeat = 100
	PriorityHandshake = 90
	PriorityUser      = 10
)

// DeviceInfo is the identity learned during discovery.
type DeviceInfo struct {
	FirmwareID  [protocol.FirmwareIDSize]byte
	DisplayName string
}

// session is the negotiated state of one Connect exchange.
type session struct {
	id     uint32
	params protocol.CommParams
}

// Handler is the top-level connection state machine. It owns the comm
// handler and the dispatcher, drives discovery, connection, handshake and
// keep-alive, and reconnects from scratch whenever the device disappears.
// Single-owner: all methods run on the goroutine that calls Process.
type Handler struct {
	logger     *slog.Logger
	comm       *comm.Handler
	dispatcher *comm.Dispatcher
	clock      comm.Clock
	bus        bus.MessageBus

	transportName    string
	discoverInterval time.Duration

	state       events.ConnectionState
	active      *comm.PendingRequest
	deviceInfo  *DeviceInfo
	session     *session
	goneWasSent bool

	lastDiscoverAt  time.Time
	deviceLastSeen  time.Time
	connectHoldoff  time.Time
	lastHeartbeatAt time.Time
	heartbeatSeenAt time.Time

	challenge      uint16
	errorsAtReset  int
	handshakeStage int

	disconnectMu        sync.Mutex
	disconnectRequested bool
	disconnectCallback  func()
}

func NewHandler(logger *slog.Logger, commHandler *comm.Handler, dispatcher *comm.Dispatcher, clock comm.Clock, messageBus bus.MessageBus, transportName string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = comm.SystemClock
	}
	if dispatcher == nil {
		dispatcher = comm.NewDispatcher(logger)
	}

	return &Handler{
		logger:           logger.With("component", "device"),
		comm:             commHandler,
		dispatcher:       dispatcher,
		clock:            clock,
		bus:              messageBus,
		transportName:    transportName,
		discoverInterval: DiscoverInterval,
		state:            events.ConnectionStateInit,
	}
}

// SetDiscoverInterval overrides the pace of Discover probes. Non-positive
// values keep the default.
func (h *Handler) SetDiscoverInterval(d time.Duration) {
	if d > 0 {
		h.discoverInterval = d
	}
}

// ConnectionStatus returns the current state of the connection FSM.
func (h *Handler) ConnectionStatus() events.ConnectionState {
	return h.state
}

// DeviceInfo returns the identity of the discovered device, or nil before
// discovery succeeds.
func (h *Handler) DeviceInfo() *DeviceInfo {
	return h.deviceInfo
}

// SessionID returns the active session id, or zero when no session exists.
func (h *Handler) SessionID() uint32 {
	if h.session == nil {
		return 0
	}

	return h.session.id
}

// Params returns the negotiated link parameters, or nil before handshake.
func (h *Handler) Params() *protocol.CommParams {
	if h.session == nil {
		return nil
	}
	params := h.session.params

	return &params
}

// Dispatcher exposes the request queue so application-level request
// producers can enqueue reads and writes.
func (h *Handler) Dispatcher() *comm.Dispatcher {
	return h.dispatcher
}

// CommErrorCount returns the number of malformed or mismatched frames the
// comm layer has seen.
func (h *Handler) CommErrorCount() int {
	return h.comm.ErrorCount()
}

// AverageBitrate returns the measured link throughput in bits per second.
func (h *Handler) AverageBitrate() float64 {
	return h.comm.AverageBitrate()
}

// ResetBitrateMonitor restarts the throughput measurement.
func (h *Handler) ResetBitrateMonitor() {
	h.comm.ResetBitrateMonitor()
}

// RequestDisconnect asks for a clean session teardown. The callback fires
// once the Disconnect exchange completes or fails; either way the handler
// drops back to Init and resumes discovery. Unlike the rest of the
// handler this is safe to call from any goroutine.
func (h *Handler) RequestDisconnect(callback func()) {
	h.disconnectMu.Lock()
	defer h.disconnectMu.Unlock()
	h.disconnectRequested = true
	h.disconnectCallback = callback
}

func (h *Handler) takeDisconnectRequest() (func(), bool) {
	h.disconnectMu.Lock()
	defer h.disconnectMu.Unlock()
	if !h.disconnectRequested {
		return nil, false
	}
	h.disconnectRequested = false
	callback := h.disconnectCallback
	h.disconnectCallback = nil

	return callback, true
}

// Process drives one cooperative tick of the whole stack: the comm
// handler (and through it the transport and throttler), completion of the
// in-flight exchange, then the state machine.
func (h *Handler) Process() {
	h.comm.Process()
	h.completeExchange()

	// Outside Ready there is no Disconnect exchange to run: tear down
	// whatever session state exists and acknowledge right away.
	if h.state != events.ConnectionStateReady {
		if callback, requested := h.takeDisconnectRequest(); requested {
			if h.session != nil {
				h.reset("disconnect requested")
			}
			if callback != nil {
				callback()
			}
		}
	}

	switch h.state {
	case events.ConnectionStateInit:
		h.enterDiscovering()
	case events.ConnectionStateDiscovering:
		h.processDiscovering()
	case events.ConnectionStateConnecting:
		h.processConnecting()
	case events.ConnectionStateHandshaking:
		h.processHandshaking()
	case events.ConnectionStateReady:
		h.processReady()
	}

	h.pumpDispatcher()
}

// completeExchange matches the comm handler outcome to the in-flight
// dispatcher record and fires exactly one completion callback.
func (h *Handler) completeExchange() {
	if h.active == nil {
		return
	}

	if h.comm.HasResponse() {
		resp, err := h.comm.GetResponse()
		record := h.active
		h.active = nil
		if err != nil {
			record.CompleteFailure(err)

			return
		}
		record.CompleteSuccess(resp)

		return
	}

	if h.comm.HasTimedOut() {
		h.comm.ClearTimeout()
		record := h.active
		h.active = nil
		record.CompleteFailure(comm.ErrRequestTimeout)
	}
}

// pumpDispatcher feeds the next queued request to the comm handler once
// the previous exchange has fully completed.
func (h *Handler) pumpDispatcher() {
	if h.active != nil || h.comm.Waiting() {
		return
	}
	record := h.dispatcher.PopNext()
	if record == nil {
		return
	}
	if err := h.comm.Send(record.Request); err != nil {
		record.CompleteFailure(err)

		return
	}
	h.active = record
}

func (h *Handler) reset(reason string) {
	h.logger.Info("resetting connection", "reason", reason, "state", h.state)

	if h.session != nil && !h.goneWasSent {
		h.goneWasSent = true
		h.publish(events.TopicDeviceGone, events.DeviceGone{
			SessionID: h.session.id,
			Reason:    reason,
			Timestamp: h.clock.Now(),
		})
	}

	if h.active != nil {
		h.active.CompleteFailure(comm.ErrRequestDropped)
		h.active = nil
	}
	h.dispatcher.Clear(comm.ErrRequestDropped)
	h.comm.Reset()
	h.comm.Throttler().Disable()
	h.comm.SetResponseTimeout(comm.DefaultResponseTimeout)
	h.dispatcher.SetSizeLimits(0, 0)

	h.session = nil
	h.deviceInfo = nil
	h.handshakeStage = 0
	h.errorsAtReset = h.comm.ErrorCount()

	// A disconnect request caught up in the reset is already satisfied:
	// the session is gone either way.
	if callback, requested := h.takeDisconnectRequest(); requested && callback != nil {
		callback()
	}

	h.setState(events.ConnectionStateInit)
}

func (h *Handler) setState(state events.ConnectionState) {
	if h.state == state {
		return
	}
	h.logger.Debug("state transition", "from", h.state, "to", state)
	h.state = state
	h.publish(events.TopicConnStatus, events.ConnStatus{
		State:         state,
		TransportName: h.transportName,
		Timestamp:     h.clock.Now(),
	})
}

func (h *Handler) publish(topic string, msg any) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(topic, msg)
}

// fatalCommCondition reports conditions that invalidate the whole session
// regardless of the current state.
func (h *Handler) fatalCommCondition() (string, bool) {
	if !h.comm.Operational() {
		return "transport not operational", true
	}
	if errs := h.comm.ErrorCount() - h.errorsAtReset; errs >= fatalErrorThreshold {
		h.publish(events.TopicCommError, events.CommError{
			Message:   "repeated malformed responses",
			Count:     errs,
			Timestamp: h.clock.Now(),
		})

		return fmt.Sprintf("%d malformed responses", errs), true
	}

	return "", false
}

func (h *Handler) enterDiscovering() {
	h.goneWasSent = false
	h.deviceInfo = nil
	h.lastDiscoverAt = time.Time{}
	h.deviceLastSeen = time.Time{}
	h.setState(events.ConnectionStateDiscovering)
}

func (h *Handler) processDiscovering() {
	now := h.clock.Now()

	// A found device that stops answering probes is gone again.
	if h.deviceInfo != nil && now.Sub(h.deviceLastSeen) > DeviceGoneTimeout {
		h.logger.Info("discovered device went silent")
		h.deviceInfo = nil
	}

	if h.deviceInfo != nil {
		h.setState(events.ConnectionStateConnecting)
		h.connectHoldoff = time.Time{}

		return
	}

	// One probe at a time; an unanswered probe times out on its own
	// before the backlog can grow.
	if h.active != nil || h.dispatcher.Len() > 0 || h.comm.Waiting() {
		return
	}
	if !h.lastDiscoverAt.IsZero() && now.Sub(h.lastDiscoverAt) < h.discoverInterval {
		return
	}
	h.lastDiscoverAt = now

	h.dispatcher.RegisterRequest(protocol.NewDiscoverRequest(),
		func(resp *protocol.Response) { h.onDiscoverResponse(resp) },
		func(_ *protocol.Request, err error) {
			h.logger.Debug("discover probe failed", "error", err)
		},
		PriorityHandshake)
}

func (h *Handler) onDiscoverResponse(resp *protocol.Response) {
	if resp.Code != protocol.ResponseOK {
		h.logger.Debug("discover refused", "code", resp.Code)

		return
	}
	parsed, err := protocol.ParseDiscoverResponse(resp.Payload)
	if err != nil {
		h.logger.Warn("malformed discover response", "error", err)

		return
	}

	first := h.deviceInfo == nil
	h.deviceInfo = &DeviceInfo{FirmwareID: parsed.FirmwareID, DisplayName: parsed.DisplayName}
	h.deviceLastSeen = h.clock.Now()
	if first {
		h.logger.Info("device found", "name", parsed.DisplayName)
		h.publish(events.TopicDeviceFound, events.DeviceFound{
			FirmwareID:  parsed.FirmwareID,
			DisplayName: parsed.DisplayName,
			Timestamp:   h.deviceLastSeen,
		})
	}
}

func (h *Handler) processConnecting() {
	if reason, fatal := h.fatalCommCondition(); fatal {
		h.reset(reason)

		return
	}

	now := h.clock.Now()
	if !h.connectHoldoff.IsZero() {
		if now.Before(h.connectHoldoff) {
			return
		}
		h.connectHoldoff = time.Time{}
	}

	if h.active != nil || h.dispatcher.Len() > 0 || h.comm.Waiting() {
		return
	}

	h.dispatcher.RegisterRequest(protocol.NewConnectRequest(),
		func(resp *protocol.Response) { h.onConnectResponse(resp) },
		func(_ *protocol.Request, err error) {
			h.logger.Warn("connect failed", "error", err)
			h.enterDiscovering()
		},
		PriorityHandshake)
}

func (h *Handler) onConnectResponse(resp *protocol.Response) {
	switch resp.Code {
	case protocol.ResponseOK:
	case protocol.ResponseBusy:
		h.logger.Info("device busy with another session, retrying")
		h.connectHoldoff = h.clock.Now().Add(ConnectBusyRetryDelay)

		return
	default:
		h.logger.Warn("connect refused", "code", resp.Code)
		h.enterDiscovering()

		return
	}

	parsed, err := protocol.ParseConnectResponse(resp.Payload)
	if err != nil {
		h.logger.Warn("malformed connect response", "error", err)
		h.enterDiscovering()

		return
	}

	h.session = &session{id: parsed.SessionID}
	h.handshakeStage = 0
	h.setState(events.ConnectionStateHandshaking)
}

// Handshake runs GetParams then SoftwareId verification, one exchange per
// stage so each response is still matched positionally.
func (h *Handler) processHandshaking() {
	if reason, fatal := h.fatalCommCondition(); fatal {
		h.reset(reason)

		return
	}
	if h.session == nil {
		h.reset("session vanished during handshake")

		return
	}
	if h.active != nil || h.dispatcher.Len() > 0 || h.comm.Waiting() {
		return
	}

	failure := func(_ *protocol.Request, err error) {
		h.logger.Warn("handshake request failed", "error", err)
		h.reset("handshake failure")
	}

	switch h.handshakeStage {
	case 0:
		h.dispatcher.RegisterRequest(protocol.NewGetParamsRequest(),
			func(resp *protocol.Response) { h.onParamsResponse(resp) },
			failure, PriorityHandshake)
		h.handshakeStage = 1
	case 2:
		h.dispatcher.RegisterRequest(protocol.NewGetSoftwareIDRequest(),
			func(resp *protocol.Response) { h.onSoftwareIDResponse(resp) },
			failure, PriorityHandshake)
		h.handshakeStage = 3
	}
}

func (h *Handler) onParamsResponse(resp *protocol.Response) {
	if resp.Code != protocol.ResponseOK {
		h.logger.Warn("get params refused", "code", resp.Code)
		h.reset(fmt.Sprintf("%v: get params: %v", ErrDeviceRefused, resp.Code))

		return
	}
	params, err := protocol.ParseGetParamsResponse(resp.Payload)
	if err != nil {
		h.logger.Warn("malformed params response", "error", err)
		h.reset("malformed params")

		return
	}

	h.session.params = params
	h.applyParams(params)
	h.handshakeStage = 2
}

// applyParams forwards the device-declared limits into the lower layers
// so they are respected without manual configuration.
func (h *Handler) applyParams(params protocol.CommParams) {
	if params.MaxBitrate > 0 {
		if err := h.comm.Throttler().Enable(float64(params.MaxBitrate)); err != nil {
			h.logger.Warn("device-declared bitrate not enforceable", "bitrate", params.MaxBitrate, "error", err)
		}
	}
	h.dispatcher.SetSizeLimits(int(params.MaxRxDataSize), int(params.MaxTxDataSize))
	if params.RxTimeout > 0 {
		h.comm.SetResponseTimeout(time.Duration(params.RxTimeout) * time.Millisecond * 4)
	}
}

func (h *Handler) onSoftwareIDResponse(resp *protocol.Response) {
	if resp.Code != protocol.ResponseOK {
		h.reset(fmt.Sprintf("%v: software id: %v", ErrDeviceRefused, resp.Code))

		return
	}
	id, err := protocol.ParseSoftwareIDResponse(resp.Payload)
	if err != nil {
		h.reset("malformed software id")

		return
	}
	if h.deviceInfo != nil && id != h.deviceInfo.FirmwareID {
		h.logger.Warn("software id changed since discovery")
		h.deviceInfo.FirmwareID = id
	}

	now := h.clock.Now()
	h.lastHeartbeatAt = time.Time{}
	h.heartbeatSeenAt = now
	h.setState(events.ConnectionStateReady)
	h.logger.Info("session established", "session_id", fmt.Sprintf("%08x", h.session.id))
	h.publish(events.TopicDeviceReady, events.DeviceReady{
		SessionID: h.session.id,
		Params:    h.session.params,
		Timestamp: now,
	})
}

func (h *Handler) heartbeatInterval() time.Duration {
	timeout := time.Duration(h.session.params.HeartbeatTimeout) * time.Millisecond

	return time.Duration(float64(timeout) * heartbeatFraction)
}

func (h *Handler) processReady() {
	if reason, fatal := h.fatalCommCondition(); fatal {
		h.reset(reason)

		return
	}

	now := h.clock.Now()
	timeout := time.Duration(h.session.params.HeartbeatTimeout) * time.Millisecond

	// No valid heartbeat for a full negotiated timeout means the session
	// is dead no matter what the transport says.
	if now.Sub(h.heartbeatSeenAt) > timeout {
		h.reset("heartbeat timeout")

		return
	}

	if callback, requested := h.takeDisconnectRequest(); requested {
		h.sendDisconnect(callback)

		return
	}

	if h.lastHeartbeatAt.IsZero() || now.Sub(h.lastHeartbeatAt) >= h.heartbeatInterval() {
		h.lastHeartbeatAt = now
		h.challenge++
		challenge := h.challenge
		h.dispatcher.RegisterRequest(protocol.NewHeartbeatRequest(h.session.id, challenge),
			func(resp *protocol.Response) { h.onHeartbeatResponse(challenge, resp) },
			func(_ *protocol.Request, err error) {
				h.logger.Debug("heartbeat failed", "error", err)
			},
			PriorityHeartbeat)
	}
}

func (h *Handler) onHeartbeatResponse(challenge uint16, resp *protocol.Response) {
	if h.session == nil {
		return
	}
	if resp.Code != protocol.ResponseOK {
		h.logger.Debug("heartbeat refused", "code", resp.Code)

		return
	}
	parsed, err := protocol.ParseHeartbeatResponse(resp.Payload)
	if err != nil {
		h.logger.Warn("malformed heartbeat response", "error", err)

		return
	}
	if parsed.SessionID != h.session.id {
		h.logger.Error("heartbeat session mismatch",
			"got", fmt.Sprintf("%08x", parsed.SessionID),
			"want", fmt.Sprintf("%08x", h.session.id))
		h.reset(ErrSessionMismatch.Error())

		return
	}
	if parsed.ChallengeResponse != protocol.HeartbeatChallengeResponse(challenge) {
		h.logger.Warn("heartbeat challenge mismatch", "error", ErrBadChallenge)

		return
	}

	h.heartbeatSeenAt = h.clock.Now()
}

func (h *Handler) sendDisconnect(callback func()) {
	done := func() {
		if callback != nil {
			callback()
		}
		h.reset("disconnect requested")
	}

	h.dispatcher.RegisterRequest(protocol.NewDisconnectRequest(h.session.id),
		func(*protocol.Response) { done() },
		func(*protocol.Request, error) { done() },
		PriorityHeartbeat)
}
