package device

import (
	"log/slog"
	"testing"
	"time"

	"devlink/internal/bus"
	"devlink/internal/comm"
	"devlink/internal/emulator"
	"devlink/internal/events"
	"devlink/internal/protocol"
	"devlink/internal/transport"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1000, 0)}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type stackFixture struct {
	clock   *testClock
	bus     *bus.PubSubBus
	emu     *emulator.Device
	handler *Handler
	gone    bus.Subscription
	ready   bus.Subscription
}

// newStackFixture wires the full host stack against the emulated device
// over an in-memory link pair, driven by a fake clock so no test sleeps.
func newStackFixture(t *testing.T) *stackFixture {
	t.Helper()

	host, devLink := transport.NewPair("e2e")
	if err := host.Initialize(); err != nil {
		t.Fatalf("initialize host link: %v", err)
	}
	if err := devLink.Initialize(); err != nil {
		t.Fatalf("initialize device link: %v", err)
	}

	logger := slog.Default()
	clock := newTestClock()
	messageBus := bus.New(logger)
	t.Cleanup(messageBus.Close)

	commHandler := comm.NewHandler(logger, host, comm.NewThrottler(clock), clock)
	dispatcher := comm.NewDispatcher(logger)

	return &stackFixture{
		clock:   clock,
		bus:     messageBus,
		emu:     emulator.New(logger, devLink, emulator.DefaultConfig()),
		handler: NewHandler(logger, commHandler, dispatcher, clock, messageBus, "pair:e2e"),
		gone:    messageBus.Subscribe(events.TopicDeviceGone),
		ready:   messageBus.Subscribe(events.TopicDeviceReady),
	}
}

// run interleaves host and device ticks for the given simulated duration.
func (f *stackFixture) run(d time.Duration) {
	const step = time.Millisecond
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		f.handler.Process()
		f.emu.Process()
		f.clock.Advance(step)
	}
}

func (f *stackFixture) runUntilReady(t *testing.T) {
	t.Helper()

	const step = time.Millisecond
	for i := 0; i < 10000; i++ {
		f.handler.Process()
		f.emu.Process()
		f.clock.Advance(step)
		if f.handler.ConnectionStatus() == events.ConnectionStateReady {
			return
		}
	}
	t.Fatalf("handler never reached ready, stuck in %s", f.handler.ConnectionStatus())
}

func drain(ch bus.Subscription) []any {
	var out []any
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestStackReachesReady(t *testing.T) {
	f := newStackFixture(t)
	f.runUntilReady(t)

	if f.handler.SessionID() == 0 {
		t.Fatalf("no session id after reaching ready")
	}
	info := f.handler.DeviceInfo()
	if info == nil || info.DisplayName != "emulated-device" {
		t.Fatalf("device info missing or wrong: %+v", info)
	}
	params := f.handler.Params()
	if params == nil || params.MaxBitrate != emulator.DefaultConfig().Params.MaxBitrate {
		t.Fatalf("negotiated params missing or wrong: %+v", params)
	}
	if !f.emu.SessionActive() {
		t.Fatalf("emulated device reports no session")
	}
	if msgs := drain(f.ready); len(msgs) != 1 {
		t.Fatalf("expected exactly one ready event, got %d", len(msgs))
	}
}

func TestSessionSurvivesSustainedOperation(t *testing.T) {
	f := newStackFixture(t)
	f.runUntilReady(t)

	// Several negotiated heartbeat timeouts of quiet operation.
	f.run(10 * time.Second)

	if f.handler.ConnectionStatus() != events.ConnectionStateReady {
		t.Fatalf("session dropped during normal operation: %s", f.handler.ConnectionStatus())
	}
	if msgs := drain(f.gone); len(msgs) != 0 {
		t.Fatalf("spurious device-gone events: %d", len(msgs))
	}
}

func TestSilentDeviceForcesReconnect(t *testing.T) {
	f := newStackFixture(t)
	f.runUntilReady(t)
	session := f.handler.SessionID()

	f.emu.SetCommEnabled(false)

	// Within one negotiated heartbeat timeout the handler must tear the
	// session down and return to discovery.
	timeout := time.Duration(emulator.DefaultConfig().Params.HeartbeatTimeout) * time.Millisecond
	f.run(timeout + time.Second)

	if state := f.handler.ConnectionStatus(); state == events.ConnectionStateReady {
		t.Fatalf("handler still ready after device went silent")
	}
	if f.handler.SessionID() != 0 {
		t.Fatalf("stale session id survived the reset")
	}

	// Keep running with the device still silent: the gone notification
	// must not repeat.
	f.run(5 * time.Second)
	msgs := drain(f.gone)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one device-gone event, got %d", len(msgs))
	}
	gone, ok := msgs[0].(events.DeviceGone)
	if !ok {
		t.Fatalf("unexpected event payload %T", msgs[0])
	}
	if gone.SessionID != session {
		t.Fatalf("gone event carries wrong session: %08x", gone.SessionID)
	}
}

func TestReconnectAfterDeviceReturns(t *testing.T) {
	f := newStackFixture(t)
	f.runUntilReady(t)
	first := f.handler.SessionID()

	f.emu.SetCommEnabled(false)
	f.emu.DropSession()
	f.run(10 * time.Second)
	f.emu.SetCommEnabled(true)

	f.runUntilReady(t)
	if f.handler.SessionID() == first {
		t.Fatalf("reconnect reused the dead session id")
	}
	if msgs := drain(f.gone); len(msgs) != 1 {
		t.Fatalf("expected exactly one device-gone event, got %d", len(msgs))
	}
}

func TestDroppedSessionDetectedByHeartbeat(t *testing.T) {
	f := newStackFixture(t)
	f.runUntilReady(t)

	// The device silently forgets the session, as a reboot would. The
	// heartbeat stops validating and the handler must reconnect within
	// one negotiated timeout.
	f.emu.DropSession()
	timeout := time.Duration(emulator.DefaultConfig().Params.HeartbeatTimeout) * time.Millisecond
	f.run(timeout + time.Second)

	if len(drain(f.gone)) != 1 {
		t.Fatalf("dropped session not detected")
	}

	// Auto-reconnect picks the session back up.
	f.runUntilReady(t)
	if !f.emu.SessionActive() {
		t.Fatalf("no new session established after reconnect")
	}
}

func TestRequestDisconnect(t *testing.T) {
	f := newStackFixture(t)
	f.runUntilReady(t)

	called := 0
	f.handler.RequestDisconnect(func() { called++ })
	f.run(2 * time.Second)

	if called != 1 {
		t.Fatalf("disconnect callback fired %d times", called)
	}
	if f.emu.SessionActive() {
		t.Fatalf("emulated device still holds the session")
	}
	if f.handler.ConnectionStatus() == events.ConnectionStateReady {
		t.Fatalf("handler still ready after requested disconnect")
	}
}

func TestRequestDisconnectConcurrentWithReset(t *testing.T) {
	f := newStackFixture(t)
	f.runUntilReady(t)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				f.handler.RequestDisconnect(nil)
			}
		}
	}()

	// Disconnect requests keep arriving from another goroutine while a
	// silent device forces resets on the processing goroutine.
	f.emu.SetCommEnabled(false)
	timeout := time.Duration(emulator.DefaultConfig().Params.HeartbeatTimeout) * time.Millisecond
	f.run(timeout + 2*time.Second)

	close(stop)
	<-done

	if f.handler.ConnectionStatus() == events.ConnectionStateReady {
		t.Fatalf("handler still ready after the device went silent")
	}
}

func TestDisconnectAcknowledgedOutsideReady(t *testing.T) {
	f := newStackFixture(t)
	f.emu.SetCommEnabled(false)

	f.run(time.Second)
	if f.handler.ConnectionStatus() == events.ConnectionStateReady {
		t.Fatalf("handler must not reach ready with a silent device")
	}

	called := 0
	f.handler.RequestDisconnect(func() { called++ })
	f.run(10 * time.Millisecond)

	if called != 1 {
		t.Fatalf("disconnect callback fired %d times with no session to tear down", called)
	}
}

func TestDiscoverProbePacingIsConfigurable(t *testing.T) {
	host, devLink := transport.NewPair("probe-pace")
	if err := host.Initialize(); err != nil {
		t.Fatalf("initialize host link: %v", err)
	}
	if err := devLink.Initialize(); err != nil {
		t.Fatalf("initialize device link: %v", err)
	}

	logger := slog.Default()
	clock := newTestClock()
	commHandler := comm.NewHandler(logger, host, comm.NewThrottler(clock), clock)
	handler := NewHandler(logger, commHandler, comm.NewDispatcher(logger), clock, nil, "pair:probe-pace")

	// The interval must exceed the response timeout so each probe times
	// out before the next is due; probes then land exactly on the grid.
	handler.SetDiscoverInterval(2 * time.Second)

	probeSize := protocol.NewDiscoverRequest().EncodedSize()
	received := 0
	for i := 0; i < 6500; i++ {
		handler.Process()
		if data, err := devLink.Read(); err == nil {
			received += len(data)
		}
		clock.Advance(time.Millisecond)
	}

	if got := received / probeSize; got != 4 {
		t.Fatalf("expected 4 probes over 6.5s at a 2s interval, got %d (%d bytes)", got, received)
	}
}

func TestNonOperationalTransportResetsFromReady(t *testing.T) {
	host, devLink := transport.NewPair("e2e-dead")
	if err := host.Initialize(); err != nil {
		t.Fatalf("initialize host link: %v", err)
	}
	if err := devLink.Initialize(); err != nil {
		t.Fatalf("initialize device link: %v", err)
	}

	logger := slog.Default()
	clock := newTestClock()
	commHandler := comm.NewHandler(logger, host, comm.NewThrottler(clock), clock)
	handler := NewHandler(logger, commHandler, comm.NewDispatcher(logger), clock, nil, "pair:e2e-dead")
	emu := emulator.New(logger, devLink, emulator.DefaultConfig())

	for i := 0; i < 10000; i++ {
		handler.Process()
		emu.Process()
		clock.Advance(time.Millisecond)
		if handler.ConnectionStatus() == events.ConnectionStateReady {
			break
		}
	}
	if handler.ConnectionStatus() != events.ConnectionStateReady {
		t.Fatalf("handler never reached ready")
	}

	host.SetEnabled(false)
	handler.Process()
	handler.Process()

	if handler.ConnectionStatus() == events.ConnectionStateReady {
		t.Fatalf("dead transport must force an immediate reset")
	}
}
