package comm

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"devlink/internal/protocol"
	"devlink/internal/transport"
)

type handlerFixture struct {
	clock   *fakeClock
	handler *Handler
	device  *transport.QueueTransport
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	host, device := transport.NewPair("test")
	if err := host.Initialize(); err != nil {
		t.Fatalf("initialize host link: %v", err)
	}
	if err := device.Initialize(); err != nil {
		t.Fatalf("initialize device link: %v", err)
	}

	clock := newFakeClock()
	h := NewHandler(slog.Default(), host, NewThrottler(clock), clock)

	return &handlerFixture{clock: clock, handler: h, device: device}
}

// deviceRespond consumes the pending request bytes on the device side and
// writes back the given response frame.
func (f *handlerFixture) deviceRespond(t *testing.T, resp *protocol.Response) []byte {
	t.Helper()

	reqBytes, err := f.device.Read()
	if err != nil {
		t.Fatalf("device read: %v", err)
	}
	if len(reqBytes) == 0 {
		t.Fatalf("no request bytes reached the device")
	}

	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}

	return frame
}

func dummyRequest() *protocol.Request {
	return &protocol.Request{
		Command:              protocol.CmdDummy,
		Subfunction:          1,
		Payload:              []byte{0x11, 0x22},
		ExpectedResponseSize: 4,
	}
}

func dummyResponse() *protocol.Response {
	return &protocol.Response{
		Command:     protocol.CmdDummy,
		Subfunction: 1,
		Code:        protocol.ResponseOK,
		Payload:     []byte{0xA0, 0xA1, 0xA2, 0xA3},
	}
}

func TestSendRejectsSecondRequest(t *testing.T) {
	f := newHandlerFixture(t)

	if err := f.handler.Send(dummyRequest()); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := f.handler.Send(dummyRequest()); !errors.Is(err, ErrAlreadyInFlight) {
		t.Fatalf("expected ErrAlreadyInFlight, got %v", err)
	}
}

func TestExchangeDeliversResponseOnce(t *testing.T) {
	f := newHandlerFixture(t)

	if err := f.handler.Send(dummyRequest()); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.handler.Process()

	frame := f.deviceRespond(t, dummyResponse())
	if err := f.device.Write(frame); err != nil {
		t.Fatalf("device write: %v", err)
	}
	f.handler.Process()

	if !f.handler.HasResponse() {
		t.Fatalf("response not buffered")
	}
	resp, err := f.handler.GetResponse()
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if !bytes.Equal(resp.Payload, dummyResponse().Payload) {
		t.Fatalf("payload mismatch: %x", resp.Payload)
	}

	if _, err := f.handler.GetResponse(); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("second consume must fail with ErrNoResponse, got %v", err)
	}
	if f.handler.Waiting() {
		t.Fatalf("exchange should be closed after consuming the response")
	}
}

func TestResponseSurvivesAnyChunking(t *testing.T) {
	want := dummyResponse()
	frame, err := protocol.EncodeResponse(want)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}

	// Split the frame at every possible boundary, plus byte-at-a-time.
	for split := 0; split <= len(frame); split++ {
		f := newHandlerFixture(t)
		if err := f.handler.Send(dummyRequest()); err != nil {
			t.Fatalf("send: %v", err)
		}
		f.handler.Process()
		if _, err := f.device.Read(); err != nil {
			t.Fatalf("drain request: %v", err)
		}

		_ = f.device.Write(frame[:split])
		f.handler.Process()
		_ = f.device.Write(frame[split:])
		f.handler.Process()

		resp, err := f.handler.GetResponse()
		if err != nil {
			t.Fatalf("split %d: get response: %v", split, err)
		}
		if !bytes.Equal(resp.Payload, want.Payload) {
			t.Fatalf("split %d: payload mismatch: %x", split, resp.Payload)
		}
	}

	f := newHandlerFixture(t)
	if err := f.handler.Send(dummyRequest()); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.handler.Process()
	if _, err := f.device.Read(); err != nil {
		t.Fatalf("drain request: %v", err)
	}
	for _, b := range frame {
		_ = f.device.Write([]byte{b})
		f.handler.Process()
	}
	resp, err := f.handler.GetResponse()
	if err != nil {
		t.Fatalf("byte-at-a-time: get response: %v", err)
	}
	if !bytes.Equal(resp.Payload, want.Payload) {
		t.Fatalf("byte-at-a-time: payload mismatch: %x", resp.Payload)
	}
}

func TestMismatchedResponseIsDiscarded(t *testing.T) {
	f := newHandlerFixture(t)

	if err := f.handler.Send(dummyRequest()); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.handler.Process()
	if _, err := f.device.Read(); err != nil {
		t.Fatalf("drain request: %v", err)
	}

	wrong := dummyResponse()
	wrong.Subfunction = 2
	frame, err := protocol.EncodeResponse(wrong)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	_ = f.device.Write(frame)
	f.handler.Process()

	if f.handler.HasResponse() {
		t.Fatalf("mismatched response must never be exposed")
	}
	if f.handler.ErrorCount() != 1 {
		t.Fatalf("error count mismatch: %d", f.handler.ErrorCount())
	}
	if !f.handler.Waiting() {
		t.Fatalf("request should remain outstanding until timeout")
	}
}

func TestCorruptedResponseResetsReceiveState(t *testing.T) {
	f := newHandlerFixture(t)

	if err := f.handler.Send(dummyRequest()); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.handler.Process()
	if _, err := f.device.Read(); err != nil {
		t.Fatalf("drain request: %v", err)
	}

	frame, err := protocol.EncodeResponse(dummyResponse())
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	frame[len(frame)-1] ^= 0xFF
	_ = f.device.Write(frame)
	f.handler.Process()

	if f.handler.HasResponse() {
		t.Fatalf("corrupted response must not be exposed")
	}
	if f.handler.ErrorCount() != 1 {
		t.Fatalf("error count mismatch: %d", f.handler.ErrorCount())
	}
}

func TestTimeoutRequiresExplicitAcknowledgement(t *testing.T) {
	f := newHandlerFixture(t)

	if err := f.handler.Send(dummyRequest()); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.handler.Process()

	f.clock.Advance(DefaultResponseTimeout + time.Millisecond)
	f.handler.Process()

	if !f.handler.HasTimedOut() {
		t.Fatalf("timeout not flagged")
	}
	f.handler.Process()
	if !f.handler.HasTimedOut() {
		t.Fatalf("timeout flag must persist until acknowledged")
	}

	f.handler.ClearTimeout()
	if f.handler.HasTimedOut() || f.handler.Waiting() {
		t.Fatalf("acknowledged timeout must drop the request")
	}

	// Late bytes from the expired exchange are stray data now.
	frame, err := protocol.EncodeResponse(dummyResponse())
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	_ = f.device.Write(frame)
	f.handler.Process()
	if f.handler.HasResponse() {
		t.Fatalf("late response must be discarded")
	}
}

func TestNonOperationalTransportFlagsTimeout(t *testing.T) {
	f := newHandlerFixture(t)

	if err := f.handler.Send(dummyRequest()); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.handler.Process()

	hostSide, ok := f.handler.link.(*transport.QueueTransport)
	if !ok {
		t.Fatalf("unexpected link type")
	}
	hostSide.SetEnabled(false)
	f.handler.Process()

	if !f.handler.HasTimedOut() {
		t.Fatalf("non-operational transport must abandon the exchange")
	}
}

func TestThrottlerDefersTransmission(t *testing.T) {
	f := newHandlerFixture(t)
	th := f.handler.Throttler()
	if err := th.Enable(300); err != nil {
		t.Fatalf("enable throttler: %v", err)
	}

	// Saturate the estimates well past the target.
	th.Consume(50000)
	f.clock.Advance(DefaultEstimationWindow)
	th.Process()

	if err := f.handler.Send(dummyRequest()); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.handler.Process()
	if data, _ := f.device.Read(); data != nil {
		t.Fatalf("request transmitted despite saturated throttler")
	}

	// Estimates decay with idle windows; the queued request must go out
	// eventually without another Send.
	sent := false
	for i := 0; i < 200; i++ {
		f.clock.Advance(DefaultEstimationWindow)
		f.handler.Process()
		if data, _ := f.device.Read(); data != nil {
			sent = true
			break
		}
	}
	if !sent {
		t.Fatalf("queued request never transmitted after estimates decayed")
	}
}

func TestImpossibleRequestFailsImmediately(t *testing.T) {
	f := newHandlerFixture(t)
	if err := f.handler.Throttler().Enable(MinimumBitrate); err != nil {
		t.Fatalf("enable throttler: %v", err)
	}

	req := dummyRequest()
	req.Payload = make([]byte, 1024) // cost far above a 100 bps target
	if err := f.handler.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.handler.Process()

	if !f.handler.HasTimedOut() {
		t.Fatalf("permanently inadmissible request must fail")
	}
	if data, _ := f.device.Read(); data != nil {
		t.Fatalf("inadmissible request must not be transmitted")
	}
}
