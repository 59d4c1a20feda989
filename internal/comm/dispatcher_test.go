package comm

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"devlink/internal/protocol"
)

func testRequest(payloadSize, expectedResponseSize int) *protocol.Request {
	return &protocol.Request{
		Command:              protocol.CmdDummy,
		Subfunction:          1,
		Payload:              make([]byte, payloadSize),
		ExpectedResponseSize: expectedResponseSize,
	}
}

func TestPopNextOrdersByPriorityThenFIFO(t *testing.T) {
	d := NewDispatcher(nil)

	type entry struct {
		priority int
		order    int
	}
	rng := rand.New(rand.NewSource(7))
	var entries []entry
	for i := 0; i < 200; i++ {
		entries = append(entries, entry{priority: rng.Intn(5), order: i})
	}

	for _, e := range entries {
		d.RegisterRequest(testRequest(0, 0), nil, nil, e.priority)
	}

	popped := make([]entry, 0, len(entries))
	for d.Len() > 0 {
		record := d.PopNext()
		popped = append(popped, entry{priority: record.Priority(), order: int(record.seq)})
	}

	want := make([]entry, len(entries))
	for i, e := range entries {
		want[i] = entry{priority: e.priority, order: i + 1}
	}
	sort.SliceStable(want, func(i, j int) bool {
		return want[i].priority > want[j].priority
	})

	if len(popped) != len(want) {
		t.Fatalf("pop count mismatch: got %d want %d", len(popped), len(want))
	}
	for i := range popped {
		if popped[i] != want[i] {
			t.Fatalf("pop %d mismatch: got %+v want %+v", i, popped[i], want[i])
		}
	}
}

func TestPopNextEmptyReturnsNil(t *testing.T) {
	d := NewDispatcher(nil)
	if record := d.PopNext(); record != nil {
		t.Fatalf("expected nil from empty dispatcher, got %+v", record)
	}
}

func TestOversizedRequestDroppedWithoutCallback(t *testing.T) {
	d := NewDispatcher(nil)
	d.SetSizeLimits(16, 32)

	fired := false
	cb := func(*protocol.Request, error) { fired = true }

	d.RegisterRequest(testRequest(17, 0), nil, cb, 0)
	if d.Len() != 0 {
		t.Fatalf("oversized request payload was queued")
	}
	d.RegisterRequest(testRequest(0, 33), nil, cb, 0)
	if d.Len() != 0 {
		t.Fatalf("oversized expected response was queued")
	}
	if fired {
		t.Fatalf("dropped request must not fire callbacks")
	}

	// Exactly at the ceiling must pass.
	d.RegisterRequest(testRequest(16, 32), nil, cb, 0)
	if d.Len() != 1 {
		t.Fatalf("request at exactly the ceiling was dropped")
	}
}

func TestCompletionCallbacksFireExactlyOnce(t *testing.T) {
	d := NewDispatcher(nil)

	successes, failures := 0, 0
	d.RegisterRequest(testRequest(0, 0),
		func(*protocol.Response) { successes++ },
		func(*protocol.Request, error) { failures++ },
		0)

	record := d.PopNext()
	record.CompleteSuccess(&protocol.Response{Code: protocol.ResponseOK})
	record.CompleteSuccess(&protocol.Response{Code: protocol.ResponseOK})
	record.CompleteFailure(ErrRequestTimeout)

	if successes != 1 {
		t.Fatalf("success callback fired %d times", successes)
	}
	if failures != 0 {
		t.Fatalf("failure callback fired after success")
	}
}

func TestClearFailsAllPending(t *testing.T) {
	d := NewDispatcher(nil)

	var got []error
	for i := 0; i < 3; i++ {
		d.RegisterRequest(testRequest(0, 0), nil, func(_ *protocol.Request, err error) {
			got = append(got, err)
		}, 0)
	}

	d.Clear(ErrRequestDropped)
	if d.Len() != 0 {
		t.Fatalf("queue not empty after clear")
	}
	if len(got) != 3 {
		t.Fatalf("failure callback count mismatch: %d", len(got))
	}
	for _, err := range got {
		if !errors.Is(err, ErrRequestDropped) {
			t.Fatalf("unexpected failure reason: %v", err)
		}
	}
}
