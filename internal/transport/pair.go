package transport

import (
	"fmt"
	"sync"
)

// QueueTransport is one endpoint of an in-memory link: writes land in the
// peer's receive queue, reads drain this endpoint's own queue. Both queues
// are mutex-guarded, so one endpoint may live on a simulated device
// goroutine while the other is polled by the handler thread.
type QueueTransport struct {
	name string

	mu          sync.Mutex
	initialized bool
	enabled     bool

	rx   *byteQueue
	peer *byteQueue
}

// NewPair wires two queue endpoints back to back. Everything written on
// one side becomes readable on the other.
func NewPair(name string) (*QueueTransport, *QueueTransport) {
	var aToB, bToA byteQueue
	a := &QueueTransport{name: name, enabled: true, rx: &bToA, peer: &aToB}
	b := &QueueTransport{name: name + "-peer", enabled: true, rx: &aToB, peer: &bToA}

	return a, b
}

func (t *QueueTransport) Name() string {
	return t.name
}

func (t *QueueTransport) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = true
	t.rx.Clear()

	return nil
}

func (t *QueueTransport) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = false
	t.rx.Clear()
}

func (t *QueueTransport) Write(data []byte) error {
	t.mu.Lock()
	ok := t.initialized && t.enabled
	t.mu.Unlock()
	if !ok {
		return ErrNotInitialized
	}
	t.peer.Push(data)

	return nil
}

func (t *QueueTransport) Read() ([]byte, error) {
	t.mu.Lock()
	ok := t.initialized && t.enabled
	t.mu.Unlock()
	if !ok {
		return nil, nil
	}

	return t.rx.Pop(), nil
}

func (t *QueueTransport) Process() {}

func (t *QueueTransport) Operational() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.initialized && t.enabled
}

// SetEnabled simulates the link going up or down. A disabled endpoint
// drops writes, reads nothing, and reports non-operational.
func (t *QueueTransport) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// PairArena hands out queue link pairs keyed by an opaque id. It replaces
// hidden package-level instance registries so that no state leaks across
// tests or runtimes that happen to pick the same id.
type PairArena struct {
	mu    sync.Mutex
	pairs map[string][2]*QueueTransport
}

func NewPairArena() *PairArena {
	return &PairArena{pairs: make(map[string][2]*QueueTransport)}
}

// Open returns both endpoints for id, creating the pair on first use.
func (a *PairArena) Open(id string) (*QueueTransport, *QueueTransport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pair, ok := a.pairs[id]; ok {
		return pair[0], pair[1]
	}
	host, device := NewPair(fmt.Sprintf("queue-%s", id))
	a.pairs[id] = [2]*QueueTransport{host, device}

	return host, device
}

// Release forgets the pair for id.
func (a *PairArena) Release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pairs, id)
}
