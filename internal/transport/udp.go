package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const udpReadTimeout = 50 * time.Millisecond

// UDPTransport speaks the protocol over a connected UDP socket. Datagram
// payloads are treated as a plain byte stream; the comm handler's
// reassembly does not care about datagram boundaries.
type UDPTransport struct {
	host string
	port int

	mu     sync.Mutex
	conn   *net.UDPConn
	broken bool
	done   chan struct{}

	rx byteQueue
}

func NewUDPTransport(host string, port int) *UDPTransport {
	return &UDPTransport{host: host, port: port}
}

func (t *UDPTransport) Name() string {
	return "udp"
}

func (t *UDPTransport) Target() string {
	return net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
}

func (t *UDPTransport) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	logger := transportLogger("udp", "target", t.Target())

	if t.conn != nil {
		logger.Debug("initialize skipped: already open")

		return nil
	}
	if t.host == "" {
		return errors.New("udp host is empty")
	}

	addr, err := net.ResolveUDPAddr("udp", t.Target())
	if err != nil {
		return fmt.Errorf("resolve udp target: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial udp: %w", err)
	}

	t.conn = conn
	t.broken = false
	t.done = make(chan struct{})
	t.rx.Clear()
	go t.readLoop(conn, t.done)
	logger.Info("udp socket open")

	return nil
}

func (t *UDPTransport) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return
	}
	close(t.done)
	if err := t.conn.Close(); err != nil {
		transportLogger("udp", "target", t.Target()).Warn("close failed", "error", err)
	}
	t.conn = nil
	t.rx.Clear()
}

func (t *UDPTransport) Write(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotInitialized
	}

	if _, err := conn.Write(data); err != nil {
		t.markBroken()

		return fmt.Errorf("udp write: %w", err)
	}

	return nil
}

func (t *UDPTransport) Read() ([]byte, error) {
	return t.rx.Pop(), nil
}

func (t *UDPTransport) Process() {}

func (t *UDPTransport) Operational() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn != nil && !t.broken
}

func (t *UDPTransport) readLoop(conn *net.UDPConn, done chan struct{}) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-done:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(udpReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			t.rx.Push(buf[:n])
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-done:
			default:
				transportLogger("udp", "target", t.Target()).Warn("udp read failed", "error", err)
				t.markBroken()
			}

			return
		}
	}
}

func (t *UDPTransport) markBroken() {
	t.mu.Lock()
	t.broken = true
	t.mu.Unlock()
}
