package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

const serialReadTimeout = 50 * time.Millisecond

// SerialTransport speaks the protocol over a local serial port. A reader
// goroutine pumps incoming bytes into a guarded queue so that Read stays
// non-blocking for the single-owner handler thread.
type SerialTransport struct {
	portName string
	baudRate int

	mu     sync.Mutex
	port   serial.Port
	broken bool
	done   chan struct{}

	rx byteQueue
}

func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	return &SerialTransport{
		portName: portName,
		baudRate: baudRate,
	}
}

func (t *SerialTransport) Name() string {
	return "serial"
}

func (t *SerialTransport) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	logger := transportLogger("serial", "port", t.portName)

	if t.port != nil {
		logger.Debug("initialize skipped: already open")

		return nil
	}
	if t.portName == "" {
		return errors.New("serial port is empty")
	}
	if t.baudRate <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", t.baudRate)
	}

	port, err := serial.Open(t.portName, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		return fmt.Errorf("open serial port %q: %w", t.portName, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()

		return fmt.Errorf("set serial read timeout: %w", err)
	}

	t.port = port
	t.broken = false
	t.done = make(chan struct{})
	t.rx.Clear()
	go t.readLoop(port, t.done)
	logger.Info("serial port open", "baud", t.baudRate)

	return nil
}

func (t *SerialTransport) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return
	}
	close(t.done)
	if err := t.port.Close(); err != nil {
		transportLogger("serial", "port", t.portName).Warn("close failed", "error", err)
	}
	t.port = nil
	t.rx.Clear()
}

func (t *SerialTransport) Write(data []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return ErrNotInitialized
	}

	written := 0
	for written < len(data) {
		n, err := port.Write(data[written:])
		if err != nil {
			t.markBroken()

			return fmt.Errorf("serial write: %w", err)
		}
		written += n
	}

	return nil
}

func (t *SerialTransport) Read() ([]byte, error) {
	return t.rx.Pop(), nil
}

func (t *SerialTransport) Process() {}

func (t *SerialTransport) Operational() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.port != nil && !t.broken
}

func (t *SerialTransport) readLoop(port serial.Port, done chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := port.Read(buf)
		if n > 0 {
			t.rx.Push(buf[:n])
		}
		if err != nil {
			select {
			case <-done:
			default:
				transportLogger("serial", "port", t.portName).Warn("serial read failed", "error", err)
				t.markBroken()
			}

			return
		}
	}
}

func (t *SerialTransport) markBroken() {
	t.mu.Lock()
	t.broken = true
	t.mu.Unlock()
}
