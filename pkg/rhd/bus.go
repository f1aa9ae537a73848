package rhd

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// Bus is the synchronous serial link to the amplifier: one 16-bit
// command word out, one 16-bit result word in per transaction. The
// device pipelines responses: the result of command N arrives on
// transaction N+2. Callers handle the latency through the driver's
// transact-and-wait primitive, never by hand.
type Bus interface {
	Ready() bool
	Transact(cmd uint16) (uint16, error)
	Close() error
}

// Ensure SerialBus implements Bus.
var _ Bus = (*SerialBus)(nil)

// Ensure MockBus implements Bus.
var _ Bus = (*MockBus)(nil)

// DefaultBaudRate is the standard rate for the amplifier bridge.
const DefaultBaudRate = 921600

// SerialBus drives the amplifier over a serial port, one command word
// per transaction, MSB first.
type SerialBus struct {
	port string
	baud int

	mu        sync.Mutex
	conn      serial.Port
	connected bool
}

// NewSerialBus creates a bus for the given port. A zero baud rate falls
// back to DefaultBaudRate.
func NewSerialBus(port string, baud int) *SerialBus {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &SerialBus{
		port: port,
		baud: baud,
	}
}

// Open opens the serial port.
func (b *SerialBus) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return fmt.Errorf("already connected")
	}

	conn, err := serial.Open(b.port, &serial.Mode{BaudRate: b.baud})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", b.port, err)
	}

	b.conn = conn
	b.connected = true
	return nil
}

// Ready reports whether the bus is open and usable.
func (b *SerialBus) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Transact sends one command word and reads back one result word.
func (b *SerialBus) Transact(cmd uint16) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return 0, fmt.Errorf("bus not open")
	}

	var word [2]byte
	binary.BigEndian.PutUint16(word[:], cmd)
	if _, err := b.conn.Write(word[:]); err != nil {
		return 0, fmt.Errorf("bus write failed: %w", err)
	}

	if _, err := io.ReadFull(b.conn, word[:]); err != nil {
		return 0, fmt.Errorf("bus read failed: %w", err)
	}
	return binary.BigEndian.Uint16(word[:]), nil
}

// Close closes the serial port.
func (b *SerialBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil
	}
	b.connected = false

	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	b.conn = nil
	return nil
}
