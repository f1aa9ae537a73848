package rhd

import (
	"fmt"
	"sync"
)

// MockBus simulates the amplifier for testing and development,
// including the device's two-transaction response pipeline: every
// Transact returns the result of the command issued two transactions
// earlier.
type MockBus struct {
	mu   sync.Mutex
	open bool

	pipeline [pipelineLatency]uint16
	regs     [len(configRegisters)]uint8
	channels [16]uint16

	calCountdown int

	identityFailures int
	identityCorrupt  bool
	writeEchoBroken  bool
	failTransacts    int
}

// NewMockBus creates a mock bus in the open state.
func NewMockBus() *MockBus {
	return &MockBus{open: true}
}

// Ready reports whether the simulated bus is up.
func (m *MockBus) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Close takes the simulated bus down.
func (m *MockBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// SetChannel fixes the conversion value returned for a channel.
func (m *MockBus) SetChannel(channel int, value uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel] = value
}

// FailIdentity corrupts the identity ROM for the next n identity
// verification passes.
func (m *MockBus) FailIdentity(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identityFailures = n
}

// BreakWriteEcho makes register writes echo garbage, as a wedged device
// would.
func (m *MockBus) BreakWriteEcho(broken bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeEchoBroken = broken
}

// FailTransacts makes the next n transactions return an error.
func (m *MockBus) FailTransacts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTransacts = n
}

// Register returns the current value of a configuration register.
func (m *MockBus) Register(reg int) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[reg]
}

// Transact shifts the response pipeline: the caller receives the result
// of the command issued two transactions ago, and cmd's own result is
// queued. An injected failure still consumes the command so later
// results stay aligned.
func (m *MockBus) Transact(cmd uint16) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return 0, fmt.Errorf("mock bus closed")
	}

	resp := m.pipeline[0]
	m.pipeline[0] = m.pipeline[1]
	m.pipeline[1] = m.result(cmd)

	if m.failTransacts > 0 {
		m.failTransacts--
		return 0, fmt.Errorf("injected bus failure")
	}
	return resp, nil
}

// result computes what the device would answer for cmd.
func (m *MockBus) result(cmd uint16) uint16 {
	switch {
	case cmd == cmdCalibrate:
		m.calCountdown = calibrateClocks
		return cmd

	case cmd == cmdDummyClock:
		if m.calCountdown > 0 {
			m.calCountdown--
			if m.calCountdown == 0 {
				return calibrateDone
			}
		}
		return cmd

	case cmd == cmdClear:
		m.regs = [len(configRegisters)]uint8{}
		return cmd

	case cmd&0xC000 == 0xC000: // read
		return m.readRegister(uint8(cmd >> 8 & 0x3F))

	case cmd&0xC000 == 0x8000: // write
		reg := uint8(cmd >> 8 & 0x3F)
		value := uint8(cmd & 0xFF)
		if m.writeEchoBroken {
			return 0
		}
		if int(reg) < len(m.regs) {
			m.regs[reg] = value
		}
		return uint16(writeMarker)<<8 | uint16(value)

	case cmd&0xC000 == 0x0000: // convert
		ch := int(cmd >> 8 & 0x3F)
		if ch < len(m.channels) {
			return m.channels[ch]
		}
		return 0

	default:
		return 0
	}
}

func (m *MockBus) readRegister(reg uint8) uint16 {
	switch {
	case int(reg) >= identityROMBase && int(reg) < identityROMBase+len(deviceIdentity):
		if reg == identityROMBase {
			// One identity failure injection covers a whole
			// verification pass.
			m.identityCorrupt = m.identityFailures > 0
			if m.identityCorrupt {
				m.identityFailures--
			}
		}
		if m.identityCorrupt {
			return 'X'
		}
		return uint16(deviceIdentity[int(reg)-identityROMBase])

	case int(reg) < len(m.regs):
		return uint16(m.regs[reg])

	default:
		return 0
	}
}
