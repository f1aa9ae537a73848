package rhd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockPipelineLatency(t *testing.T) {
	m := NewMockBus()
	m.SetChannel(3, 0x1234)

	// The result of a command arrives two transactions later.
	r1, err := m.Transact(cmdConvert(3))
	require.NoError(t, err)
	assert.Equal(t, uint16(0), r1, "pipeline starts empty")

	r2, err := m.Transact(cmdNoop)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), r2)

	r3, err := m.Transact(cmdNoop)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), r3, "conversion result surfaces on the third transaction")
}

func TestMockIdentityROM(t *testing.T) {
	m := NewMockBus()

	for i := 0; i < len(deviceIdentity); i++ {
		m.Transact(cmdRead(uint8(identityROMBase + i)))
		m.Transact(cmdNoop)
		res, err := m.Transact(cmdNoop)
		require.NoError(t, err)
		assert.Equal(t, uint16(deviceIdentity[i]), res)
	}
}

func TestMockWriteEcho(t *testing.T) {
	m := NewMockBus()

	m.Transact(cmdWrite(4, 0xB0))
	m.Transact(cmdNoop)
	res, err := m.Transact(cmdNoop)
	require.NoError(t, err)

	assert.Equal(t, uint16(0xFFB0), res, "write echo is marker byte plus written value")
	assert.Equal(t, uint8(0xB0), m.Register(4))
}

func TestMockCalibrationMarker(t *testing.T) {
	m := NewMockBus()

	_, err := m.Transact(cmdCalibrate)
	require.NoError(t, err)
	for i := 0; i < calibrateClocks; i++ {
		_, err = m.Transact(cmdDummyClock)
		require.NoError(t, err)
	}

	// Two retrieval reads; the completion marker arrives on the second.
	first, err := m.Transact(cmdNoop)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(calibrateDone), first)

	second, err := m.Transact(cmdNoop)
	require.NoError(t, err)
	assert.Equal(t, uint16(calibrateDone), second)
}

func TestMockInjectedFailuresKeepAlignment(t *testing.T) {
	m := NewMockBus()
	m.SetChannel(0, 0xAAAA)
	m.SetChannel(1, 0xBBBB)

	m.FailTransacts(1)
	_, err := m.Transact(cmdConvert(0))
	assert.Error(t, err)

	// The failed transaction still consumed its command, so later
	// results stay in order.
	m.Transact(cmdConvert(1))
	r, err := m.Transact(cmdNoop)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xAAAA), r)
	r, err = m.Transact(cmdNoop)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBBBB), r)
}

func TestMockClosed(t *testing.T) {
	m := NewMockBus()
	require.NoError(t, m.Close())

	assert.False(t, m.Ready())
	_, err := m.Transact(cmdNoop)
	assert.Error(t, err)
}
