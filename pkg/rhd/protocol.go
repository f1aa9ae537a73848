package rhd

import "github.com/nbx-labs/neurec/pkg/neural"

// RHD2216 command words. The top bits select the operation, the next
// six bits the register or channel.
const (
	cmdCalibrate  = 0x5500 // ADC self-calibration, needs nine dummy clocks after it
	cmdClear      = 0x6A00 // clear calibration / reset
	cmdDummyClock = 0xBF00 // generates one SCLK cycle during self-calibration
	cmdNoop       = 0xFF00 // READ(63), used to flush the response pipeline

	// writeMarker is the high byte the device echoes for every accepted
	// register write; the low byte echoes the written value.
	writeMarker = 0xFF

	// calibrateDone is the marker retrieved after self-calibration has
	// run its nine clock cycles.
	calibrateDone = 0x8000
)

// pipelineLatency is the fixed number of transactions between issuing a
// command and receiving its result.
const pipelineLatency = 2

// primeCount is how many no-op reads flush the device's internal
// response pipeline during bring-up.
const primeCount = 12

// calibrateClocks is the number of dummy-clock commands the ADC needs
// to complete self-calibration.
const calibrateClocks = 9

func cmdConvert(channel uint8) uint16 {
	return uint16(channel) << 8
}

func cmdRead(reg uint8) uint16 {
	return 0xC000 | uint16(reg)<<8
}

func cmdWrite(reg uint8, value uint8) uint16 {
	return 0x8000 | uint16(reg)<<8 | uint16(value)
}

// identityROMBase is the first of the five ROM registers that spell the
// device identity string.
const identityROMBase = 40

// deviceIdentity is what ROM registers 40..44 must spell.
const deviceIdentity = "INTAN"

// configRegisters holds the power-up values for registers 0..17:
// amplifier bandwidth 20-150 Hz, unsigned ADC with absolute-value mode,
// DSP high-pass enabled, all sixteen amplifiers powered.
var configRegisters = [18]uint8{
	0xDE, 0x20, 0x28, 0x02, 0xB0, 0x00, 0x00, 0x00, 0x2C,
	0x11, 0x08, 0x15, 0x36, 0x00, 0xFF, 0xFF, 0xFF, 0xFF,
}

// frameLen is the number of transactions in one sampling frame:
// sixteen conversions plus three framing no-ops that push the last
// pipelined results out.
const frameLen = neural.MaxChannels + 3

// channelResultOffset is where channel 0's conversion result lands in
// the frame's result array, due to the two-transaction pipeline.
const channelResultOffset = pipelineLatency

// frameCommands is the fixed command sequence of one sampling frame.
var frameCommands = buildFrame()

func buildFrame() [frameLen]uint16 {
	var frame [frameLen]uint16
	for ch := 0; ch < neural.MaxChannels; ch++ {
		frame[ch] = cmdConvert(uint8(ch))
	}
	for i := neural.MaxChannels; i < frameLen; i++ {
		frame[i] = cmdNoop
	}
	return frame
}
