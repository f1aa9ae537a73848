package neural

import "sync"

// ConfigVersionLength is the maximum length of the configuration string
// reported in the device status.
const ConfigVersionLength = 8

// Status is one snapshot of device health exposed to the notifier.
// It carries no derived logic; fields are bookkeeping only.
type Status struct {
	BatteryLevel  uint8  `json:"battery_level"`
	Temperature   int8   `json:"temperature"`
	Recording     bool   `json:"recording"`
	Configuration string `json:"configuration"`
}

// StatusBoard holds the current device status behind a lock.
type StatusBoard struct {
	mu  sync.RWMutex
	cur Status
}

// NewStatusBoard creates a status board with the given configuration
// string (truncated to ConfigVersionLength) and default health values.
func NewStatusBoard(configuration string) *StatusBoard {
	if len(configuration) > ConfigVersionLength {
		configuration = configuration[:ConfigVersionLength]
	}
	return &StatusBoard{
		cur: Status{
			BatteryLevel:  100,
			Temperature:   25,
			Configuration: configuration,
		},
	}
}

// Snapshot returns a copy of the current status.
func (b *StatusBoard) Snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cur
}

// SetRecording updates the recording flag.
func (b *StatusBoard) SetRecording(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.Recording = on
}

// SetBattery updates the battery level.
func (b *StatusBoard) SetBattery(level uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.BatteryLevel = level
}

// SetTemperature updates the temperature reading.
func (b *StatusBoard) SetTemperature(celsius int8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.Temperature = celsius
}
