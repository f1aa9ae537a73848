package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the recorder configuration.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Bringup     BringupConfig     `yaml:"bringup"`
	Queue       QueueConfig       `yaml:"queue"`
	Storage     StorageConfig     `yaml:"storage"`
	Synth       SynthConfig       `yaml:"synth"`
	Notify      NotifyConfig      `yaml:"notify"`
	Version     string            `yaml:"version"` // reported in device status
}

// BusConfig contains serial bus configuration for the amplifier link.
type BusConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// AcquisitionConfig contains periodic sampling parameters.
type AcquisitionConfig struct {
	SampleRateHz int           `yaml:"sample_rate_hz"` // conversion frames per second
	SettleDelay  time.Duration `yaml:"settle_delay"`   // delay before the first timer fire
}

// BringupConfig contains device bring-up retry parameters.
type BringupConfig struct {
	Attempts int           `yaml:"attempts"` // total bring-up attempts before giving up
	Backoff  time.Duration `yaml:"backoff"`  // wait between attempts
}

// QueueConfig contains bounded sample queue parameters.
type QueueConfig struct {
	Capacity     int           `yaml:"capacity"`      // slots in the circular buffer
	ThresholdPct int           `yaml:"threshold_pct"` // fill percentage that raises the data-available signal
	LockTimeout  time.Duration `yaml:"lock_timeout"`  // bound on queue lock acquisition
}

// StorageConfig contains storage writer parameters.
type StorageConfig struct {
	Root          string        `yaml:"root"`           // root path holding session directories
	SessionPrefix string        `yaml:"session_prefix"` // directory name prefix, suffix is the session ordinal
	MaxFileSize   int           `yaml:"max_file_size"`  // rotate the data file once it reaches this many bytes
	FlushSize     int           `yaml:"flush_size"`     // flush the write buffer once it holds this many bytes
	FlushInterval time.Duration `yaml:"flush_interval"` // flush at least this often while data is buffered
	BatchSize     int           `yaml:"batch_size"`     // records drained from the queue per cycle
	DrainTimeout  time.Duration `yaml:"drain_timeout"`  // bound on waiting for the queue signal
	LockTimeout   time.Duration `yaml:"lock_timeout"`   // bound on filesystem token acquisition
}

// SynthConfig contains synthetic data generator configuration.
type SynthConfig struct {
	Enabled    bool          `yaml:"enabled"`     // substitute the generator for the real driver
	SampleRate time.Duration `yaml:"sample_rate"` // interval between generated records
	Amplitude  float64       `yaml:"amplitude"`   // sine amplitude in ADC counts
	BackoffPct int           `yaml:"backoff_pct"` // stop generating above this queue fill percentage
}

// NotifyConfig contains notifier link configuration.
type NotifyConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	Port           int           `yaml:"port"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	DataInterval   time.Duration `yaml:"data_interval"`   // latest-sample publish period
	StatusInterval time.Duration `yaml:"status_interval"` // device-status publish period
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 921600,
		},
		Acquisition: AcquisitionConfig{
			SampleRateHz: 130,
			SettleDelay:  3 * time.Second,
		},
		Bringup: BringupConfig{
			Attempts: 5,
			Backoff:  time.Second,
		},
		Queue: QueueConfig{
			Capacity:     300,
			ThresholdPct: 50,
			LockTimeout:  5 * time.Millisecond,
		},
		Storage: StorageConfig{
			Root:          "data",
			SessionPrefix: "session_",
			MaxFileSize:   76128, // about 2.4 seconds of recording per file
			FlushSize:     25376,
			FlushInterval: 500 * time.Millisecond,
			BatchSize:     100,
			DrainTimeout:  40 * time.Millisecond,
			LockTimeout:   time.Second,
		},
		Synth: SynthConfig{
			Enabled:    false,
			SampleRate: 7692 * time.Microsecond, // 130 Hz equivalent
			Amplitude:  1000,
			BackoffPct: 90,
		},
		Notify: NotifyConfig{
			Enabled:        false,
			Broker:         "localhost",
			Port:           1883,
			TopicPrefix:    "neurec",
			DataInterval:   15 * time.Millisecond,
			StatusInterval: time.Second,
		},
		Version: "v0.0.1",
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Bus.Port == "" {
		c.Bus.Port = def.Bus.Port
	}
	if c.Bus.BaudRate == 0 {
		c.Bus.BaudRate = def.Bus.BaudRate
	}

	if c.Acquisition.SampleRateHz == 0 {
		c.Acquisition.SampleRateHz = def.Acquisition.SampleRateHz
	}
	if c.Acquisition.SettleDelay == 0 {
		c.Acquisition.SettleDelay = def.Acquisition.SettleDelay
	}

	if c.Bringup.Attempts == 0 {
		c.Bringup.Attempts = def.Bringup.Attempts
	}
	if c.Bringup.Backoff == 0 {
		c.Bringup.Backoff = def.Bringup.Backoff
	}

	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = def.Queue.Capacity
	}
	if c.Queue.ThresholdPct == 0 {
		c.Queue.ThresholdPct = def.Queue.ThresholdPct
	}
	if c.Queue.LockTimeout == 0 {
		c.Queue.LockTimeout = def.Queue.LockTimeout
	}

	if c.Storage.Root == "" {
		c.Storage.Root = def.Storage.Root
	}
	if c.Storage.SessionPrefix == "" {
		c.Storage.SessionPrefix = def.Storage.SessionPrefix
	}
	if c.Storage.MaxFileSize == 0 {
		c.Storage.MaxFileSize = def.Storage.MaxFileSize
	}
	if c.Storage.FlushSize == 0 {
		c.Storage.FlushSize = def.Storage.FlushSize
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = def.Storage.FlushInterval
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = def.Storage.BatchSize
	}
	if c.Storage.DrainTimeout == 0 {
		c.Storage.DrainTimeout = def.Storage.DrainTimeout
	}
	if c.Storage.LockTimeout == 0 {
		c.Storage.LockTimeout = def.Storage.LockTimeout
	}

	if c.Synth.SampleRate == 0 {
		c.Synth.SampleRate = def.Synth.SampleRate
	}
	if c.Synth.Amplitude == 0 {
		c.Synth.Amplitude = def.Synth.Amplitude
	}
	if c.Synth.BackoffPct == 0 {
		c.Synth.BackoffPct = def.Synth.BackoffPct
	}

	if c.Notify.Broker == "" {
		c.Notify.Broker = def.Notify.Broker
	}
	if c.Notify.Port == 0 {
		c.Notify.Port = def.Notify.Port
	}
	if c.Notify.TopicPrefix == "" {
		c.Notify.TopicPrefix = def.Notify.TopicPrefix
	}
	if c.Notify.DataInterval == 0 {
		c.Notify.DataInterval = def.Notify.DataInterval
	}
	if c.Notify.StatusInterval == 0 {
		c.Notify.StatusInterval = def.Notify.StatusInterval
	}

	if c.Version == "" {
		c.Version = def.Version
	}
}
