package rhd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nbx-labs/neurec/pkg/config"
	"github.com/nbx-labs/neurec/pkg/fifo"
	"github.com/nbx-labs/neurec/pkg/neural"
)

// State is the acquisition driver's bring-up state.
type State int32

const (
	Uninitialized State = iota
	BusReady
	PipelinePrimed
	Calibrating
	Verifying
	Operational
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case BusReady:
		return "bus-ready"
	case PipelinePrimed:
		return "pipeline-primed"
	case Calibrating:
		return "calibrating"
	case Verifying:
		return "verifying"
	case Operational:
		return "operational"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotOperational is returned when sampling is requested before a
// successful bring-up.
var ErrNotOperational = errors.New("device not operational")

// Driver owns the amplifier bring-up protocol and periodic sampling. It
// is the queue's single producer: one record per timer tick, pushed
// without ever blocking beyond the queue's bounded lock wait, plus an
// overwrite of the latest-sample snapshot.
type Driver struct {
	bus    Bus
	queue  *fifo.Queue
	latest *neural.Latest
	cfg    *config.Config
	logger *zap.Logger

	state atomic.Int32

	// work defers sampling out of the timer's own loop into a dedicated
	// goroutine, since a frame of bus transactions is far too slow for
	// the tick path.
	work chan struct{}

	start        time.Time
	skippedTicks atomic.Uint64
	busErrors    atomic.Uint64
}

// New creates a driver. The bus must already be open (or openable by
// the caller) before BringUp.
func New(bus Bus, queue *fifo.Queue, latest *neural.Latest, cfg *config.Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		bus:    bus,
		queue:  queue,
		latest: latest,
		cfg:    cfg,
		logger: logger,
		work:   make(chan struct{}, 1),
	}
}

// State returns the current bring-up state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
}

// transactLatched issues cmd and returns its own result. The device
// delivers the result of command N only on transaction N+2, so two
// trailing no-op reads are always performed and the third response
// returned; no call site gets to skip them.
func (d *Driver) transactLatched(cmd uint16) (uint16, error) {
	if _, err := d.bus.Transact(cmd); err != nil {
		return 0, err
	}
	if _, err := d.bus.Transact(cmdNoop); err != nil {
		return 0, err
	}
	return d.bus.Transact(cmdNoop)
}

// BringUp runs the identification/configuration/calibration sequence,
// retrying up to the configured attempt budget with a fixed backoff.
// Exhausting the budget is fatal for acquisition: the device cannot
// claim to be sampling, and the single returned error says so.
func (d *Driver) BringUp(ctx context.Context) error {
	attempts := d.cfg.Bringup.Attempts
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		err := d.bringUpOnce()
		if err == nil {
			d.setState(Operational)
			d.logger.Info("device operational",
				zap.Int("attempt", attempt))
			return nil
		}

		lastErr = err
		d.setState(Uninitialized)
		d.logger.Warn("bring-up attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("budget", attempts),
			zap.Error(err))

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			d.setState(Failed)
			return ctx.Err()
		case <-time.After(d.cfg.Bringup.Backoff):
		}
	}

	d.setState(Failed)
	return fmt.Errorf("device bring-up failed after %d attempts: %w", attempts, lastErr)
}

// bringUpOnce runs one full bring-up attempt.
func (d *Driver) bringUpOnce() error {
	if !d.bus.Ready() {
		return errors.New("serial bus not ready")
	}
	d.setState(BusReady)

	// Flush the device's internal response pipeline.
	for i := 0; i < primeCount; i++ {
		if _, err := d.bus.Transact(cmdNoop); err != nil {
			return fmt.Errorf("pipeline prime %d: %w", i, err)
		}
	}
	d.setState(PipelinePrimed)

	if _, err := d.transactLatched(cmdClear); err != nil {
		return fmt.Errorf("clear command: %w", err)
	}

	if err := d.verifyIdentity(); err != nil {
		return err
	}

	if err := d.writeConfig(); err != nil {
		return err
	}

	d.setState(Calibrating)
	if _, err := d.bus.Transact(cmdCalibrate); err != nil {
		return fmt.Errorf("calibrate command: %w", err)
	}
	// Nine dummy commands generate the clock cycles the ADC needs to
	// run self-calibration.
	for i := 0; i < calibrateClocks; i++ {
		if _, err := d.bus.Transact(cmdDummyClock); err != nil {
			return fmt.Errorf("calibrate clock %d: %w", i, err)
		}
	}

	d.setState(Verifying)
	if _, err := d.bus.Transact(cmdNoop); err != nil {
		return fmt.Errorf("calibrate retrieval: %w", err)
	}
	marker, err := d.bus.Transact(cmdNoop)
	if err != nil {
		return fmt.Errorf("calibrate retrieval: %w", err)
	}
	if marker != calibrateDone {
		return fmt.Errorf("calibration did not complete: marker 0x%04x", marker)
	}

	return nil
}

// verifyIdentity reads the five ROM registers that spell the device
// identity string; any mismatch fails this attempt.
func (d *Driver) verifyIdentity() error {
	got := make([]byte, len(deviceIdentity))
	for i := range got {
		res, err := d.transactLatched(cmdRead(uint8(identityROMBase + i)))
		if err != nil {
			return fmt.Errorf("identity read %d: %w", i, err)
		}
		got[i] = byte(res & 0xFF)
	}
	if string(got) != deviceIdentity {
		return fmt.Errorf("identity mismatch: got %q, want %q", got, deviceIdentity)
	}
	return nil
}

// writeConfig writes the eighteen configuration registers, verifying
// each echoed result: high byte must be the write marker, low byte must
// echo the register's own low byte.
func (d *Driver) writeConfig() error {
	for reg, value := range configRegisters {
		res, err := d.transactLatched(cmdWrite(uint8(reg), value))
		if err != nil {
			return fmt.Errorf("config write reg %d: %w", reg, err)
		}
		if res>>8 != writeMarker || uint8(res&0xFF) != value {
			return fmt.Errorf("config readback mismatch on reg %d: wrote 0x%02x, echo 0x%04x", reg, value, res)
		}
	}
	return nil
}

// Run starts periodic sampling and blocks until the context is
// cancelled. The timer loop itself only schedules; the bus work happens
// on the dedicated sampling goroutine.
func (d *Driver) Run(ctx context.Context) error {
	if d.State() != Operational {
		return ErrNotOperational
	}

	rate := d.cfg.Acquisition.SampleRateHz
	if rate <= 0 {
		rate = 130
	}
	period := time.Duration(1_000_000/rate) * time.Microsecond
	d.start = time.Now()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sampleWorker(ctx)
	}()

	d.logger.Info("sampling scheduled",
		zap.Duration("period", period),
		zap.Duration("settle_delay", d.cfg.Acquisition.SettleDelay))

	// Let the analog front end settle before the first conversion. The
	// first sample fires right when the settle window closes, the ticker
	// paces everything after it.
	settle := time.NewTimer(d.cfg.Acquisition.SettleDelay)
	select {
	case <-ctx.Done():
		settle.Stop()
		wg.Wait()
		return nil
	case <-settle.C:
	}
	d.schedule()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			d.schedule()
		}
	}
}

// schedule hands one sample to the worker without blocking. A sample
// still on the bus means this tick is skipped rather than stalling the
// timer.
func (d *Driver) schedule() {
	select {
	case d.work <- struct{}{}:
	default:
		d.skippedTicks.Add(1)
	}
}

func (d *Driver) sampleWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.work:
			d.sampleOnce()
		}
	}
}

// sampleOnce runs one 19-command conversion frame, extracts the sixteen
// channel readings from the pipelined result positions, pushes exactly
// one record and overwrites the latest-sample snapshot. A failed
// transaction yields a zero reading for that slot; steady-state
// sampling never aborts on a transient bus error.
func (d *Driver) sampleOnce() {
	var results [frameLen]uint16
	for i, cmd := range frameCommands {
		res, err := d.bus.Transact(cmd)
		if err != nil {
			d.busErrors.Add(1)
			d.logger.Warn("bus transaction failed, using zero reading",
				zap.Int("slot", i),
				zap.Error(err))
			res = 0
		}
		results[i] = res
	}

	var rec neural.Record
	for ch := 0; ch < neural.MaxChannels; ch++ {
		rec.Channels[ch] = results[ch+channelResultOffset]
	}
	rec.Timestamp = uint32(time.Since(d.start).Milliseconds())

	d.queue.Push([]neural.Record{rec})
	d.latest.Store(rec)
}

// SkippedTicks returns how many timer ticks were dropped because a
// sample was still in flight.
func (d *Driver) SkippedTicks() uint64 {
	return d.skippedTicks.Load()
}

// BusErrors returns the count of transient bus transaction failures
// absorbed during steady-state sampling.
func (d *Driver) BusErrors() uint64 {
	return d.busErrors.Load()
}
