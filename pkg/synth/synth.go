package synth

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"
	"go.uber.org/zap"

	"github.com/nbx-labs/neurec/pkg/config"
	"github.com/nbx-labs/neurec/pkg/fifo"
	"github.com/nbx-labs/neurec/pkg/neural"
)

const (
	midScale = 32768

	// Base waveform frequency of channel 0, in Hz. Each channel adds a
	// phase offset so the sixteen traces are distinguishable.
	baseFrequency = 4.0
)

// Generator produces simulated amplifier records at a fixed rate and
// feeds them through the same queue the hardware driver would. It lets
// the full pipeline run on a desk with no implant attached.
type Generator struct {
	cfg    config.SynthConfig
	queue  *fifo.Queue
	latest *neural.Latest
	logger *zap.Logger

	start time.Time
	tick  uint32

	generated atomic.Uint64
	deferred  atomic.Uint64
}

// New creates a generator. Zero config fields fall back to defaults.
func New(cfg config.SynthConfig, queue *fifo.Queue, latest *neural.Latest, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 7692 * time.Microsecond
	}
	if cfg.Amplitude <= 0 {
		cfg.Amplitude = 1000
	}
	if cfg.BackoffPct <= 0 {
		cfg.BackoffPct = 90
	}

	return &Generator{
		cfg:    cfg,
		queue:  queue,
		latest: latest,
		logger: logger,
	}
}

// Run generates records until the context is cancelled. When the queue
// fill ratio reaches the backoff threshold the tick is skipped instead
// of pushing into a near-full queue; the consumer catches up and
// generation resumes on its own.
func (g *Generator) Run(ctx context.Context) error {
	g.start = time.Now()
	g.logger.Info("synthetic source started",
		zap.Duration("sample_rate", g.cfg.SampleRate),
		zap.Float64("amplitude", g.cfg.Amplitude))

	ticker := time.NewTicker(g.cfg.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("synthetic source stopped",
				zap.Uint64("generated", g.generated.Load()),
				zap.Uint64("deferred", g.deferred.Load()))
			return nil
		case <-ticker.C:
			if g.queue.FillRatio() >= g.cfg.BackoffPct {
				g.deferred.Add(1)
				continue
			}

			rec := g.generate()
			g.queue.Push([]neural.Record{rec})
			g.latest.Store(rec)
			g.generated.Add(1)
		}
	}
}

// generate builds one record: a per-channel sine around mid-scale plus
// a slow counter ramp so consecutive samples never repeat exactly.
func (g *Generator) generate() neural.Record {
	elapsed := time.Since(g.start)
	t := float32(elapsed.Seconds())
	g.tick++

	var rec neural.Record
	for ch := range rec.Channels {
		phase := 2 * math32.Pi * (baseFrequency*t + float32(ch)/neural.MaxChannels)
		v := float32(g.cfg.Amplitude) * math32.Sin(phase)
		rec.Channels[ch] = uint16(int32(midScale) + int32(v) + int32(g.tick%64))
	}
	rec.Timestamp = uint32(elapsed.Milliseconds())
	return rec
}

// Generated returns the number of records pushed so far.
func (g *Generator) Generated() uint64 {
	return g.generated.Load()
}

// Deferred returns the number of ticks skipped due to queue pressure.
func (g *Generator) Deferred() uint64 {
	return g.deferred.Load()
}
