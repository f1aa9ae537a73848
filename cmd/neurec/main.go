package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nbx-labs/neurec/pkg/config"
	"github.com/nbx-labs/neurec/pkg/fifo"
	"github.com/nbx-labs/neurec/pkg/neural"
	"github.com/nbx-labs/neurec/pkg/notify"
	"github.com/nbx-labs/neurec/pkg/rhd"
	"github.com/nbx-labs/neurec/pkg/storage"
	"github.com/nbx-labs/neurec/pkg/synth"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		synthFlag  = flag.Bool("synth", false, "Use synthetic sample source instead of hardware")
		dataFlag   = flag.String("data", "", "Storage root override")
		debugFlag  = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logger, err := newLogger(*debugFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.String("path", *configFlag), zap.Error(err))
	}
	if *portFlag != "" {
		cfg.Bus.Port = *portFlag
	}
	if *dataFlag != "" {
		cfg.Storage.Root = *dataFlag
	}
	if *synthFlag {
		cfg.Synth.Enabled = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("recorder failed", zap.Error(err))
	}
	logger.Info("recorder shut down cleanly")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// run wires the pipeline: sample source into the bounded queue, queue
// into the session storage writer, latest-sample cell into telemetry.
// All long-running parts share one errgroup so a failure in any of them
// tears the rest down.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	queue := fifo.New(cfg.Queue.Capacity, cfg.Queue.ThresholdPct, cfg.Queue.LockTimeout, logger.Named("queue"))
	latest := &neural.Latest{}
	status := neural.NewStatusBoard(cfg.Version)

	// An unusable storage root means nothing can be recorded; fail
	// before touching the device.
	store := storage.NewStore(cfg.Storage, logger.Named("storage"))
	if err := store.Init(); err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	writer := storage.NewWriter(store, queue, cfg.Storage, logger.Named("storage"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writer.Run(ctx) })

	if cfg.Synth.Enabled {
		gen := synth.New(cfg.Synth, queue, latest, logger.Named("synth"))
		status.SetRecording(true)
		g.Go(func() error { return gen.Run(ctx) })
	} else {
		bus := rhd.NewSerialBus(cfg.Bus.Port, cfg.Bus.BaudRate)
		if err := bus.Open(); err != nil {
			return fmt.Errorf("failed to open amplifier bus: %w", err)
		}
		defer bus.Close()

		driver := rhd.New(bus, queue, latest, cfg, logger.Named("rhd"))
		if err := driver.BringUp(ctx); err != nil {
			return fmt.Errorf("amplifier bring-up failed: %w", err)
		}
		status.SetRecording(true)
		g.Go(func() error { return driver.Run(ctx) })
	}

	if cfg.Notify.Enabled {
		notifier := notify.New(cfg.Notify, latest, status, logger.Named("notify"))
		if err := notifier.Connect(); err != nil {
			// Telemetry is best effort; recording proceeds without it.
			logger.Warn("mqtt broker unavailable, telemetry disabled", zap.Error(err))
		} else {
			g.Go(func() error { return notifier.Run(ctx) })
		}
	}

	err := g.Wait()
	status.SetRecording(false)
	return err
}
