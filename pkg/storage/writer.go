package storage

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nbx-labs/neurec/pkg/config"
	"github.com/nbx-labs/neurec/pkg/fifo"
	"github.com/nbx-labs/neurec/pkg/neural"
)

// Writer drains the sample queue into sequentially numbered data files
// inside the current session directory. Records accumulate in an
// in-memory buffer and are flushed as one append per batch; a file is
// rotated once it reaches the size cap, so no file exceeds the cap by
// more than one flush.
type Writer struct {
	store  *Store
	queue  *fifo.Queue
	cfg    config.StorageConfig
	logger *zap.Logger

	buf         []byte
	fileCounter uint32
	fileSize    int

	lastFlush time.Time

	recordsWritten atomic.Uint64
	writeErrors    atomic.Uint64
}

// NewWriter creates a writer over an initialized store.
func NewWriter(store *Store, queue *fifo.Queue, cfg config.StorageConfig, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 25376
	}
	if cfg.MaxFileSize < neural.RecordSize {
		cfg.MaxFileSize = 76128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 40 * time.Millisecond
	}

	return &Writer{
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		buf:    make([]byte, 0, cfg.FlushSize+cfg.BatchSize*neural.RecordSize),
	}
}

// Run is the writer loop. It waits for the store to become ready, then
// cycles: wait for the queue's data-available signal (bounded), drain
// up to a batch, and flush when the buffer is large enough, the flush
// interval elapsed, or the queue ran dry. On shutdown whatever is
// buffered is flushed before returning.
func (w *Writer) Run(ctx context.Context) error {
	select {
	case <-w.store.Ready():
	case <-ctx.Done():
		return nil
	}

	w.lastFlush = time.Now()
	w.logger.Info("storage writer started", zap.String("session", w.store.SessionDir()))

	for {
		select {
		case <-ctx.Done():
			w.drainAll()
			w.flush()
			w.logger.Info("storage writer stopped",
				zap.Uint64("records", w.recordsWritten.Load()),
				zap.Uint64("write_errors", w.writeErrors.Load()))
			return nil
		default:
		}

		w.queue.Wait(w.cfg.DrainTimeout)

		batch := w.queue.Pop(w.cfg.BatchSize)
		for _, rec := range batch {
			w.buf = rec.AppendBinary(w.buf)
		}

		dry := len(batch) < w.cfg.BatchSize
		if len(w.buf) > 0 &&
			(len(w.buf) >= w.cfg.FlushSize || time.Since(w.lastFlush) >= w.cfg.FlushInterval || dry) {
			w.flush()
		}
	}
}

// drainAll empties the queue into the buffer, flushing whenever the
// buffer fills. Used on shutdown so queued samples are not lost.
func (w *Writer) drainAll() {
	for {
		batch := w.queue.Pop(w.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		for _, rec := range batch {
			w.buf = rec.AppendBinary(w.buf)
		}
		if len(w.buf) >= w.cfg.FlushSize {
			w.flush()
		}
	}
}

// flush appends the buffered records to the data files. A flush can
// hold more than one file's worth of records, so the buffer is split
// at whole-record boundaries: each append fills the current file up to
// the size cap, rotating mid-flush as needed, and no file ever exceeds
// the cap. A failed write is logged and the rest of the buffer dropped;
// storage errors must not stall acquisition.
func (w *Writer) flush() {
	if len(w.buf) == 0 {
		return
	}

	data := w.buf
	for len(data) > 0 {
		room := w.cfg.MaxFileSize - w.fileSize
		room -= room % neural.RecordSize
		if room <= 0 {
			w.fileCounter++
			w.fileSize = 0
			w.logger.Debug("rotating data file", zap.Uint32("counter", w.fileCounter))
			continue
		}

		n := len(data)
		if n > room {
			n = room
		}

		path := w.store.DataFilePath(w.fileCounter)
		if err := w.store.AppendFile(path, data[:n]); err != nil {
			w.writeErrors.Add(1)
			w.logger.Error("data file write failed, dropping batch",
				zap.String("path", path),
				zap.Int("bytes", len(data)),
				zap.Error(err))
			break
		}
		w.fileSize += n
		w.recordsWritten.Add(uint64(n / neural.RecordSize))
		data = data[n:]
	}

	w.buf = w.buf[:0]
	w.lastFlush = time.Now()
}

// RecordsWritten returns the number of records flushed to disk.
func (w *Writer) RecordsWritten() uint64 {
	return w.recordsWritten.Load()
}

// WriteErrors returns the number of failed flushes.
func (w *Writer) WriteErrors() uint64 {
	return w.writeErrors.Load()
}
