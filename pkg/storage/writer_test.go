package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbx-labs/neurec/pkg/config"
	"github.com/nbx-labs/neurec/pkg/fifo"
	"github.com/nbx-labs/neurec/pkg/neural"
)

func newTestWriter(t *testing.T, mod func(*config.StorageConfig)) (*Store, *fifo.Queue, *Writer) {
	t.Helper()

	cfg := testStoreConfig(t.TempDir())
	cfg.DrainTimeout = 5 * time.Millisecond
	if mod != nil {
		mod(&cfg)
	}

	store := NewStore(cfg, nil)
	require.NoError(t, store.Init())

	queue := fifo.New(300, 50, 5*time.Millisecond, nil)
	return store, queue, NewWriter(store, queue, cfg, nil)
}

func makeRecords(n, seed int) []neural.Record {
	recs := make([]neural.Record, n)
	for i := range recs {
		for ch := range recs[i].Channels {
			recs[i].Channels[ch] = uint16(seed + i*16 + ch)
		}
		recs[i].Timestamp = uint32(seed + i*8)
	}
	return recs
}

func runWriter(w *Writer) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()
	return func() {
		stop()
		wg.Wait()
	}
}

func TestWriterFlushesDryQueue(t *testing.T) {
	store, queue, w := newTestWriter(t, nil)

	recs := makeRecords(10, 0)
	require.Equal(t, 10, queue.Push(recs))

	stop := runWriter(w)
	require.Eventually(t, func() bool {
		return w.RecordsWritten() == 10
	}, time.Second, 5*time.Millisecond)
	stop()

	got, err := ReadRecordsFile(store.DataFilePath(0))
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}

func TestWriterShutdownDrainsQueue(t *testing.T) {
	store, queue, w := newTestWriter(t, nil)

	recs := makeRecords(42, 100)
	require.Equal(t, 42, queue.Push(recs))

	stop := runWriter(w)
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Equal(t, uint64(42), w.RecordsWritten())
	assert.Equal(t, 0, queue.Len())

	got, err := ReadRecordsFile(store.DataFilePath(0))
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}

func TestWriterFileRotation(t *testing.T) {
	store, queue, w := newTestWriter(t, func(cfg *config.StorageConfig) {
		cfg.MaxFileSize = 5 * neural.RecordSize
		cfg.BatchSize = 10
	})

	require.Equal(t, 100, queue.Push(makeRecords(100, 0)))

	stop := runWriter(w)
	require.Eventually(t, func() bool {
		return w.RecordsWritten() == 100
	}, time.Second, 5*time.Millisecond)
	stop()

	names, err := store.ListFiles(store.SessionDir())
	require.NoError(t, err)
	assert.Greater(t, len(names), 1, "expected rotation to produce multiple files")

	total := 0
	for _, name := range names {
		path := filepath.Join(store.SessionDir(), name)
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.LessOrEqual(t, info.Size(), int64(w.cfg.MaxFileSize))

		recs, err := ReadRecordsFile(path)
		require.NoError(t, err)
		total += len(recs)
	}
	assert.Equal(t, 100, total)
}

func TestWriterRotationWithinSingleFlush(t *testing.T) {
	// A backlog drained into one flush must still split across files:
	// the size cap binds per file, not per flush.
	store, queue, w := newTestWriter(t, func(cfg *config.StorageConfig) {
		cfg.MaxFileSize = 5 * neural.RecordSize
		cfg.BatchSize = 100
	})

	require.Equal(t, 60, queue.Push(makeRecords(60, 0)))
	stop := runWriter(w)
	require.Eventually(t, func() bool {
		return w.RecordsWritten() == 60
	}, time.Second, 5*time.Millisecond)
	stop()

	names, err := store.ListFiles(store.SessionDir())
	require.NoError(t, err)
	assert.Len(t, names, 12)

	for _, name := range names {
		info, err := os.Stat(filepath.Join(store.SessionDir(), name))
		require.NoError(t, err)
		assert.Equal(t, int64(5*neural.RecordSize), info.Size())
	}
}

func TestWriterWriteErrorDropsBatch(t *testing.T) {
	store, queue, w := newTestWriter(t, nil)

	// Removing the session directory makes every flush fail.
	require.NoError(t, os.RemoveAll(store.SessionDir()))
	require.Equal(t, 10, queue.Push(makeRecords(10, 0)))

	stop := runWriter(w)
	require.Eventually(t, func() bool {
		return w.WriteErrors() > 0
	}, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, uint64(0), w.RecordsWritten())
}

func TestWriterEndToEndAccounting(t *testing.T) {
	store, queue, w := newTestWriter(t, nil)

	stop := runWriter(w)

	const produced = 1000
	recs := makeRecords(produced, 0)
	accepted := 0
	for i := range recs {
		accepted += queue.Push(recs[i : i+1])
	}

	time.Sleep(100 * time.Millisecond)
	stop()

	// Every record the queue accepted reaches disk; the rest were
	// rejected up front and counted. Nothing vanishes in between.
	assert.Equal(t, uint64(accepted), w.RecordsWritten())
	assert.GreaterOrEqual(t, uint64(produced), w.RecordsWritten()+queue.Dropped())
	assert.Greater(t, accepted, 0)

	names, err := store.ListFiles(store.SessionDir())
	require.NoError(t, err)

	total := 0
	for _, name := range names {
		got, err := ReadRecordsFile(filepath.Join(store.SessionDir(), name))
		require.NoError(t, err)
		total += len(got)
	}
	assert.Equal(t, int(w.RecordsWritten()), total)
}

// pacedWriter builds a writer over a queue with a generous lock timeout
// so paced-rate tests see only capacity effects, never lock contention.
func pacedWriter(t *testing.T, queueCapacity int, mod func(*config.StorageConfig)) (*fifo.Queue, *Writer) {
	t.Helper()

	cfg := testStoreConfig(t.TempDir())
	cfg.DrainTimeout = time.Millisecond
	if mod != nil {
		mod(&cfg)
	}

	store := NewStore(cfg, nil)
	require.NoError(t, store.Init())

	queue := fifo.New(queueCapacity, 50, 100*time.Millisecond, nil)
	return queue, NewWriter(store, queue, cfg, nil)
}

func TestWriterKeepsUpWithSlowerProducer(t *testing.T) {
	// Consumer rate above producer rate: every record reaches disk.
	queue, w := pacedWriter(t, 300, nil)
	stop := runWriter(w)

	const produced = 1000
	recs := makeRecords(produced, 0)
	accepted := 0
	for i := range recs {
		accepted += queue.Push(recs[i : i+1])
		time.Sleep(200 * time.Microsecond)
	}
	stop()

	assert.Equal(t, produced, accepted)
	assert.Equal(t, uint64(0), queue.Dropped())
	assert.Equal(t, uint64(produced), w.RecordsWritten())
}

func TestWriterThrottledConsumerBoundedLoss(t *testing.T) {
	// Consumer rate below producer rate: the queue overflows, loss is
	// bounded by capacity and fully accounted, writes stay whole.
	queue, w := pacedWriter(t, 100, func(cfg *config.StorageConfig) {
		cfg.BatchSize = 5
		cfg.DrainTimeout = 5 * time.Millisecond
	})
	stop := runWriter(w)

	const produced = 1000
	recs := makeRecords(produced, 0)
	accepted := 0
	for i := range recs {
		accepted += queue.Push(recs[i : i+1])
		time.Sleep(50 * time.Microsecond)
	}
	stop()

	dropped := queue.Dropped()
	assert.Greater(t, dropped, uint64(0), "a throttled consumer must overflow the queue")
	assert.Equal(t, uint64(produced), uint64(accepted)+dropped)
	assert.Equal(t, uint64(accepted), w.RecordsWritten())
}
