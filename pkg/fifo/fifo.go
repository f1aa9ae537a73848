package fifo

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nbx-labs/neurec/pkg/neural"
)

const (
	// DefaultCapacity holds roughly half a second of data at the
	// configured sample rate.
	DefaultCapacity = 300
	// DefaultThresholdPct is the fill percentage that raises the
	// data-available signal.
	DefaultThresholdPct = 50
	// DefaultLockTimeout bounds how long Push and Pop wait for exclusive
	// access. The producer runs on a timing-sensitive path and must never
	// stall here.
	DefaultLockTimeout = 5 * time.Millisecond

	dropWarnInterval = time.Second
)

// Queue is a fixed-capacity circular buffer of records shared between a
// single producer and a single consumer. All index/occupancy mutation
// happens under an exclusive-access token acquired with a bounded wait;
// a caller that cannot get the token within the bound gives up on the
// current operation instead of blocking.
//
// The queue exposes a level-triggered "data available" signal with
// hysteresis: it fires only when occupancy crosses the threshold from
// below, and does not re-arm until occupancy has fallen back under the
// threshold. The consumer polls Wait with its own timeout to guarantee
// periodic draining regardless of the signal.
type Queue struct {
	token chan struct{} // exclusive-access token, capacity 1

	buf  []neural.Record
	head int
	tail int
	size int

	threshold   int // occupancy at which the signal fires
	lockTimeout time.Duration

	signal chan struct{}
	armed  bool

	occupancy atomic.Int64 // mirror of size for briefly-locked-free reads

	dropped      atomic.Uint64
	contended    atomic.Uint64
	lastDropWarn time.Time // guarded by token

	logger *zap.Logger
}

// New creates a queue. Zero capacity, threshold, or lock timeout fall
// back to the defaults.
func New(capacity, thresholdPct int, lockTimeout time.Duration, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if thresholdPct <= 0 {
		thresholdPct = DefaultThresholdPct
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &Queue{
		token:       make(chan struct{}, 1),
		buf:         make([]neural.Record, capacity),
		threshold:   capacity * thresholdPct / 100,
		lockTimeout: lockTimeout,
		signal:      make(chan struct{}, 1),
		armed:       true,
		logger:      logger,
	}
	q.token <- struct{}{}
	return q
}

// Capacity returns the number of slots in the queue.
func (q *Queue) Capacity() int {
	return len(q.buf)
}

// acquire takes the exclusive-access token within the lock timeout.
func (q *Queue) acquire() bool {
	select {
	case <-q.token:
		return true
	case <-time.After(q.lockTimeout):
		q.contended.Add(1)
		q.logger.Warn("queue contention: exclusive access not acquired within bound",
			zap.Duration("timeout", q.lockTimeout))
		return false
	}
}

func (q *Queue) release() {
	q.token <- struct{}{}
}

// Push enqueues up to len(records) records and returns how many were
// accepted. It never blocks beyond the lock timeout and never overwrites
// unread data: when capacity runs out mid-batch the remainder is dropped
// and counted. On lock contention it accepts nothing.
func (q *Queue) Push(records []neural.Record) int {
	if len(records) == 0 {
		return 0
	}
	if !q.acquire() {
		return 0
	}
	defer q.release()

	before := q.size
	accepted := 0
	for _, r := range records {
		if q.size == len(q.buf) {
			break
		}
		q.buf[q.tail] = r
		q.tail = (q.tail + 1) % len(q.buf)
		q.size++
		accepted++
	}
	q.occupancy.Store(int64(q.size))

	if excess := len(records) - accepted; excess > 0 {
		total := q.dropped.Add(uint64(excess))
		if now := time.Now(); now.Sub(q.lastDropWarn) >= dropWarnInterval {
			q.lastDropWarn = now
			q.logger.Warn("queue full, dropping samples",
				zap.Int("dropped", excess),
				zap.Uint64("dropped_total", total))
		}
	}

	// Raise the signal only on an upward threshold crossing.
	if q.armed && before < q.threshold && q.size >= q.threshold {
		q.armed = false
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}

	return accepted
}

// Pop dequeues up to max records in FIFO order. It returns nil when the
// queue is empty or exclusive access could not be acquired in time.
func (q *Queue) Pop(max int) []neural.Record {
	if max <= 0 {
		return nil
	}
	if !q.acquire() {
		return nil
	}
	defer q.release()

	if q.size == 0 {
		return nil
	}

	n := max
	if n > q.size {
		n = q.size
	}
	out := make([]neural.Record, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	q.occupancy.Store(int64(q.size))

	// Re-arm the signal once occupancy has drained below the threshold.
	if q.size < q.threshold {
		q.armed = true
	}

	return out
}

// Wait blocks until the data-available signal fires or the timeout
// elapses. It reports whether the signal fired.
func (q *Queue) Wait(timeout time.Duration) bool {
	select {
	case <-q.signal:
		return true
	case <-time.After(timeout):
		return false
	}
}

// FillRatio returns occupancy as a percentage of capacity.
func (q *Queue) FillRatio() int {
	return int(q.occupancy.Load()) * 100 / len(q.buf)
}

// Len returns the current occupancy.
func (q *Queue) Len() int {
	return int(q.occupancy.Load())
}

// Dropped returns the total number of records dropped on overflow.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Contended returns how many Push/Pop calls were abandoned because the
// exclusive-access token could not be acquired within the bound.
func (q *Queue) Contended() uint64 {
	return q.contended.Load()
}
