package neural

import "sync"

// Latest is the most recent sample snapshot shared with the notifier.
// It is overwritten in place by the producer after every successful
// sample and is deliberately not synchronized with the queue: consumers
// get a best-effort "most recent" view, not exactly-once delivery.
type Latest struct {
	mu        sync.Mutex
	rec       Record
	valid     bool
	delivered bool
}

// Store overwrites the snapshot and marks it not yet delivered.
func (l *Latest) Store(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rec = r
	l.valid = true
	l.delivered = false
}

// Peek returns the current snapshot without changing the delivered flag.
// The second return value reports whether any sample has been stored yet.
func (l *Latest) Peek() (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec, l.valid
}

// Take returns the snapshot and whether it was still undelivered,
// marking it delivered. A repeated Take without an intervening Store
// reports fresh == false.
func (l *Latest) Take() (rec Record, fresh bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fresh = l.valid && !l.delivered
	l.delivered = true
	return l.rec, fresh
}
