package bus

import (
	"strings"
	"sync"
	"time"
)

// FlushFunc receives one merged logical turn for a sender.
type FlushFunc func(senderID, accountID, mergedText string)

// pendingBatch buffers closely-spaced inbound texts for one sender until
// they can be merged into a single logical turn.
type pendingBatch struct {
	accountID string
	texts     []string
	firstAt   time.Time
}

// InboundDebouncer merges rapid inbound messages from the same sender into
// one logical turn. A batch flushes either when it reaches maxBatch texts
// (on arrival) or when the background sweep finds a single buffered text
// older than the stale threshold, so a lone message is never held forever.
//
// One mutex guards the whole batch map: the count-based flush and the
// timer-based flush observe-and-clear a batch as one atomic step, so the
// two paths can never both flush the same texts or lose a late arrival.
type InboundDebouncer struct {
	mu       sync.Mutex
	batches  map[string]*pendingBatch
	maxBatch int
	staleAge time.Duration
	flush    FlushFunc
}

const (
	defaultMaxBatch = 2
	defaultStaleAge = 2 * time.Second
)

// NewInboundDebouncer creates a debouncer. maxBatch <= 0 defaults to 2,
// staleAge <= 0 defaults to 2s.
func NewInboundDebouncer(maxBatch int, staleAge time.Duration, flush FlushFunc) *InboundDebouncer {
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	if staleAge <= 0 {
		staleAge = defaultStaleAge
	}
	return &InboundDebouncer{
		batches:  make(map[string]*pendingBatch),
		maxBatch: maxBatch,
		staleAge: staleAge,
		flush:    flush,
	}
}

// Push buffers text for a sender. When the batch reaches the merge
// threshold it is cleared and flushed as one single-space-joined turn.
// The flush callback runs outside the map lock.
func (d *InboundDebouncer) Push(senderID, accountID, text string) {
	d.mu.Lock()
	b, ok := d.batches[senderID]
	if !ok {
		b = &pendingBatch{accountID: accountID, firstAt: time.Now()}
		d.batches[senderID] = b
	}
	b.texts = append(b.texts, text)

	if len(b.texts) < d.maxBatch {
		d.mu.Unlock()
		return
	}

	merged := strings.Join(b.texts, " ")
	account := b.accountID
	delete(d.batches, senderID)
	d.mu.Unlock()

	d.flush(senderID, account, merged)
}

// SweepStale flushes every batch holding exactly one text whose age exceeds
// the stale threshold. Batches that disappear between scan and flush (a
// concurrent count-based flush) are simply skipped.
func (d *InboundDebouncer) SweepStale(now time.Time) {
	type flushItem struct {
		sender, account, text string
	}
	var stale []flushItem

	d.mu.Lock()
	for sender, b := range d.batches {
		if len(b.texts) == 1 && now.Sub(b.firstAt) > d.staleAge {
			stale = append(stale, flushItem{sender, b.accountID, b.texts[0]})
			delete(d.batches, sender)
		}
	}
	d.mu.Unlock()

	for _, it := range stale {
		d.flush(it.sender, it.account, it.text)
	}
}

// Pending returns the number of buffered texts for a sender (0 if none).
func (d *InboundDebouncer) Pending(senderID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.batches[senderID]; ok {
		return len(b.texts)
	}
	return 0
}

// Drop discards any buffered texts for a sender without flushing.
// Used when a sender turns terminal while texts are still buffered.
func (d *InboundDebouncer) Drop(senderID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.batches, senderID)
}
