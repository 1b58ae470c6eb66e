// Package ledger tracks per-recipient send history used for pacing and
// admission control.
package ledger

import (
	"sync"
	"time"

	"github.com/ashureev/replybot/internal/domain"
)

// DefaultWindow is the trailing window counted against the per-minute cap.
const DefaultWindow = time.Minute

// record is the SendRecord of one recipient. recentSends is ordered oldest first.
type record struct {
	mu          sync.Mutex
	lastSentAt  time.Time
	recentSends []time.Time
	evicted     bool
}

// Ledger is the single source of truth for recipient pacing state.
// The map lock only guards lookup and creation; each record has its own
// mutex so unrelated recipients never contend.
type Ledger struct {
	mu      sync.RWMutex
	records map[domain.Recipient]*record
	window  time.Duration
}

// New creates a ledger counting sends within window. A non-positive window
// falls back to DefaultWindow.
func New(window time.Duration) *Ledger {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Ledger{
		records: make(map[domain.Recipient]*record),
		window:  window,
	}
}

// Window returns the trailing window length.
func (l *Ledger) Window() time.Duration {
	return l.window
}

func (l *Ledger) get(recipient domain.Recipient) *record {
	l.mu.RLock()
	rec, ok := l.records[recipient]
	l.mu.RUnlock()
	if ok {
		return rec
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok = l.records[recipient]; ok {
		return rec
	}
	rec = &record{}
	l.records[recipient] = rec
	return rec
}

func (l *Ledger) lookup(recipient domain.Recipient) (*record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[recipient]
	return rec, ok
}

// acquire returns the live record for recipient with its mutex held. A record
// evicted between lookup and locking is retried against the map.
func (l *Ledger) acquire(recipient domain.Recipient) *record {
	for {
		rec := l.get(recipient)
		rec.mu.Lock()
		if !rec.evicted {
			return rec
		}
		rec.mu.Unlock()
	}
}

// RecordSend appends t to the recipient's recent sends and sets lastSentAt.
func (l *Ledger) RecordSend(recipient domain.Recipient, t time.Time) {
	rec := l.acquire(recipient)
	defer rec.mu.Unlock()

	rec.recentSends = append(rec.recentSends, t)
	if t.After(rec.lastSentAt) {
		rec.lastSentAt = t
	}
}

// PruneAndCount drops sends older than the window relative to now, stores the
// pruned list and returns its length with a copy of it.
func (l *Ledger) PruneAndCount(recipient domain.Recipient, now time.Time) (int, []time.Time) {
	rec := l.acquire(recipient)
	defer rec.mu.Unlock()

	cutoff := now.Add(-l.window)
	// Entries are oldest first, so everything before the first fresh one goes.
	idx := 0
	for idx < len(rec.recentSends) && !rec.recentSends[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		rec.recentSends = append(rec.recentSends[:0], rec.recentSends[idx:]...)
	}

	pruned := make([]time.Time, len(rec.recentSends))
	copy(pruned, rec.recentSends)
	return len(pruned), pruned
}

// LastSent returns the time of the most recent successful send, if any.
func (l *Ledger) LastSent(recipient domain.Recipient) (time.Time, bool) {
	rec, ok := l.lookup(recipient)
	if !ok {
		return time.Time{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.lastSentAt.IsZero() {
		return time.Time{}, false
	}
	return rec.lastSentAt, true
}

// Len returns the number of tracked recipients.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Evict removes recipients whose last activity is at or before idleBefore and
// returns how many were dropped. Records that are busy are skipped and picked
// up by a later sweep.
func (l *Ledger) Evict(idleBefore time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for recipient, rec := range l.records {
		if !rec.mu.TryLock() {
			continue
		}
		idle := !rec.lastSentAt.After(idleBefore)
		if n := len(rec.recentSends); n > 0 && rec.recentSends[n-1].After(idleBefore) {
			idle = false
		}
		if idle {
			rec.evicted = true
			delete(l.records, recipient)
			evicted++
		}
		rec.mu.Unlock()
	}
	return evicted
}
