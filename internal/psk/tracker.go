package psk

import (
	"fmt"
	"sync"
	"time"

	"cicada/internal/ledger"
)

const DefaultRetention = time.Hour

type trackState int

const (
	trackOffered trackState = iota
	trackFulfilling
	trackFulfilled
	trackRejected
)

type tracked struct {
	state     trackState
	session   uint64
	keepUntil time.Time
}

// Tracker remembers every transfer id the receiver has acted on so a
// redelivered PREPARE is never fulfilled twice. Within one ledger session a
// transfer is offered once; a transfer left unsettled when its session ended
// is offered again when the peer redelivers it. Entries are kept until the
// transfer expired plus the retention, or for the retention when the
// transfer carries no expiry.
type Tracker struct {
	mu        sync.Mutex
	entries   map[string]*tracked
	session   uint64
	retention time.Duration
	now       func() time.Time
}

func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		entries:   make(map[string]*tracked),
		retention: retention,
		now:       time.Now,
	}
}

// Observe records a transfer and reports whether it should be offered: the
// id is new, or it is still unsettled from an earlier session.
func (t *Tracker) Observe(id string, expiresAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	keepUntil := expiresAt
	if keepUntil.IsZero() {
		keepUntil = t.now()
	}
	keepUntil = keepUntil.Add(t.retention)
	if e, ok := t.entries[id]; ok {
		if e.state != trackOffered || e.session == t.session {
			return false
		}
		e.session = t.session
		e.keepUntil = keepUntil
		return true
	}
	t.entries[id] = &tracked{state: trackOffered, session: t.session, keepUntil: keepUntil}
	return true
}

// EndSession marks the current ledger session as over. Transfers still
// offered may be offered again in the next one.
func (t *Tracker) EndSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session++
}

// BeginFulfill moves an offered transfer to fulfilling. Only one caller wins.
func (t *Tracker) BeginFulfill(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownTransfer, id)
	}
	switch e.state {
	case trackFulfilling, trackFulfilled:
		return fmt.Errorf("%w: %s", ledger.ErrAlreadyFulfilled, id)
	case trackRejected:
		return fmt.Errorf("%w: %s", ledger.ErrAlreadyRejected, id)
	}
	e.state = trackFulfilling
	return nil
}

// FinishFulfill settles a fulfil attempt. A failed attempt returns the
// transfer to offered so the caller may try again.
func (t *Tracker) FinishFulfill(id string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[id]
	if !found {
		return
	}
	if ok {
		e.state = trackFulfilled
	} else {
		e.state = trackOffered
	}
}

func (t *Tracker) MarkRejected(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.state = trackRejected
	}
}

// Prune drops entries past their retention and returns how many were removed.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for id, e := range t.entries {
		if now.After(e.keepUntil) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
