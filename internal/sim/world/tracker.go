package world

import (
	"slices"

	"github.com/google/uuid"

	"shipyard.ai/internal/sim/claim"
)

// TrackEntry is what the visibility system knows about one cell.
type TrackEntry struct {
	Owner    uuid.UUID
	Watchers []string
	// Sent means watchers already hold the cell and need no fresh send.
	Sent bool
}

// OwnershipChange is reported to listeners whenever a cell is assigned to or
// released by a claimant. Owner is uuid.Nil on release.
type OwnershipChange struct {
	Cell     claim.Cell
	Owner    uuid.UUID
	Watchers []string
	Tick     uint64
}

// Listener is called on the loop goroutine and must not block.
type Listener interface {
	OwnershipChanged(ch OwnershipChange)
}

// Tracker is loop-confined.
type Tracker struct {
	tick      func() uint64
	entries   map[claim.Cell]*TrackEntry
	listeners []Listener
}

// NewTracker stamps changes with tick(); tick may be nil.
func NewTracker(tick func() uint64) *Tracker {
	if tick == nil {
		tick = func() uint64 { return 0 }
	}
	return &Tracker{
		tick:    tick,
		entries: map[claim.Cell]*TrackEntry{},
	}
}

func (t *Tracker) Subscribe(l Listener) {
	t.listeners = append(t.listeners, l)
}

func (t *Tracker) Assign(pos claim.Cell, owner uuid.UUID, watchers []string) {
	w := slices.Clone(watchers)
	t.entries[pos] = &TrackEntry{Owner: owner, Watchers: w, Sent: true}
	t.notify(OwnershipChange{Cell: pos, Owner: owner, Watchers: w})
}

func (t *Tracker) Release(pos claim.Cell) {
	e, ok := t.entries[pos]
	if !ok {
		return
	}
	delete(t.entries, pos)
	t.notify(OwnershipChange{Cell: pos, Watchers: e.Watchers})
}

func (t *Tracker) Entry(pos claim.Cell) (TrackEntry, bool) {
	e, ok := t.entries[pos]
	if !ok {
		return TrackEntry{}, false
	}
	out := *e
	out.Watchers = slices.Clone(e.Watchers)
	return out, true
}

func (t *Tracker) Len() int { return len(t.entries) }

func (t *Tracker) notify(ch OwnershipChange) {
	ch.Tick = t.tick()
	for _, l := range t.listeners {
		l.OwnershipChanged(ch)
	}
}
