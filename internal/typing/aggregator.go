// Package typing consolidates noisy typing.start/typing.stop signals into a
// per-channel "who is typing now" snapshot, evicting entries whose sender
// never managed to deliver a stop signal.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koi-chat/koi/internal/event"
)

// DefaultWindow is how long a typing signal stays live without renewal.
const DefaultWindow = 7 * time.Second

// Snapshot is the consolidated typing state of one channel. Users appear in
// the order their first signal arrived.
type Snapshot struct {
	ChannelID string
	Users     []event.User
}

type entry struct {
	user  event.User
	timer *clock.Timer
	seq   uint64
	gen   uint64
}

// Aggregator tracks live typing signals for a single channel. All mutations
// are serialized internally; separate channels get separate aggregators and
// never block each other.
type Aggregator struct {
	mu        sync.Mutex
	channelID string
	window    time.Duration
	clock     clock.Clock
	onUpdate  func(Snapshot)
	entries   map[string]*entry
	seq       uint64
	gen       uint64
	stopped   bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock substitutes the wall clock, letting tests advance time.
func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithWindow overrides the eviction window.
func WithWindow(d time.Duration) Option {
	return func(a *Aggregator) { a.window = d }
}

// NewAggregator creates an aggregator for channelID. onUpdate is invoked
// exactly once per processed signal with the current snapshot, including
// when the composition did not change.
func NewAggregator(channelID string, onUpdate func(Snapshot), opts ...Option) *Aggregator {
	a := &Aggregator{
		channelID: channelID,
		window:    DefaultWindow,
		clock:     clock.New(),
		onUpdate:  onUpdate,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ProcessSignal handles one typing signal for userID. A non-nil evt
// inserts or renews the entry, restarting (not stacking) its eviction
// countdown. A nil evt is an explicit stop: the entry is removed
// immediately and its timer canceled.
func (a *Aggregator) ProcessSignal(userID string, evt *event.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}

	if evt == nil || evt.User == nil {
		a.removeLocked(userID)
	} else {
		a.upsertLocked(userID, *evt.User)
	}
	a.notifyLocked()
}

// Stop cancels every live timer. Used at session teardown.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for userID, e := range a.entries {
		e.timer.Stop()
		delete(a.entries, userID)
	}
}

// Users returns the current snapshot without processing a signal.
func (a *Aggregator) Users() []event.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked().Users
}

func (a *Aggregator) upsertLocked(userID string, user event.User) {
	a.gen++
	gen := a.gen

	seq := a.seq
	if prev, ok := a.entries[userID]; ok {
		// Restart, not stack: the previous countdown must never fire.
		prev.timer.Stop()
		seq = prev.seq
	} else {
		a.seq++
	}

	a.entries[userID] = &entry{
		user: user,
		seq:  seq,
		gen:  gen,
		timer: a.clock.AfterFunc(a.window, func() {
			a.evict(userID, gen)
		}),
	}
}

func (a *Aggregator) removeLocked(userID string) {
	if e, ok := a.entries[userID]; ok {
		e.timer.Stop()
		delete(a.entries, userID)
	}
}

// evict runs when a countdown fires. The generation check discards timers
// that lost a Stop race with a renewal.
func (a *Aggregator) evict(userID string, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[userID]
	if !ok || e.gen != gen || a.stopped {
		return
	}
	delete(a.entries, userID)
	a.notifyLocked()
}

// notifyLocked delivers the current snapshot while still holding the lock,
// so listeners observe snapshots in mutation order and a stale one can never
// overtake a newer one. The callback must not call back into the aggregator.
func (a *Aggregator) notifyLocked() {
	if a.onUpdate != nil {
		a.onUpdate(a.snapshotLocked())
	}
}

func (a *Aggregator) snapshotLocked() Snapshot {
	ordered := make([]*entry, 0, len(a.entries))
	for _, e := range a.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	users := make([]event.User, 0, len(ordered))
	for _, e := range ordered {
		users = append(users, e.user)
	}
	return Snapshot{ChannelID: a.channelID, Users: users}
}
