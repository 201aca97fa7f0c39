// Package state holds the in-memory view of the session: global unread
// aggregates, per-channel runtime state (watchers, typing, capabilities),
// and the set of actively watched channels.
package state

import (
	"sync"

	"go.uber.org/zap"

	"github.com/koi-chat/koi/internal/bus"
	"github.com/koi-chat/koi/internal/typing"
)

// UnreadCounts is the payload of a state.unread_changed bus event.
type UnreadCounts struct {
	TotalUnreadCount int
	UnreadChannels   int
}

// channelState is the runtime state of one channel. Persisted data lives in
// the store; this tracks only what is meaningful while connected.
type channelState struct {
	cid          string
	capabilities map[string]bool
	watcherCount int
	typingUsers  []string
	active       bool
}

// Registry is the session-wide state container. All methods are safe for
// concurrent use. Mutations that change something observable publish a bus
// event so frontends can refresh.
type Registry struct {
	mu       sync.RWMutex
	unread   UnreadCounts
	channels map[string]*channelState

	bus *bus.Bus
	log *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(b *bus.Bus, log *zap.Logger) *Registry {
	return &Registry{
		channels: make(map[string]*channelState),
		bus:      b,
		log:      log.Named("state"),
	}
}

func (r *Registry) channel(cid string) *channelState {
	cs, ok := r.channels[cid]
	if !ok {
		cs = &channelState{cid: cid, capabilities: make(map[string]bool)}
		r.channels[cid] = cs
	}
	return cs
}

// SetUnreadCounts replaces the global unread aggregate. No-op if unchanged.
func (r *Registry) SetUnreadCounts(total, channels int) {
	r.mu.Lock()
	if r.unread.TotalUnreadCount == total && r.unread.UnreadChannels == channels {
		r.mu.Unlock()
		return
	}
	r.unread = UnreadCounts{TotalUnreadCount: total, UnreadChannels: channels}
	counts := r.unread
	r.mu.Unlock()

	r.bus.Emit(bus.KindStateUnreadChanged, counts)
}

// UnreadCounts returns the current global unread aggregate.
func (r *Registry) UnreadCounts() UnreadCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unread
}

// SetCapabilities records the server-granted capability set for a channel.
func (r *Registry) SetCapabilities(cid string, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.channel(cid)
	cs.capabilities = make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		cs.capabilities[c] = true
	}
}

// HasCapability reports whether the channel grants the named capability.
// Unknown channels grant nothing.
func (r *Registry) HasCapability(cid, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.channels[cid]
	return ok && cs.capabilities[name]
}

// SetWatcherCount updates the channel's live watcher count.
func (r *Registry) SetWatcherCount(cid string, count int) {
	r.mu.Lock()
	cs := r.channel(cid)
	changed := cs.watcherCount != count
	cs.watcherCount = count
	r.mu.Unlock()

	if changed {
		r.bus.Emit(bus.KindStateChannelUpdated, cid)
	}
}

// WatcherCount returns the channel's live watcher count.
func (r *Registry) WatcherCount(cid string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cs, ok := r.channels[cid]; ok {
		return cs.watcherCount
	}
	return 0
}

// ApplyTyping replaces the channel's typing snapshot and notifies listeners.
// Wired as the typing aggregator's update callback.
func (r *Registry) ApplyTyping(snap typing.Snapshot) {
	users := make([]string, len(snap.Users))
	for i, u := range snap.Users {
		users[i] = u.ID
	}

	r.mu.Lock()
	r.channel(snap.ChannelID).typingUsers = users
	r.mu.Unlock()

	r.bus.Emit(bus.KindStateTypingChanged, snap)
}

// TypingUsers returns ids of users currently typing in the channel, in the
// order they started.
func (r *Registry) TypingUsers(cid string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cs, ok := r.channels[cid]; ok {
		return append([]string(nil), cs.typingUsers...)
	}
	return nil
}

// SetActive marks a channel as actively watched by a frontend. Active
// channels are the ones re-queried after a reconnect.
func (r *Registry) SetActive(cid string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel(cid).active = active
}

// ActiveCIDs returns the cids of all actively watched channels.
func (r *Registry) ActiveCIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var cids []string
	for cid, cs := range r.channels {
		if cs.active {
			cids = append(cids, cid)
		}
	}
	return cids
}

// Forget drops all runtime state for a channel, e.g. after channel.deleted.
func (r *Registry) Forget(cid string) {
	r.mu.Lock()
	delete(r.channels, cid)
	r.mu.Unlock()

	r.bus.Emit(bus.KindStateChannelUpdated, cid)
}

// Reset clears all runtime state. Used when the session identity changes.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.unread = UnreadCounts{}
	r.channels = make(map[string]*channelState)
	r.mu.Unlock()
}
