// Package sync applies realtime events to the local mirror and replays
// missed history after reconnects.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/koi-chat/koi/internal/bus"
	"github.com/koi-chat/koi/internal/event"
	"github.com/koi-chat/koi/internal/state"
	"github.com/koi-chat/koi/internal/store"
	"github.com/koi-chat/koi/internal/typing"
)

const applierQueueSize = 1024

// batch is one queue slot: a single live event, or a whole replayed history
// batch that must apply as a unit. done, when non-nil, is closed after the
// last event in the batch has been applied.
type batch struct {
	events []*event.Event
	done   chan struct{}
}

// Applier consumes events one at a time, in arrival order, and applies them
// to the store and the state registry. A single consumer goroutine does all
// the work, so handlers never race each other and a batch submitted before
// another is fully applied before it.
//
// Every mutation is last-write-wins: replaying an event, or receiving the
// same state change twice (once live, once via history sync), converges on
// the same row.
type Applier struct {
	db       *store.DB
	registry *state.Registry
	bus      *bus.Bus
	log      *zap.Logger
	userID   string

	queue  chan batch
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	typingAggrs map[string]*typing.Aggregator
	typingOpts  []typing.Option
}

// NewApplier creates an applier for one session. userID is the session
// owner; it decides which read markers and membership changes are "ours".
func NewApplier(db *store.DB, registry *state.Registry, b *bus.Bus, userID string, log *zap.Logger, typingOpts ...typing.Option) *Applier {
	return &Applier{
		db:          db,
		registry:    registry,
		bus:         b,
		log:         log.Named("applier"),
		userID:      userID,
		queue:       make(chan batch, applierQueueSize),
		typingAggrs: make(map[string]*typing.Aggregator),
		typingOpts:  typingOpts,
	}
}

// Start launches the consumer goroutine.
func (a *Applier) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		for {
			select {
			case b := <-a.queue:
				for _, evt := range b.events {
					a.apply(evt)
				}
				if b.done != nil {
					close(b.done)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the consumer and cancels all typing timers. Queued but
// unapplied events are dropped; history sync recovers them on reconnect.
func (a *Applier) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, aggr := range a.typingAggrs {
		aggr.Stop()
	}
}

// Submit queues one live event. Non-blocking: if the queue is full the event
// is dropped; because the sync cursor never moves past unapplied events, the
// next history sync replays it.
func (a *Applier) Submit(evt *event.Event) {
	select {
	case a.queue <- batch{events: []*event.Event{evt}}:
	default:
		a.log.Warn("event queue full, dropping", zap.String("type", string(evt.Type)))
	}
}

// SubmitBatch queues events as one unit and blocks until the last of them
// has been applied. Live events submitted meanwhile land after the whole
// batch, never in the middle of it. History replay goes through here so the
// cursor only advances past events that are actually in the mirror.
func (a *Applier) SubmitBatch(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	b := batch{events: events, done: make(chan struct{})}
	select {
	case a.queue <- b:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply dispatches one event. Failures are logged and swallowed so one bad
// event cannot stall the stream.
func (a *Applier) apply(evt *event.Event) {
	if err := a.dispatch(evt); err != nil {
		a.log.Error("apply event",
			zap.String("type", string(evt.Type)),
			zap.String("cid", evt.CID),
			zap.Error(err))
	}
	a.applyUnreadCounts(evt)
}

func (a *Applier) dispatch(evt *event.Event) error {
	switch evt.Type {
	case event.MessageNew, event.MessageUpdated, event.NotificationMessageNew:
		return a.upsertMessage(evt)
	case event.MessageDeleted:
		if evt.Message == nil {
			return fmt.Errorf("message.deleted without message")
		}
		return a.db.DeleteMessage(evt.CID, evt.Message.ID)
	case event.MessageRead, event.NotificationMarkRead:
		return a.applyRead(evt)

	case event.ReactionNew, event.ReactionUpdated:
		return a.upsertReaction(evt, store.Completed)
	case event.ReactionDeleted:
		if evt.Reaction == nil || evt.Reaction.User == nil {
			return fmt.Errorf("reaction.deleted without reaction")
		}
		return a.db.DeleteReaction(evt.Reaction.MessageID, evt.Reaction.User.ID, evt.Reaction.Type)

	case event.ChannelCreated, event.ChannelUpdated, event.NotificationAddedToChannel:
		return a.upsertChannel(evt)
	case event.ChannelDeleted, event.NotificationChannelDeleted, event.NotificationRemovedFromChannel:
		a.registry.Forget(evt.CID)
		return a.db.DeleteChannel(evt.CID)
	case event.ChannelTruncated, event.NotificationChannelTruncated:
		return a.db.TruncateChannel(evt.CID)
	case event.ChannelHidden:
		return a.db.SetChannelHidden(evt.CID, true)
	case event.ChannelVisible:
		return a.db.SetChannelHidden(evt.CID, false)

	case event.MemberAdded, event.MemberUpdated:
		return a.upsertMember(evt)
	case event.MemberRemoved:
		if evt.Member == nil {
			return fmt.Errorf("member.removed without member")
		}
		return a.db.DeleteMember(evt.CID, memberUserID(evt.Member))

	case event.UserBanned:
		return a.setBanned(evt, true)
	case event.UserUnbanned:
		return a.setBanned(evt, false)

	case event.UserWatchingStart, event.UserWatchingStop:
		a.registry.SetWatcherCount(evt.CID, evt.WatcherCount)
		return nil

	case event.TypingStart:
		return a.applyTyping(evt, true)
	case event.TypingStop:
		return a.applyTyping(evt, false)

	case event.NotificationMarkAllRead:
		return a.applyMarkAllRead()

	case event.UserUpdated, event.UserPresenceChanged,
		event.NotificationMarkUnread, event.NotificationInvited,
		event.NotificationInviteAccepted, event.NotificationInviteRejected,
		event.NotificationMutesUpdated, event.NotificationChannelMutesUpdated:
		// Nothing to mirror locally beyond the unread counts handled below.
		return nil
	}

	if !event.Known(evt.Type) {
		a.log.Debug("ignoring unknown event", zap.String("type", string(evt.Type)))
	}
	return nil
}

// applyUnreadCounts folds server unread aggregates into the registry. Only
// event kinds that legitimately carry counts may touch the aggregate, and
// only when the channel (if any) grants read-events; without that
// capability the server's counts for this user are not meaningful.
func (a *Applier) applyUnreadCounts(evt *event.Event) {
	if !evt.CarriesUnreadCounts() {
		return
	}
	if evt.CID != "" && !a.registry.HasCapability(evt.CID, event.CapabilityReadEvents) {
		return
	}
	counts := a.registry.UnreadCounts()
	total, channels := counts.TotalUnreadCount, counts.UnreadChannels
	if evt.TotalUnreadCount != nil {
		total = *evt.TotalUnreadCount
	}
	if evt.UnreadChannels != nil {
		channels = *evt.UnreadChannels
	}
	a.registry.SetUnreadCounts(total, channels)
}

func (a *Applier) upsertMessage(evt *event.Event) error {
	if evt.Message == nil {
		return fmt.Errorf("%s without message", evt.Type)
	}
	m := evt.Message
	cid := evt.CID
	if cid == "" {
		cid = m.CID
	}
	userID := ""
	if m.User != nil {
		userID = m.User.ID
	}
	msg := &store.Message{
		CID:          cid,
		MsgID:        m.ID,
		UserID:       userID,
		Text:         m.Text,
		Type:         m.Type,
		FromMe:       userID == a.userID,
		SyncStatus:   store.Completed,
		CreatedAt:    evt.CreatedAt.UnixMilli(),
		RawCreatedAt: evt.RawCreatedAt,
	}
	if m.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
			msg.CreatedAt = ts.UnixMilli()
			msg.RawCreatedAt = m.CreatedAt
		}
	}
	// Replays must converge: the unread bump below only fires when the
	// message was not already mirrored.
	existing, err := a.db.GetMessage(cid, m.ID)
	if err != nil {
		return err
	}
	if err := a.db.UpsertMessage(msg); err != nil {
		return err
	}

	// Keep the channel's recency current so list ordering survives restarts,
	// and bump its unread count for messages from others. The bump only
	// happens when the channel grants read-events; without it the server
	// does not track reads for this user and a local count would drift.
	if ch, err := a.db.GetChannel(cid); err == nil && ch != nil {
		changed := false
		if msg.CreatedAt > ch.LastMessageAt {
			ch.LastMessageAt = msg.CreatedAt
			changed = true
		}
		isNew := existing == nil &&
			(evt.Type == event.MessageNew || evt.Type == event.NotificationMessageNew)
		if isNew && !msg.FromMe && a.registry.HasCapability(cid, event.CapabilityReadEvents) {
			ch.UnreadCount++
			changed = true
		}
		if changed {
			if err := a.db.UpsertChannel(ch); err != nil {
				return err
			}
		}
	}

	a.bus.Emit(bus.KindMessageUpserted, map[string]string{"cid": cid, "msg_id": m.ID})
	return nil
}

func (a *Applier) applyRead(evt *event.Event) error {
	// A read marker from ourselves zeroes the channel's unread count.
	if evt.User == nil || evt.User.ID != a.userID || evt.CID == "" {
		return nil
	}
	ch, err := a.db.GetChannel(evt.CID)
	if err != nil || ch == nil {
		return err
	}
	if ch.UnreadCount == 0 {
		return nil
	}
	ch.UnreadCount = 0
	return a.db.UpsertChannel(ch)
}

func (a *Applier) upsertReaction(evt *event.Event, status store.SyncStatus) error {
	if evt.Reaction == nil {
		return fmt.Errorf("%s without reaction", evt.Type)
	}
	r := evt.Reaction
	userID := ""
	if r.User != nil {
		userID = r.User.ID
	}
	return a.db.UpsertReaction(&store.Reaction{
		MsgID:      r.MessageID,
		UserID:     userID,
		Type:       r.Type,
		Score:      r.Score,
		SyncStatus: status,
		CreatedAt:  evt.CreatedAt.UnixMilli(),
	})
}

func (a *Applier) upsertChannel(evt *event.Event) error {
	if evt.Channel == nil {
		return fmt.Errorf("%s without channel", evt.Type)
	}
	ch := evt.Channel
	a.registry.SetCapabilities(ch.CID, ch.OwnCapabilities)

	rec := &store.Channel{
		CID:             ch.CID,
		ChannelType:     ch.Type,
		Name:            ch.Name,
		OwnCapabilities: ch.OwnCapabilities,
		SyncStatus:      store.Completed,
	}
	if prev, err := a.db.GetChannel(ch.CID); err == nil && prev != nil {
		rec.UnreadCount = prev.UnreadCount
		rec.LastMessageAt = prev.LastMessageAt
		rec.Hidden = prev.Hidden
	}
	if ch.LastMessageAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, ch.LastMessageAt); err == nil {
			rec.LastMessageAt = ts.UnixMilli()
		}
	}
	if err := a.db.UpsertChannel(rec); err != nil {
		return err
	}
	a.bus.Emit(bus.KindStateChannelUpdated, ch.CID)
	return nil
}

func (a *Applier) upsertMember(evt *event.Event) error {
	if evt.Member == nil {
		return fmt.Errorf("%s without member", evt.Type)
	}
	m := evt.Member
	return a.db.UpsertMember(&store.Member{
		CID:    evt.CID,
		UserID: memberUserID(m),
		Role:   m.Role,
		Banned: m.Banned,
	})
}

func (a *Applier) setBanned(evt *event.Event, banned bool) error {
	if evt.User == nil {
		return fmt.Errorf("%s without user", evt.Type)
	}
	if evt.CID == "" {
		// Global ban, nothing channel-scoped to record.
		return nil
	}
	return a.db.SetMemberBanned(evt.CID, evt.User.ID, banned)
}

// applyTyping routes the signal to the channel's aggregator, creating it on
// first use. The aggregator owns the 7 second eviction window; the registry
// callback publishes each resulting snapshot.
func (a *Applier) applyTyping(evt *event.Event, start bool) error {
	if evt.User == nil {
		return fmt.Errorf("%s without user", evt.Type)
	}
	if evt.User.ID == a.userID {
		return nil
	}
	aggr := a.typingAggregator(evt.CID)
	if start {
		aggr.ProcessSignal(evt.User.ID, evt)
	} else {
		aggr.ProcessSignal(evt.User.ID, nil)
	}
	return nil
}

func (a *Applier) typingAggregator(cid string) *typing.Aggregator {
	a.mu.Lock()
	defer a.mu.Unlock()
	aggr, ok := a.typingAggrs[cid]
	if !ok {
		aggr = typing.NewAggregator(cid, a.registry.ApplyTyping, a.typingOpts...)
		a.typingAggrs[cid] = aggr
	}
	return aggr
}

// applyMarkAllRead zeroes every channel's unread count and the global
// aggregate. Every mirrored channel, hidden ones included.
func (a *Applier) applyMarkAllRead() error {
	if err := a.db.ClearAllUnread(); err != nil {
		return err
	}
	a.registry.SetUnreadCounts(0, 0)
	return nil
}

func memberUserID(m *event.Member) string {
	if m.UserID != "" {
		return m.UserID
	}
	if m.User != nil {
		return m.User.ID
	}
	return ""
}
