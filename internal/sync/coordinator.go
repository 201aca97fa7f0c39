package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/koi-chat/koi/internal/bus"
	"github.com/koi-chat/koi/internal/client"
	"github.com/koi-chat/koi/internal/event"
	"github.com/koi-chat/koi/internal/querysort"
	"github.com/koi-chat/koi/internal/state"
	"github.com/koi-chat/koi/internal/store"
)

// ErrSyncInProgress reports that a sync pass was requested while another was
// running. The running pass covers the request; callers can ignore it.
var ErrSyncInProgress = errors.New("sync already in progress")

// API is the slice of the HTTP client the coordinator needs.
type API interface {
	GetSyncHistory(ctx context.Context, cids []string, lastSyncCursor string) (*client.SyncResponse, error)
	QueryChannel(ctx context.Context, channelType, channelID string, messageLimit int) (*client.ChannelState, error)
	SendReaction(ctx context.Context, messageID, reactionType string) error
	MarkAllRead(ctx context.Context) error
}

// Flusher drains locally queued writes. Implemented by the outbox sender.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Coordinator drives history replay. On every reconnect it fetches the
// events missed since the stored cursor, feeds them through the applier,
// advances the cursor, and retries entities stuck in SyncNeeded.
//
// At most one pass runs at a time; a trigger during a pass is absorbed by it.
type Coordinator struct {
	db       *store.DB
	api      API
	applier  *Applier
	registry *state.Registry
	outbox   Flusher
	bus      *bus.Bus
	log      *zap.Logger

	userID string
	retry  RetryPolicy
	clk    clock.Clock

	// busy is locked for the duration of one sync pass.
	busy chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	eventSorter *querysort.Sorter[*event.Event]
}

// CoordinatorOption tweaks construction.
type CoordinatorOption func(*Coordinator)

// WithRetryPolicy overrides the default backoff.
func WithRetryPolicy(p RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) { c.retry = p }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clk = clk }
}

// NewCoordinator wires a coordinator. outbox may be nil when the session has
// nothing to send.
func NewCoordinator(db *store.DB, api API, applier *Applier, registry *state.Registry, outbox Flusher, b *bus.Bus, userID string, log *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	sorter := querysort.New[*event.Event]()
	sorter.Register("created_at", func(e *event.Event) any { return e.CreatedAt })
	sorter.Asc("created_at")

	c := &Coordinator{
		db:          db,
		api:         api,
		applier:     applier,
		registry:    registry,
		outbox:      outbox,
		bus:         b,
		log:         log.Named("sync"),
		userID:      userID,
		retry:       Backoff{Attempts: 3, Base: 2 * time.Second, Max: 30 * time.Second},
		clk:         clock.New(),
		busy:        make(chan struct{}, 1),
		eventSorter: sorter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to connection lifecycle events. Each successful connect
// and each health check triggers a sync pass (the busy token coalesces the
// periodic ones); each disconnect snapshots the actively watched channels so
// the next pass can re-query them.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	ch, unsub := c.bus.Subscribe("conn.", 64)

	go func() {
		defer close(c.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindConnConnected, bus.KindConnHealth:
					go func() {
						if err := c.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
							c.log.Error("sync pass failed", zap.Error(err))
						}
					}()
				case bus.KindConnDisconnected:
					c.onConnectionLost()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts trigger handling. A running pass finishes on its own.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Sync runs one full pass: replay history since the cursor, then retry
// entities stuck in SyncNeeded. Returns ErrSyncInProgress if a pass is
// already running.
func (c *Coordinator) Sync(ctx context.Context) error {
	select {
	case c.busy <- struct{}{}:
	default:
		return ErrSyncInProgress
	}
	defer func() { <-c.busy }()

	c.bus.Emit(bus.KindSyncStarted, nil)

	if err := c.replayHistory(ctx); err != nil {
		c.bus.Emit(bus.KindSyncFailed, err)
		return err
	}
	if err := c.retryFailedEntities(ctx); err != nil {
		c.bus.Emit(bus.KindSyncFailed, err)
		return err
	}

	c.bus.Emit(bus.KindSyncCompleted, nil)
	return nil
}

// replayHistory fetches and applies every event missed since the cursor.
func (c *Coordinator) replayHistory(ctx context.Context) error {
	syncState, err := c.loadState()
	if err != nil {
		return err
	}

	if syncState.LastSyncedCursor == "" {
		// First connect for this user: there is no history to replay.
		// Anchor the cursor at now so the next pass has a starting point.
		now := c.clk.Now().UTC()
		syncState.LastSyncedAt = &now
		syncState.LastSyncedCursor = now.Format(time.RFC3339Nano)
		return c.db.UpsertSyncState(syncState)
	}

	cids, err := c.syncCIDs(syncState)
	if err != nil {
		return err
	}
	if len(cids) == 0 {
		return nil
	}

	resp, err := c.fetchHistory(ctx, cids, syncState.LastSyncedCursor)
	if err != nil {
		return err
	}
	if len(resp.Events) == 0 {
		return nil
	}

	sorted := append([]*event.Event(nil), resp.Events...)
	c.eventSorter.Sort(sorted)
	latest := sorted[len(sorted)-1]

	// The cursor is compared as the server's own string. If the newest
	// replayed event is exactly the cursor we already stored, the batch
	// carries nothing new; applying it would only churn rows.
	if latest.RawCreatedAt == syncState.LastSyncedCursor {
		c.log.Debug("history batch already applied", zap.String("cursor", syncState.LastSyncedCursor))
		return nil
	}

	for _, evt := range sorted {
		c.noteMarkAllRead(syncState, evt)
	}
	// Block until the whole batch is mirrored. The cursor below must never
	// move past an event that was not applied.
	if err := c.applier.SubmitBatch(ctx, sorted); err != nil {
		return err
	}
	c.bus.Emit(bus.KindSyncHistoryBatch, len(sorted))

	ts := latest.CreatedAt
	syncState.LastSyncedAt = &ts
	syncState.LastSyncedCursor = latest.RawCreatedAt
	if err := c.db.UpsertSyncState(syncState); err != nil {
		return err
	}
	c.log.Info("history replayed",
		zap.Int("events", len(sorted)),
		zap.String("cursor", syncState.LastSyncedCursor))
	return nil
}

func (c *Coordinator) loadState() (*store.SyncState, error) {
	syncState, err := c.db.SelectSyncState(c.userID)
	if err != nil {
		return nil, err
	}
	if syncState == nil {
		syncState = &store.SyncState{UserID: c.userID}
	}
	return syncState, nil
}

// syncCIDs is the union of mirrored channels and the channels that were
// actively watched when the connection dropped.
func (c *Coordinator) syncCIDs(syncState *store.SyncState) ([]string, error) {
	mirrored, err := c.db.AllChannelCIDs()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var cids []string
	add := func(cid string) {
		if cid != "" && !seen[cid] {
			seen[cid] = true
			cids = append(cids, cid)
		}
	}
	for _, cid := range mirrored {
		add(cid)
	}
	for _, cid := range syncState.ActiveCIDs {
		add(cid)
	}
	for _, cid := range c.registry.ActiveCIDs() {
		add(cid)
	}
	return cids, nil
}

// fetchHistory calls the sync endpoint, retrying per the policy. Permanent
// API errors are never retried.
func (c *Coordinator) fetchHistory(ctx context.Context, cids []string, cursor string) (*client.SyncResponse, error) {
	attempt := 0
	for {
		resp, err := c.api.GetSyncHistory(ctx, cids, cursor)
		if err == nil {
			return resp, nil
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Permanent() {
			return nil, err
		}
		attempt++
		delay, retry := c.retry.NextDelay(attempt, err)
		if !retry {
			return nil, fmt.Errorf("history fetch failed after %d attempts: %w", attempt, err)
		}
		c.log.Warn("history fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clk.After(delay):
		}
	}
}

// noteMarkAllRead advances the marked-all-read watermark, monotonically,
// when the batch contains a mark-all-read notification.
func (c *Coordinator) noteMarkAllRead(syncState *store.SyncState, evt *event.Event) {
	if evt.Type != event.NotificationMarkAllRead || evt.CreatedAt.IsZero() {
		return
	}
	if syncState.MarkedAllReadAt == nil || evt.CreatedAt.After(*syncState.MarkedAllReadAt) {
		ts := evt.CreatedAt
		syncState.MarkedAllReadAt = &ts
	}
}

// retryFailedEntities resends everything stuck in SyncNeeded, channels
// first, then messages, then reactions. Messages go before reactions so a
// reaction never references a message the server has not seen.
func (c *Coordinator) retryFailedEntities(ctx context.Context) error {
	if err := c.retryChannels(ctx); err != nil {
		return err
	}
	if c.outbox != nil {
		if err := c.outbox.Flush(ctx); err != nil {
			return err
		}
	}
	return c.retryReactions(ctx)
}

// retryChannels re-queries channels whose mirror is stale and replays their
// server state through the applier.
func (c *Coordinator) retryChannels(ctx context.Context) error {
	cids, err := c.db.SelectChannelCIDsNeedingSync()
	if err != nil {
		return err
	}
	for _, cid := range cids {
		channelType, channelID, ok := splitCID(cid)
		if !ok {
			c.log.Warn("skipping malformed cid", zap.String("cid", cid))
			continue
		}
		resp, err := c.api.QueryChannel(ctx, channelType, channelID, 25)
		if err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.Permanent() {
				c.log.Warn("channel refresh rejected", zap.String("cid", cid), zap.Error(err))
				continue
			}
			return err
		}
		if resp.Channel == nil {
			continue
		}
		refreshed := &event.Event{
			Type:         event.ChannelUpdated,
			CID:          cid,
			Channel:      resp.Channel,
			CreatedAt:    c.clk.Now().UTC(),
			RawCreatedAt: c.clk.Now().UTC().Format(time.RFC3339Nano),
		}
		// Applied before the outbox flush so queued sends see fresh
		// channel state.
		if err := c.applier.SubmitBatch(ctx, []*event.Event{refreshed}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) retryReactions(ctx context.Context) error {
	reactions, err := c.db.SelectReactionsBySyncStatus(store.SyncNeeded, 100)
	if err != nil {
		return err
	}
	msgIDs := make([]string, 0, len(reactions))
	for i := range reactions {
		msgIDs = append(msgIDs, reactions[i].MsgID)
	}
	parents, err := c.db.SelectMessages(msgIDs)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(parents))
	for i := range parents {
		present[parents[i].MsgID] = true
	}
	for i := range reactions {
		r := &reactions[i]
		// The parent message is gone, the server would reject the
		// reaction anyway.
		if !present[r.MsgID] {
			r.SyncStatus = store.FailedPermanently
			if err := c.db.UpsertReaction(r); err != nil {
				return err
			}
			continue
		}
		if err := c.api.SendReaction(ctx, r.MsgID, r.Type); err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.Permanent() {
				r.SyncStatus = store.FailedPermanently
				if err := c.db.UpsertReaction(r); err != nil {
					return err
				}
				continue
			}
			return err
		}
		r.SyncStatus = store.Completed
		if err := c.db.UpsertReaction(r); err != nil {
			return err
		}
	}
	return nil
}

// MarkAllRead tells the server to mark every channel read, then advances the
// local watermark. The watermark only moves forward.
func (c *Coordinator) MarkAllRead(ctx context.Context) error {
	if err := c.api.MarkAllRead(ctx); err != nil {
		return err
	}
	syncState, err := c.loadState()
	if err != nil {
		return err
	}
	now := c.clk.Now().UTC()
	if syncState.MarkedAllReadAt == nil || now.After(*syncState.MarkedAllReadAt) {
		syncState.MarkedAllReadAt = &now
	}
	return c.db.UpsertSyncState(syncState)
}

// onConnectionLost persists the actively watched channels so they are part
// of the next pass even if the process restarts while offline.
func (c *Coordinator) onConnectionLost() {
	active := c.registry.ActiveCIDs()
	syncState, err := c.loadState()
	if err != nil {
		c.log.Error("snapshot active channels", zap.Error(err))
		return
	}
	syncState.ActiveCIDs = active
	if err := c.db.UpsertSyncState(syncState); err != nil {
		c.log.Error("snapshot active channels", zap.Error(err))
	}
}

// splitCID splits "type:id" into its parts.
func splitCID(cid string) (channelType, channelID string, ok bool) {
	for i := 0; i < len(cid); i++ {
		if cid[i] == ':' {
			return cid[:i], cid[i+1:], i > 0 && i < len(cid)-1
		}
	}
	return "", "", false
}
