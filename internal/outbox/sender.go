// Package outbox drains locally queued messages to the server.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koi-chat/koi/internal/bus"
	"github.com/koi-chat/koi/internal/client"
	"github.com/koi-chat/koi/internal/store"
)

// MessageSender posts one message to the server.
type MessageSender interface {
	SendMessage(ctx context.Context, channelType, channelID, clientMsgID, text string) (*client.SendMessageResponse, error)
}

// Sender owns the outbound message pipeline. Queue inserts the message
// optimistically so frontends show it at once, then the polling loop (or an
// explicit Flush during a sync pass) walks entries in SyncNeeded and sends
// them. Transient failures return the entry to SyncNeeded; permanent
// rejections park it in FailedPermanently and never retry.
type Sender struct {
	db     *store.DB
	api    MessageSender
	bus    *bus.Bus
	log    *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, api MessageSender, b *bus.Bus, log *zap.Logger) *Sender {
	return &Sender{
		db:  db,
		api: api,
		bus: b,
		log: log.Named("outbox"),
	}
}

// Queue records a message for sending and mirrors it locally right away.
// Returns the client-generated message id.
func (s *Sender) Queue(cid, text string, attachmentsPending int) (string, error) {
	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, cid, text, attachmentsPending); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}

	// Optimistic insert so the message shows before the server confirms.
	now := time.Now()
	if err := s.db.UpsertMessage(&store.Message{
		CID:          cid,
		MsgID:        clientMsgID,
		Text:         text,
		Type:         "regular",
		FromMe:       true,
		SyncStatus:   store.SyncNeeded,
		CreatedAt:    now.UnixMilli(),
		RawCreatedAt: now.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return "", fmt.Errorf("optimistic insert: %w", err)
	}
	s.bus.Emit(bus.KindMessageUpserted, map[string]string{"cid": cid, "msg_id": clientMsgID})
	return clientMsgID, nil
}

// Start begins polling for pending entries.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop halts the polling loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.log.Error("outbox flush", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Flush sends every entry currently in SyncNeeded, oldest first. Also called
// by the sync coordinator between its channel and reaction retry passes.
func (s *Sender) Flush(ctx context.Context) error {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.send(ctx, entry)
	}
	return nil
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxInProgress(entry.ClientMsgID); err != nil {
		s.log.Error("mark in progress", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}

	channelType, channelID, ok := splitCID(entry.CID)
	if !ok {
		s.fail(entry, fmt.Errorf("malformed cid %q", entry.CID), true)
		return
	}

	resp, err := s.api.SendMessage(ctx, channelType, channelID, entry.ClientMsgID, entry.Text)
	if err != nil {
		var apiErr *client.APIError
		permanent := errors.As(err, &apiErr) && apiErr.Permanent()
		s.fail(entry, err, permanent)
		return
	}

	serverMsgID := entry.ClientMsgID
	if resp.Message != nil && resp.Message.ID != "" {
		serverMsgID = resp.Message.ID
	}
	if err := s.db.MarkOutboxCompleted(entry.ClientMsgID, serverMsgID); err != nil {
		s.log.Error("mark completed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	if err := s.db.SetMessageSyncStatus(entry.ClientMsgID, store.Completed); err != nil {
		s.log.Error("confirm mirrored message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	s.log.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("server_msg_id", serverMsgID))
	s.bus.Emit(bus.KindMessageSendAck, map[string]string{
		"client_msg_id": entry.ClientMsgID,
		"server_msg_id": serverMsgID,
	})
}

// fail handles a send error. Permanent rejections park the entry; everything
// else goes back to SyncNeeded for the next flush.
func (s *Sender) fail(entry store.OutboxEntry, err error, permanent bool) {
	s.log.Warn("send failed",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Bool("permanent", permanent),
		zap.Error(err))

	if permanent {
		if dbErr := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); dbErr != nil {
			s.log.Error("mark failed", zap.Error(dbErr))
		}
		if dbErr := s.db.SetMessageSyncStatus(entry.ClientMsgID, store.FailedPermanently); dbErr != nil {
			s.log.Error("mark mirrored message failed", zap.Error(dbErr))
		}
		s.bus.Emit(bus.KindMessageSendFailed, map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"error":         err.Error(),
		})
		return
	}
	if dbErr := s.db.MarkOutboxSyncNeeded(entry.ClientMsgID); dbErr != nil {
		s.log.Error("requeue entry", zap.Error(dbErr))
	}
}

func splitCID(cid string) (channelType, channelID string, ok bool) {
	for i := 0; i < len(cid); i++ {
		if cid[i] == ':' {
			return cid[:i], cid[i+1:], i > 0 && i < len(cid)-1
		}
	}
	return "", "", false
}
