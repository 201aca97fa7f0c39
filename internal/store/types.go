package store

import "time"

// SyncStatus tracks how far a locally-mutated entity has progressed toward
// the server. Values are stored in the DB; do not renumber.
type SyncStatus int

const (
	// SyncNeeded marks an entity mutated locally and not yet sent.
	SyncNeeded SyncStatus = 0
	// InProgress marks an entity whose upload is currently running.
	InProgress SyncStatus = 1
	// AwaitingAttachments marks a message whose attachment uploads must
	// resolve before the message itself can be sent.
	AwaitingAttachments SyncStatus = 2
	// Completed marks an entity confirmed by the server.
	Completed SyncStatus = 3
	// FailedPermanently marks an entity the server rejected with a
	// non-retriable error.
	FailedPermanently SyncStatus = 4
)

func (s SyncStatus) String() string {
	switch s {
	case SyncNeeded:
		return "sync_needed"
	case InProgress:
		return "in_progress"
	case AwaitingAttachments:
		return "awaiting_attachments"
	case Completed:
		return "completed"
	case FailedPermanently:
		return "failed_permanently"
	}
	return "unknown"
}

// Channel is the persisted mirror of a server channel.
type Channel struct {
	CID             string
	ChannelType     string
	Name            string
	OwnCapabilities []string
	UnreadCount     int
	LastMessageAt   int64 // unix millis, 0 = never
	SyncStatus      SyncStatus
	Hidden          bool
}

// Message is the persisted mirror of a chat message.
type Message struct {
	ID           int64
	CID          string
	MsgID        string
	UserID       string
	Text         string
	Type         string
	FromMe       bool
	SyncStatus   SyncStatus
	CreatedAt    int64  // unix millis
	RawCreatedAt string // server time string, verbatim
}

// Reaction is the persisted mirror of a message reaction.
type Reaction struct {
	MsgID      string
	UserID     string
	Type       string
	Score      int
	SyncStatus SyncStatus
	CreatedAt  int64
}

// Member is a persisted channel membership record.
type Member struct {
	CID    string
	UserID string
	Role   string
	Banned bool
}

// SyncState is the per-user synchronization bookkeeping record. One row per
// authenticated user; created at first successful connection, mutated after
// every successful backlog replay, never deleted while the session lives.
type SyncState struct {
	UserID     string
	ActiveCIDs []string
	// LastSyncedAt is the parsed time of the newest replayed event.
	LastSyncedAt *time.Time
	// LastSyncedCursor is the server's serialized form of the same instant,
	// stored verbatim. It is the value replayed to the history endpoint;
	// never parse or reconstruct it locally.
	LastSyncedCursor string
	MarkedAllReadAt  *time.Time
}

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	CID          string
	Text         string
	SyncStatus   SyncStatus
	ErrorMessage string
	ServerMsgID  string
	Attachments  int // uploads still pending; > 0 keeps status AwaitingAttachments
}
