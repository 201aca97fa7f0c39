package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds. Subscribers filter by namespace prefix, so the
// dotted segments matter: subscribing to "conn." catches every
// connection-lifecycle kind.
const (
	KindConnConnecting   = "conn.connecting"
	KindConnConnected    = "conn.connected"
	KindConnDisconnected = "conn.disconnected"
	KindConnHealth       = "conn.health"

	KindSyncStarted      = "sync.started"
	KindSyncCompleted    = "sync.completed"
	KindSyncHistoryBatch = "sync.history_batch"
	KindSyncFailed       = "sync.failed"

	KindStateUnreadChanged  = "state.unread_changed"
	KindStateChannelUpdated = "state.channel_updated"
	KindStateTypingChanged  = "state.typing_changed"

	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindSessionStatusChanged = "session.status_changed"
)
