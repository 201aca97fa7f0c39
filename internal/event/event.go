package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the closed set of event variants the server emits.
type Kind string

// The full event vocabulary. Adding a kind here is the only way to make the
// applier's dispatch see it; unknown kinds coming off the wire are skipped.
const (
	// Message events.
	MessageNew     Kind = "message.new"
	MessageUpdated Kind = "message.updated"
	MessageDeleted Kind = "message.deleted"
	MessageRead    Kind = "message.read"

	// Reaction events.
	ReactionNew     Kind = "reaction.new"
	ReactionUpdated Kind = "reaction.updated"
	ReactionDeleted Kind = "reaction.deleted"

	// Channel events.
	ChannelCreated   Kind = "channel.created"
	ChannelUpdated   Kind = "channel.updated"
	ChannelDeleted   Kind = "channel.deleted"
	ChannelTruncated Kind = "channel.truncated"
	ChannelHidden    Kind = "channel.hidden"
	ChannelVisible   Kind = "channel.visible"

	// Membership events.
	MemberAdded   Kind = "member.added"
	MemberUpdated Kind = "member.updated"
	MemberRemoved Kind = "member.removed"

	// User events.
	UserUpdated         Kind = "user.updated"
	UserBanned          Kind = "user.banned"
	UserUnbanned        Kind = "user.unbanned"
	UserPresenceChanged Kind = "user.presence.changed"
	UserWatchingStart   Kind = "user.watching.start"
	UserWatchingStop    Kind = "user.watching.stop"

	// Typing events.
	TypingStart Kind = "typing.start"
	TypingStop  Kind = "typing.stop"

	// Notification events (server pushed, often carrying unread counts).
	NotificationMessageNew          Kind = "notification.message_new"
	NotificationMarkRead            Kind = "notification.mark_read"
	NotificationMarkUnread          Kind = "notification.mark_unread"
	NotificationMarkAllRead         Kind = "notification.mark_all_read"
	NotificationAddedToChannel      Kind = "notification.added_to_channel"
	NotificationRemovedFromChannel  Kind = "notification.removed_from_channel"
	NotificationInvited             Kind = "notification.invited"
	NotificationInviteAccepted      Kind = "notification.invite_accepted"
	NotificationInviteRejected      Kind = "notification.invite_rejected"
	NotificationMutesUpdated        Kind = "notification.mutes_updated"
	NotificationChannelMutesUpdated Kind = "notification.channel_mutes_updated"
	NotificationChannelDeleted      Kind = "notification.channel_deleted"
	NotificationChannelTruncated    Kind = "notification.channel_truncated"

	// Connection lifecycle events (synthesized by the transport, not persisted).
	ConnectionConnecting   Kind = "connection.connecting"
	ConnectionConnected    Kind = "connection.connected"
	ConnectionDisconnected Kind = "connection.disconnected"
	ConnectionError        Kind = "connection.error"
	ConnectionRecovered    Kind = "connection.recovered"

	// Health check heartbeat.
	HealthCheck Kind = "health.check"
)

var knownKinds = map[Kind]bool{
	MessageNew: true, MessageUpdated: true, MessageDeleted: true, MessageRead: true,
	ReactionNew: true, ReactionUpdated: true, ReactionDeleted: true,
	ChannelCreated: true, ChannelUpdated: true, ChannelDeleted: true,
	ChannelTruncated: true, ChannelHidden: true, ChannelVisible: true,
	MemberAdded: true, MemberUpdated: true, MemberRemoved: true,
	UserUpdated: true, UserBanned: true, UserUnbanned: true,
	UserPresenceChanged: true, UserWatchingStart: true, UserWatchingStop: true,
	TypingStart: true, TypingStop: true,
	NotificationMessageNew: true, NotificationMarkRead: true, NotificationMarkUnread: true,
	NotificationMarkAllRead: true, NotificationAddedToChannel: true,
	NotificationRemovedFromChannel: true, NotificationInvited: true,
	NotificationInviteAccepted: true, NotificationInviteRejected: true,
	NotificationMutesUpdated: true, NotificationChannelMutesUpdated: true,
	NotificationChannelDeleted: true, NotificationChannelTruncated: true,
	ConnectionConnecting: true, ConnectionConnected: true, ConnectionDisconnected: true,
	ConnectionError: true, ConnectionRecovered: true,
	HealthCheck: true,
}

// Known reports whether k is part of the event vocabulary.
func Known(k Kind) bool { return knownKinds[k] }

// Event is a single realtime event. One struct covers every variant; the
// Kind discriminant tells which payload pointers are populated.
type Event struct {
	Type         Kind      `json:"type"`
	CID          string    `json:"cid,omitempty"`
	ChannelID    string    `json:"channel_id,omitempty"`
	ChannelType  string    `json:"channel_type,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	CreatedAt    time.Time `json:"-"`
	// RawCreatedAt is the server's serialized time, kept verbatim. It is the
	// sync cursor currency: string and clock representations of the same
	// instant are not guaranteed bit-identical, so cursor comparisons use
	// this, never the parsed time.
	RawCreatedAt string `json:"created_at,omitempty"`

	User     *User     `json:"user,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Reaction *Reaction `json:"reaction,omitempty"`
	Member   *Member   `json:"member,omitempty"`
	Channel  *Channel  `json:"channel,omitempty"`

	// Unread aggregates. Pointers distinguish "absent" from zero: only
	// events that actually carry counts may touch the global aggregate.
	TotalUnreadCount *int `json:"total_unread_count,omitempty"`
	UnreadChannels   *int `json:"unread_channels,omitempty"`

	WatcherCount int `json:"watcher_count,omitempty"`
}

// UnmarshalJSON decodes the wire form, parsing created_at into CreatedAt
// while preserving the raw string.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.RawCreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, a.RawCreatedAt)
		if err != nil {
			return fmt.Errorf("event %s: parse created_at %q: %w", a.Type, a.RawCreatedAt, err)
		}
		a.CreatedAt = ts
	}
	*e = Event(a)
	return nil
}

// MarshalJSON encodes the event back to the wire form. RawCreatedAt is
// emitted verbatim so a decode/encode round trip is cursor-stable.
func (e *Event) MarshalJSON() ([]byte, error) {
	type alias Event
	a := alias(*e)
	return json.Marshal(a)
}

// Decode parses a single wire event.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Type == "" {
		return nil, fmt.Errorf("event has no type")
	}
	return &e, nil
}

// IsConnectionLifecycle reports whether the event is a transport-level
// lifecycle signal rather than chat state.
func (e *Event) IsConnectionLifecycle() bool {
	switch e.Type {
	case ConnectionConnecting, ConnectionConnected, ConnectionDisconnected,
		ConnectionError, ConnectionRecovered, HealthCheck:
		return true
	}
	return false
}

// CarriesUnreadCounts reports whether this event kind is allowed to update
// the global unread aggregate when it embeds count fields.
func (e *Event) CarriesUnreadCounts() bool {
	if e.TotalUnreadCount == nil && e.UnreadChannels == nil {
		return false
	}
	switch e.Type {
	case MessageNew, MessageRead, NotificationMessageNew, NotificationMarkRead,
		NotificationMarkUnread, NotificationAddedToChannel,
		NotificationChannelDeleted, NotificationChannelTruncated:
		return true
	}
	return false
}
