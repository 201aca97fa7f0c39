package event

import "encoding/json"

// Wire models embedded in events and REST responses.

// User is a chat user as sent by the server.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Image    string `json:"image,omitempty"`
	Online   bool   `json:"online,omitempty"`
	Banned   bool   `json:"banned,omitempty"`
	Role     string `json:"role,omitempty"`
	LastSeen string `json:"last_active,omitempty"`
}

// Message is a chat message as sent by the server.
type Message struct {
	ID        string `json:"id"`
	CID       string `json:"cid,omitempty"`
	Text      string `json:"text"`
	Type      string `json:"type,omitempty"`
	User      *User  `json:"user,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	DeletedAt string `json:"deleted_at,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
}

// Reaction is a message reaction as sent by the server.
type Reaction struct {
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	Score     int    `json:"score,omitempty"`
	User      *User  `json:"user,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Member is a channel membership record.
type Member struct {
	User      *User  `json:"user,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Banned    bool   `json:"banned,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Channel is channel data as sent by the server. OwnCapabilities lists the
// features the server enables for the current user on this channel. Fields
// the struct does not model are kept in ExtraData so server-defined custom
// attributes (e.g. sort keys) survive the round trip.
type Channel struct {
	CID             string         `json:"cid"`
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Name            string         `json:"name,omitempty"`
	OwnCapabilities []string       `json:"own_capabilities,omitempty"`
	MemberCount     int            `json:"member_count,omitempty"`
	LastMessageAt   string         `json:"last_message_at,omitempty"`
	ExtraData       map[string]any `json:"-"`
}

var channelKnownKeys = map[string]bool{
	"cid": true, "id": true, "type": true, "name": true,
	"own_capabilities": true, "member_count": true, "last_message_at": true,
}

// UnmarshalJSON decodes known fields into the struct and everything else
// into ExtraData.
func (c *Channel) UnmarshalJSON(data []byte) error {
	type alias Channel
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		if channelKnownKeys[key] {
			continue
		}
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			continue
		}
		if a.ExtraData == nil {
			a.ExtraData = make(map[string]any)
		}
		a.ExtraData[key] = v
	}
	*c = Channel(a)
	return nil
}

// Channel capability names understood by the applier.
const (
	CapabilityReadEvents   = "read-events"
	CapabilityTypingEvents = "typing-events"
	CapabilitySendMessage  = "send-message"
	CapabilitySendReaction = "send-reaction"
)

// HasCapability reports whether the channel carries the named capability.
func (c *Channel) HasCapability(name string) bool {
	for _, capability := range c.OwnCapabilities {
		if capability == name {
			return true
		}
	}
	return false
}
