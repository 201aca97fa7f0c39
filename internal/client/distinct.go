package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/koi-chat/koi/internal/call"
	"github.com/koi-chat/koi/internal/querysort"
)

// Distinct wraps a Client so identical concurrent read requests share one
// HTTP round trip. While a request for a given endpoint and parameter set is
// in flight, further callers receive a handle on the same execution; once it
// resolves, the next identical request starts fresh.
//
// Only reads are wrapped. Writes (SendMessage, SendReaction, mark-read) go
// through the underlying Client directly; deduplicating them would drop
// legitimate repeated user actions.
type Distinct struct {
	*Client

	replies   *call.Group[*RepliesResponse]
	reactions *call.Group[*ReactionsResponse]
	members   *call.Group[*MembersResponse]
	banned    *call.Group[*UsersResponse]
	channel   *call.Group[*ChannelState]
}

// NewDistinct wraps c with per-endpoint deduplication registries.
func NewDistinct(c *Client) *Distinct {
	return &Distinct{
		Client:    c,
		replies:   call.NewGroup[*RepliesResponse](),
		reactions: call.NewGroup[*ReactionsResponse](),
		members:   call.NewGroup[*MembersResponse](),
		banned:    call.NewGroup[*UsersResponse](),
		channel:   call.NewGroup[*ChannelState](),
	}
}

// GetRepliesDistinct returns a handle on the (possibly shared) replies fetch.
func (d *Distinct) GetRepliesDistinct(parentID string, limit int) *call.Handle[*RepliesResponse] {
	key := call.Key("replies", parentID, fmt.Sprint(limit))
	return d.replies.GetOrCreate(key, func(ctx context.Context) (*RepliesResponse, error) {
		return d.Client.GetReplies(ctx, parentID, limit)
	})
}

// GetReactionsDistinct returns a handle on the (possibly shared) reactions fetch.
func (d *Distinct) GetReactionsDistinct(messageID string, offset, limit int) *call.Handle[*ReactionsResponse] {
	key := call.Key("reactions", messageID, fmt.Sprint(offset), fmt.Sprint(limit))
	return d.reactions.GetOrCreate(key, func(ctx context.Context) (*ReactionsResponse, error) {
		return d.Client.GetReactions(ctx, messageID, offset, limit)
	})
}

// QueryMembersDistinct returns a handle on the (possibly shared) member query.
func (d *Distinct) QueryMembersDistinct(channelType, channelID string, filter map[string]any, sort []querysort.SortParam, offset, limit int) *call.Handle[*MembersResponse] {
	key := call.Key("members", channelType, channelID, encodeParams(filter), encodeSort(sort), fmt.Sprint(offset), fmt.Sprint(limit))
	return d.members.GetOrCreate(key, func(ctx context.Context) (*MembersResponse, error) {
		return d.Client.QueryMembers(ctx, channelType, channelID, filter, sort, offset, limit)
	})
}

// QueryBannedUsersDistinct returns a handle on the (possibly shared) ban query.
func (d *Distinct) QueryBannedUsersDistinct(filter map[string]any, sort []querysort.SortParam, offset, limit int) *call.Handle[*UsersResponse] {
	key := call.Key("banned", encodeParams(filter), encodeSort(sort), fmt.Sprint(offset), fmt.Sprint(limit))
	return d.banned.GetOrCreate(key, func(ctx context.Context) (*UsersResponse, error) {
		return d.Client.QueryBannedUsers(ctx, filter, sort, offset, limit)
	})
}

// QueryChannelDistinct returns a handle on the (possibly shared) channel query.
func (d *Distinct) QueryChannelDistinct(channelType, channelID string, messageLimit int) *call.Handle[*ChannelState] {
	key := call.Key("channel", channelType, channelID, fmt.Sprint(messageLimit))
	return d.channel.GetOrCreate(key, func(ctx context.Context) (*ChannelState, error) {
		return d.Client.QueryChannel(ctx, channelType, channelID, messageLimit)
	})
}

// QueryChannel shadows the underlying client's method with the deduplicated
// path, for callers that want a plain response. Concurrent identical queries
// still share one round trip.
func (d *Distinct) QueryChannel(ctx context.Context, channelType, channelID string, messageLimit int) (*ChannelState, error) {
	return d.QueryChannelDistinct(channelType, channelID, messageLimit).Result(ctx)
}

// CancelAll cancels every in-flight deduplicated request and waits for the
// registries to drain. Used on session teardown.
func (d *Distinct) CancelAll() {
	d.replies.CancelAll()
	d.reactions.CancelAll()
	d.members.CancelAll()
	d.banned.CancelAll()
	d.channel.CancelAll()
}

// encodeParams gives a deterministic key fragment for a filter map. JSON map
// encoding sorts keys, so equal filters always produce equal fragments.
func encodeParams(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprint(m)
	}
	return string(data)
}

func encodeSort(sort []querysort.SortParam) string {
	if len(sort) == 0 {
		return ""
	}
	parts := make([]string, len(sort))
	for i, s := range sort {
		parts[i] = fmt.Sprintf("%s:%d", s.Field, s.Direction)
	}
	return strings.Join(parts, ",")
}
