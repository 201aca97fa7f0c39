package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/koi-chat/koi/internal/event"
	"github.com/koi-chat/koi/internal/querysort"
)

// SyncResponse is the backend's answer to a history replay request.
type SyncResponse struct {
	Events []*event.Event `json:"events"`
}

// ChannelState is the full server-side state of one channel.
type ChannelState struct {
	Channel      *event.Channel  `json:"channel"`
	Messages     []event.Message `json:"messages"`
	Members      []event.Member  `json:"members"`
	WatcherCount int             `json:"watcher_count"`
	Read         []ReadState     `json:"read"`
}

// ReadState is one user's read marker on a channel.
type ReadState struct {
	User        *event.User `json:"user"`
	LastRead    string      `json:"last_read"`
	UnreadCount int         `json:"unread_messages"`
}

// RepliesResponse holds a page of thread replies.
type RepliesResponse struct {
	Messages []event.Message `json:"messages"`
}

// ReactionsResponse holds a page of reactions for a message.
type ReactionsResponse struct {
	Reactions []event.Reaction `json:"reactions"`
}

// MembersResponse holds a page of channel members.
type MembersResponse struct {
	Members []event.Member `json:"members"`
}

// UsersResponse holds a page of users.
type UsersResponse struct {
	Users []event.User `json:"users"`
}

// SendMessageResponse acknowledges a sent message.
type SendMessageResponse struct {
	Message *event.Message `json:"message"`
}

// GetSyncHistory replays events missed since lastSyncCursor for the given
// channels. The cursor must be the server-issued timestamp string, passed
// back byte for byte.
func (c *Client) GetSyncHistory(ctx context.Context, cids []string, lastSyncCursor string) (*SyncResponse, error) {
	body := map[string]any{
		"channel_cids": cids,
		"last_sync_at": lastSyncCursor,
	}
	var out SyncResponse
	if err := c.do(ctx, http.MethodPost, "/sync", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryChannel fetches the current server state of one channel, including a
// page of its newest messages.
func (c *Client) QueryChannel(ctx context.Context, channelType, channelID string, messageLimit int) (*ChannelState, error) {
	body := map[string]any{
		"state":    true,
		"messages": map[string]any{"limit": messageLimit},
	}
	path := fmt.Sprintf("/channels/%s/%s/query", url.PathEscape(channelType), url.PathEscape(channelID))
	var out ChannelState
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReplies fetches a page of replies in the thread rooted at parentID.
func (c *Client) GetReplies(ctx context.Context, parentID string, limit int) (*RepliesResponse, error) {
	params := url.Values{}
	params.Set("limit", fmt.Sprint(limit))
	var out RepliesResponse
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(parentID)+"/replies", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReactions fetches a page of reactions on a message.
func (c *Client) GetReactions(ctx context.Context, messageID string, offset, limit int) (*ReactionsResponse, error) {
	params := url.Values{}
	params.Set("offset", fmt.Sprint(offset))
	params.Set("limit", fmt.Sprint(limit))
	var out ReactionsResponse
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(messageID)+"/reactions", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryMembers lists members of a channel matching filter, ordered by sort.
func (c *Client) QueryMembers(ctx context.Context, channelType, channelID string, filter map[string]any, sort []querysort.SortParam, offset, limit int) (*MembersResponse, error) {
	payload := map[string]any{
		"type":              channelType,
		"id":                channelID,
		"filter_conditions": filter,
		"sort":              sort,
		"offset":            offset,
		"limit":             limit,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("payload", string(data))
	var out MembersResponse
	if err := c.do(ctx, http.MethodGet, "/members", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryBannedUsers lists banned users matching filter, ordered by sort.
func (c *Client) QueryBannedUsers(ctx context.Context, filter map[string]any, sort []querysort.SortParam, offset, limit int) (*UsersResponse, error) {
	payload := map[string]any{
		"filter_conditions": filter,
		"sort":              sort,
		"offset":            offset,
		"limit":             limit,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("payload", string(data))
	var out UsersResponse
	if err := c.do(ctx, http.MethodGet, "/query_banned_users", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a message to a channel. The client-generated id makes the
// request idempotent against retries.
func (c *Client) SendMessage(ctx context.Context, channelType, channelID, clientMsgID, text string) (*SendMessageResponse, error) {
	body := map[string]any{
		"message": map[string]any{
			"id":   clientMsgID,
			"text": text,
		},
	}
	path := fmt.Sprintf("/channels/%s/%s/message", url.PathEscape(channelType), url.PathEscape(channelID))
	var out SendMessageResponse
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendReaction posts a reaction on a message.
func (c *Client) SendReaction(ctx context.Context, messageID, reactionType string) error {
	body := map[string]any{
		"reaction": map[string]any{"type": reactionType},
	}
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reaction", nil, body, nil)
}

// MarkAllRead marks every channel read for the current user.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/channels/read", nil, map[string]any{}, nil)
}

// MarkRead marks one channel read up to its newest message.
func (c *Client) MarkRead(ctx context.Context, channelType, channelID string) error {
	path := fmt.Sprintf("/channels/%s/%s/read", url.PathEscape(channelType), url.PathEscape(channelID))
	return c.do(ctx, http.MethodPost, path, nil, map[string]any{}, nil)
}
