package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertChannel inserts or updates a channel record (idempotent on cid).
func (db *DB) UpsertChannel(c *Channel) error {
	caps, err := json.Marshal(c.OwnCapabilities)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO channels (cid, channel_type, name, own_capabilities, unread_count, last_message_at, sync_status, hidden, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid) DO UPDATE SET
			channel_type = excluded.channel_type,
			name = excluded.name,
			own_capabilities = excluded.own_capabilities,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			sync_status = excluded.sync_status,
			hidden = excluded.hidden,
			updated_at = excluded.updated_at`,
		c.CID, c.ChannelType, c.Name, string(caps), c.UnreadCount, c.LastMessageAt, c.SyncStatus, c.Hidden, now)
	return err
}

// GetChannel returns a single channel by cid, or nil if absent.
func (db *DB) GetChannel(cid string) (*Channel, error) {
	var c Channel
	var caps string
	err := db.QueryRow(`
		SELECT cid, channel_type, name, own_capabilities, unread_count, last_message_at, sync_status, hidden
		FROM channels WHERE cid = ?`, cid).
		Scan(&c.CID, &c.ChannelType, &c.Name, &caps, &c.UnreadCount, &c.LastMessageAt, &c.SyncStatus, &c.Hidden)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &c.OwnCapabilities); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChannels returns visible channels sorted by last message time descending.
func (db *DB) ListChannels(limit, offset int) ([]Channel, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT cid, channel_type, name, own_capabilities, unread_count, last_message_at, sync_status, hidden
		FROM channels
		WHERE hidden = 0
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var channels []Channel
	for rows.Next() {
		var c Channel
		var caps string
		if err := rows.Scan(&c.CID, &c.ChannelType, &c.Name, &caps, &c.UnreadCount, &c.LastMessageAt, &c.SyncStatus, &c.Hidden); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(caps), &c.OwnCapabilities); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// AllChannelCIDs returns every mirrored channel's cid, hidden ones included
// and without any row cap. Sync passes use this; a hidden channel still
// receives events.
func (db *DB) AllChannelCIDs() ([]string, error) {
	rows, err := db.Query(`SELECT cid FROM channels`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cids []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		cids = append(cids, cid)
	}
	return cids, rows.Err()
}

// ClearAllUnread zeroes the unread count of every channel.
func (db *DB) ClearAllUnread() error {
	_, err := db.Exec(`UPDATE channels SET unread_count = 0, updated_at = ? WHERE unread_count > 0`,
		time.Now().UnixMilli())
	return err
}

// DeleteChannel removes a channel together with its messages, reactions
// and members.
func (db *DB) DeleteChannel(cid string) error {
	if _, err := db.Exec(`DELETE FROM reactions WHERE msg_id IN (SELECT msg_id FROM messages WHERE cid = ?)`, cid); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM messages WHERE cid = ?`, cid); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM members WHERE cid = ?`, cid); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM channels WHERE cid = ?`, cid)
	return err
}

// TruncateChannel removes a channel's messages and their reactions but
// keeps the channel row.
func (db *DB) TruncateChannel(cid string) error {
	if _, err := db.Exec(`DELETE FROM reactions WHERE msg_id IN (SELECT msg_id FROM messages WHERE cid = ?)`, cid); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM messages WHERE cid = ?`, cid); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE channels SET last_message_at = 0, updated_at = ? WHERE cid = ?`,
		time.Now().UnixMilli(), cid)
	return err
}

// SetChannelHidden flips a channel's visibility.
func (db *DB) SetChannelHidden(cid string, hidden bool) error {
	_, err := db.Exec(`UPDATE channels SET hidden = ?, updated_at = ? WHERE cid = ?`,
		hidden, time.Now().UnixMilli(), cid)
	return err
}

// SelectChannelCIDsNeedingSync returns cids of channels whose local changes
// have not been confirmed by the server.
func (db *DB) SelectChannelCIDsNeedingSync() ([]string, error) {
	rows, err := db.Query(`
		SELECT cid FROM channels
		WHERE sync_status IN (?, ?)
		ORDER BY updated_at ASC`, SyncNeeded, AwaitingAttachments)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cids []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		cids = append(cids, cid)
	}
	return cids, rows.Err()
}
