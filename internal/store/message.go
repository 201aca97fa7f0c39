package store

import (
	"strings"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on cid + msg_id).
// Updates are last-write-wins replacements, never increments, so replaying
// the same event is harmless.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (cid, msg_id, user_id, text, message_type, from_me, sync_status, created_at, raw_created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid, msg_id) DO UPDATE SET
			user_id = excluded.user_id,
			text = excluded.text,
			message_type = excluded.message_type,
			sync_status = excluded.sync_status,
			created_at = excluded.created_at,
			raw_created_at = excluded.raw_created_at,
			updated_at = excluded.updated_at`,
		m.CID, m.MsgID, m.UserID, m.Text, m.Type, m.FromMe, m.SyncStatus, m.CreatedAt, m.RawCreatedAt, now)
	return err
}

// GetMessage returns a message by cid and msg_id, or nil if absent.
func (db *DB) GetMessage(cid, msgID string) (*Message, error) {
	rows, err := db.Query(`
		SELECT id, cid, msg_id, user_id, text, message_type, from_me, sync_status, created_at, raw_created_at
		FROM messages WHERE cid = ? AND msg_id = ?`, cid, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var m Message
	if err := rows.Scan(&m.ID, &m.CID, &m.MsgID, &m.UserID, &m.Text, &m.Type, &m.FromMe, &m.SyncStatus, &m.CreatedAt, &m.RawCreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage removes a message and its reactions.
func (db *DB) DeleteMessage(cid, msgID string) error {
	if _, err := db.Exec(`DELETE FROM reactions WHERE msg_id = ?`, msgID); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM messages WHERE cid = ? AND msg_id = ?`, cid, msgID)
	return err
}

// ListMessages returns messages for a channel using keyset pagination by timestamp.
func (db *DB) ListMessages(cid string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, cid, msg_id, user_id, text, message_type, from_me, sync_status, created_at, raw_created_at
		FROM messages
		WHERE cid = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, cid, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.CID, &m.MsgID, &m.UserID, &m.Text, &m.Type, &m.FromMe, &m.SyncStatus, &m.CreatedAt, &m.RawCreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SelectMessageIDsBySyncStatus returns msg_ids of messages with the given
// status, oldest first, capped at limit.
func (db *DB) SelectMessageIDsBySyncStatus(status SyncStatus, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT msg_id FROM messages
		WHERE sync_status = ?
		ORDER BY created_at ASC
		LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SelectMessages returns the messages with the given msg_ids.
func (db *DB) SelectMessages(msgIDs []string) ([]Message, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgIDs)), ",")
	args := make([]any, len(msgIDs))
	for i, id := range msgIDs {
		args[i] = id
	}
	rows, err := db.Query(`
		SELECT id, cid, msg_id, user_id, text, message_type, from_me, sync_status, created_at, raw_created_at
		FROM messages WHERE msg_id IN (`+placeholders+`)
		ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.CID, &m.MsgID, &m.UserID, &m.Text, &m.Type, &m.FromMe, &m.SyncStatus, &m.CreatedAt, &m.RawCreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetMessageSyncStatus transitions a message's sync status.
func (db *DB) SetMessageSyncStatus(msgID string, status SyncStatus) error {
	_, err := db.Exec(`UPDATE messages SET sync_status = ?, updated_at = ? WHERE msg_id = ?`,
		status, time.Now().UnixMilli(), msgID)
	return err
}
