package store

import "time"

// QueueOutbox adds a message to the send outbox. Messages with pending
// attachment uploads start in AwaitingAttachments; everything else starts in
// SyncNeeded.
func (db *DB) QueueOutbox(clientMsgID, cid, text string, attachmentsPending int) error {
	status := SyncNeeded
	if attachmentsPending > 0 {
		status = AwaitingAttachments
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, cid, text, sync_status, attachments_pending, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clientMsgID, cid, text, status, attachmentsPending, now, now)
	return err
}

// MarkOutboxInProgress transitions an entry to InProgress before sending.
func (db *DB) MarkOutboxInProgress(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, InProgress, "", "")
}

// MarkOutboxCompleted records the server message id after a successful send.
func (db *DB) MarkOutboxCompleted(clientMsgID, serverMsgID string) error {
	return db.setOutboxStatus(clientMsgID, Completed, "", serverMsgID)
}

// MarkOutboxSyncNeeded returns an entry to the retry queue, e.g. after a
// transient send failure or once its attachments finished uploading.
func (db *DB) MarkOutboxSyncNeeded(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, SyncNeeded, "", "")
}

// MarkOutboxFailed records a permanent, non-retriable failure.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	return db.setOutboxStatus(clientMsgID, FailedPermanently, errMsg, "")
}

func (db *DB) setOutboxStatus(clientMsgID string, status SyncStatus, errMsg, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET sync_status = ?, error_message = ?, server_msg_id = ?, updated_at = ?
		WHERE client_msg_id = ?`,
		status, errMsg, serverMsgID, now, clientMsgID)
	return err
}

// ResolveOutboxAttachment decrements the pending-attachment counter. When it
// reaches zero the entry transitions AwaitingAttachments -> SyncNeeded so the
// sender picks it up.
func (db *DB) ResolveOutboxAttachment(clientMsgID string) error {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`
		UPDATE outbox SET attachments_pending = MAX(attachments_pending - 1, 0), updated_at = ?
		WHERE client_msg_id = ?`, now, clientMsgID); err != nil {
		return err
	}
	_, err := db.Exec(`
		UPDATE outbox SET sync_status = ?, updated_at = ?
		WHERE client_msg_id = ? AND attachments_pending = 0 AND sync_status = ?`,
		SyncNeeded, now, clientMsgID, AwaitingAttachments)
	return err
}

// PendingOutbox returns entries ready to send, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.selectOutbox(`sync_status = ?`, SyncNeeded)
}

// SelectOutboxBySyncStatus returns entries with the given status, oldest first.
func (db *DB) SelectOutboxBySyncStatus(status SyncStatus) ([]OutboxEntry, error) {
	return db.selectOutbox(`sync_status = ?`, status)
}

func (db *DB) selectOutbox(where string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, cid, text, sync_status, error_message, server_msg_id, attachments_pending
		FROM outbox WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.CID, &e.Text, &e.SyncStatus, &e.ErrorMessage, &e.ServerMsgID, &e.Attachments); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
