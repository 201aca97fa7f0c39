package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// SelectSyncState returns the sync bookkeeping row for userID, or nil if the
// user has never completed a sync.
func (db *DB) SelectSyncState(userID string) (*SyncState, error) {
	var (
		s            SyncState
		cids         string
		lastSynced   sql.NullInt64
		markedAllRead sql.NullInt64
	)
	err := db.QueryRow(`
		SELECT user_id, active_cids, last_synced_at, last_synced_cursor, marked_all_read_at
		FROM sync_state WHERE user_id = ?`, userID).
		Scan(&s.UserID, &cids, &lastSynced, &s.LastSyncedCursor, &markedAllRead)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cids), &s.ActiveCIDs); err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		t := time.Unix(0, lastSynced.Int64).UTC()
		s.LastSyncedAt = &t
	}
	if markedAllRead.Valid {
		t := time.Unix(0, markedAllRead.Int64).UTC()
		s.MarkedAllReadAt = &t
	}
	return &s, nil
}

// UpsertSyncState writes the sync bookkeeping row (idempotent on user_id).
func (db *DB) UpsertSyncState(s *SyncState) error {
	cids, err := json.Marshal(s.ActiveCIDs)
	if err != nil {
		return err
	}
	// Nanoseconds, not millis: the marked-all-read watermark compares
	// monotonically across save/load cycles and must not regress by a
	// truncated sub-millisecond remainder.
	var lastSynced, markedAllRead any
	if s.LastSyncedAt != nil {
		lastSynced = s.LastSyncedAt.UnixNano()
	}
	if s.MarkedAllReadAt != nil {
		markedAllRead = s.MarkedAllReadAt.UnixNano()
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO sync_state (user_id, active_cids, last_synced_at, last_synced_cursor, marked_all_read_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			active_cids = excluded.active_cids,
			last_synced_at = excluded.last_synced_at,
			last_synced_cursor = excluded.last_synced_cursor,
			marked_all_read_at = excluded.marked_all_read_at,
			updated_at = excluded.updated_at`,
		s.UserID, string(cids), lastSynced, s.LastSyncedCursor, markedAllRead, now)
	return err
}
