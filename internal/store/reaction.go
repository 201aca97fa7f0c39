package store

// UpsertReaction inserts or updates a reaction (idempotent on msg_id +
// user_id + type).
func (db *DB) UpsertReaction(r *Reaction) error {
	_, err := db.Exec(`
		INSERT INTO reactions (msg_id, user_id, reaction_type, score, sync_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id, user_id, reaction_type) DO UPDATE SET
			score = excluded.score,
			sync_status = excluded.sync_status,
			created_at = excluded.created_at`,
		r.MsgID, r.UserID, r.Type, r.Score, r.SyncStatus, r.CreatedAt)
	return err
}

// DeleteReaction removes one user's reaction of a given type.
func (db *DB) DeleteReaction(msgID, userID, reactionType string) error {
	_, err := db.Exec(`DELETE FROM reactions WHERE msg_id = ? AND user_id = ? AND reaction_type = ?`,
		msgID, userID, reactionType)
	return err
}

// ListReactions returns all reactions on a message.
func (db *DB) ListReactions(msgID string) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT msg_id, user_id, reaction_type, score, sync_status, created_at
		FROM reactions WHERE msg_id = ?
		ORDER BY created_at ASC`, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MsgID, &r.UserID, &r.Type, &r.Score, &r.SyncStatus, &r.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

// SelectReactionsBySyncStatus returns reactions with the given status,
// oldest first.
func (db *DB) SelectReactionsBySyncStatus(status SyncStatus, limit int) ([]Reaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT msg_id, user_id, reaction_type, score, sync_status, created_at
		FROM reactions
		WHERE sync_status = ?
		ORDER BY created_at ASC
		LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MsgID, &r.UserID, &r.Type, &r.Score, &r.SyncStatus, &r.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}
