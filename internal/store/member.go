package store

// UpsertMember inserts or updates a membership record (idempotent on cid +
// user_id).
func (db *DB) UpsertMember(m *Member) error {
	_, err := db.Exec(`
		INSERT INTO members (cid, user_id, role, banned)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cid, user_id) DO UPDATE SET
			role = excluded.role,
			banned = excluded.banned`,
		m.CID, m.UserID, m.Role, m.Banned)
	return err
}

// DeleteMember removes a membership record.
func (db *DB) DeleteMember(cid, userID string) error {
	_, err := db.Exec(`DELETE FROM members WHERE cid = ? AND user_id = ?`, cid, userID)
	return err
}

// ListMembers returns a channel's members.
func (db *DB) ListMembers(cid string) ([]Member, error) {
	rows, err := db.Query(`
		SELECT cid, user_id, role, banned
		FROM members WHERE cid = ?
		ORDER BY user_id ASC`, cid)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.CID, &m.UserID, &m.Role, &m.Banned); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SetMemberBanned flips a member's banned flag.
func (db *DB) SetMemberBanned(cid, userID string, banned bool) error {
	_, err := db.Exec(`UPDATE members SET banned = ? WHERE cid = ? AND user_id = ?`,
		banned, cid, userID)
	return err
}
