package store

import (
	"database/sql"
	"errors"
)

// ThreadState is the durable per-thread projection. Empty strings stand for
// SQL NULL on the optional columns.
type ThreadState struct {
	UserID        string
	ThreadID      string
	BoundAnchorID string
	TurnID        string
	TurnStatus    string
	UpdatedAt     int64
}

// Message is one captured frame in a thread's bounded log.
type Message struct {
	ID        int64
	UserID    string
	ThreadID  string
	Raw       string
	CreatedAt int64
}

// Artifact is one deduplicated durable output reference.
type Artifact struct {
	ID           int64
	UserID       string
	ThreadID     string
	TurnID       string
	AnchorID     string
	ItemID       string
	ArtifactType string
	ItemType     string
	Summary      string
	PayloadJSON  string
	CreatedAt    int64
}

// GetThreadState returns the stored state for a thread, or nil when none.
func (s *Store) GetThreadState(userID, threadID string) (*ThreadState, error) {
	row := s.db.QueryRow(`
		SELECT bound_anchor_id, turn_id, turn_status, updated_at
		FROM relay_thread_state WHERE user_id = ? AND thread_id = ?`,
		userID, threadID)

	var anchor, turnID, turnStatus sql.NullString
	st := ThreadState{UserID: userID, ThreadID: threadID}
	err := row.Scan(&anchor, &turnID, &turnStatus, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.BoundAnchorID = fromNull(anchor)
	st.TurnID = fromNull(turnID)
	st.TurnStatus = fromNull(turnStatus)
	return &st, nil
}

// SetThreadAnchor records (or clears, with an empty anchorID) the sticky
// anchor binding for a thread.
func (s *Store) SetThreadAnchor(userID, threadID, anchorID string) error {
	_, err := s.db.Exec(`
		INSERT INTO relay_thread_state (user_id, thread_id, bound_anchor_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, thread_id) DO UPDATE SET
			bound_anchor_id = excluded.bound_anchor_id,
			updated_at = excluded.updated_at`,
		userID, threadID, nullable(anchorID), s.now())
	return err
}

// SetThreadTurn records the latest turn id and status for a thread.
func (s *Store) SetThreadTurn(userID, threadID, turnID, turnStatus string) error {
	_, err := s.db.Exec(`
		INSERT INTO relay_thread_state (user_id, thread_id, turn_id, turn_status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, thread_id) DO UPDATE SET
			turn_id = excluded.turn_id,
			turn_status = excluded.turn_status,
			updated_at = excluded.updated_at`,
		userID, threadID, nullable(turnID), nullable(turnStatus), s.now())
	return err
}

// AppendThreadMessage appends a raw frame to the thread log and trims the log
// to the configured retention.
func (s *Store) AppendThreadMessage(userID, threadID, raw string) (Message, error) {
	m := Message{UserID: userID, ThreadID: threadID, Raw: raw, CreatedAt: s.now()}
	res, err := s.db.Exec(`
		INSERT INTO relay_thread_messages (user_id, thread_id, raw_data, created_at)
		VALUES (?, ?, ?, ?)`,
		userID, threadID, raw, m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	_, err = s.db.Exec(`
		DELETE FROM relay_thread_messages
		WHERE user_id = ? AND thread_id = ? AND id NOT IN (
			SELECT id FROM relay_thread_messages
			WHERE user_id = ? AND thread_id = ?
			ORDER BY id DESC LIMIT ?)`,
		userID, threadID, userID, threadID, s.cfg.MessageRetention)
	if err != nil {
		return Message{}, err
	}
	_, err = s.db.Exec(`
		INSERT INTO relay_thread_state (user_id, thread_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, thread_id) DO UPDATE SET updated_at = excluded.updated_at`,
		userID, threadID, m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListThreadMessages returns the newest limit messages in oldest-first order.
func (s *Store) ListThreadMessages(userID, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT id, raw_data, created_at
		FROM relay_thread_messages
		WHERE user_id = ? AND thread_id = ?
		ORDER BY id DESC LIMIT ?`,
		userID, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m := Message{UserID: userID, ThreadID: threadID}
		if err := rows.Scan(&m.ID, &m.Raw, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the index scan; replay wants chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UpsertArtifact inserts an artifact, replacing any prior row with the same
// (user, thread, item) identity, then trims the thread's artifact index.
func (s *Store) UpsertArtifact(a Artifact) (Artifact, error) {
	a.CreatedAt = s.now()
	row := s.db.QueryRow(`
		INSERT INTO relay_artifacts
			(user_id, thread_id, turn_id, anchor_id, item_id, artifact_type, item_type, summary, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, thread_id, item_id) DO UPDATE SET
			turn_id = excluded.turn_id,
			anchor_id = excluded.anchor_id,
			artifact_type = excluded.artifact_type,
			item_type = excluded.item_type,
			summary = excluded.summary,
			payload_json = excluded.payload_json,
			created_at = excluded.created_at
		RETURNING id`,
		a.UserID, a.ThreadID, nullable(a.TurnID), nullable(a.AnchorID),
		a.ItemID, a.ArtifactType, a.ItemType, nullable(a.Summary),
		a.PayloadJSON, a.CreatedAt)
	if err := row.Scan(&a.ID); err != nil {
		return Artifact{}, err
	}
	_, err := s.db.Exec(`
		DELETE FROM relay_artifacts
		WHERE user_id = ? AND thread_id = ? AND id NOT IN (
			SELECT id FROM relay_artifacts
			WHERE user_id = ? AND thread_id = ?
			ORDER BY id DESC LIMIT ?)`,
		a.UserID, a.ThreadID, a.UserID, a.ThreadID, s.cfg.ArtifactRetention)
	if err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// ListArtifacts returns up to limit artifacts for a user, newest first.
// threadID filters to one thread when non-empty; beforeID > 0 pages backwards.
func (s *Store) ListArtifacts(userID, threadID string, limit int, beforeID int64) ([]Artifact, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `
		SELECT id, thread_id, turn_id, anchor_id, item_id, artifact_type, item_type, summary, payload_json, created_at
		FROM relay_artifacts WHERE user_id = ?`
	args := []any{userID}
	if threadID != "" {
		q += " AND thread_id = ?"
		args = append(args, threadID)
	}
	if beforeID > 0 {
		q += " AND id < ?"
		args = append(args, beforeID)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a := Artifact{UserID: userID}
		var turnID, anchorID, summary sql.NullString
		if err := rows.Scan(&a.ID, &a.ThreadID, &turnID, &anchorID, &a.ItemID,
			&a.ArtifactType, &a.ItemType, &summary, &a.PayloadJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.TurnID = fromNull(turnID)
		a.AnchorID = fromNull(anchorID)
		a.Summary = fromNull(summary)
		out = append(out, a)
	}
	return out, rows.Err()
}
