package store

import (
	"database/sql"
	"errors"
	"strings"
)

// User is an account row.
type User struct {
	ID          string
	Name        string
	DisplayName string
	CreatedAt   int64
}

// Session is a web auth session. The refresh token itself is never stored,
// only its hash; the plaintext is returned once at creation or rotation.
type Session struct {
	ID               string
	UserID           string
	CreatedAt        int64
	ExpiresAt        int64
	RefreshExpiresAt int64
}

// DeviceCodeStatus values for the device pairing flow.
const (
	DeviceCodePending    = "pending"
	DeviceCodeAuthorised = "authorised"
)

// DeviceCode is one in-flight device pairing grant.
type DeviceCode struct {
	DeviceCode string
	UserCode   string
	Status     string
	UserID     string
	ExpiresAt  int64
}

// Challenge is a short-lived passkey ceremony challenge.
type Challenge struct {
	Challenge          string
	Kind               string
	UserID             string
	PendingName        string
	PendingDisplayName string
	ExpiresAt          int64
}

// PasskeyCredential is a stored WebAuthn credential.
type PasskeyCredential struct {
	ID             string
	UserID         string
	PublicKeyB64   string
	SignCount      int64
	TransportsJSON string
	DeviceType     string
	BackedUp       bool
	CreatedAt      int64
}

// AnchorSession is an opaque-token session for a host agent.
type AnchorSession struct {
	ID               string
	UserID           string
	AccessExpiresAt  int64
	RefreshExpiresAt int64
	CreatedAt        int64
}

// HasAnyUsers reports whether at least one account exists.
func (s *Store) HasAnyUsers() (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateUser inserts a new account. Duplicate names return ErrUserNameExists.
func (s *Store) CreateUser(name, displayName string) (User, error) {
	u := User{ID: newID(), Name: name, DisplayName: displayName, CreatedAt: s.now()}
	if u.DisplayName == "" {
		u.DisplayName = name
	}
	_, err := s.db.Exec(`
		INSERT INTO users (id, name, display_name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.DisplayName, u.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return User{}, ErrUserNameExists
		}
		return User{}, err
	}
	return u, nil
}

// GetUserByID returns the account with the given id, or nil.
func (s *Store) GetUserByID(id string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, name, display_name, created_at FROM users WHERE id = ?`, id))
}

// GetUserByName returns the account with the given name, or nil.
func (s *Store) GetUserByName(name string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, name, display_name, created_at FROM users WHERE name = ?`, name))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateSession opens a web session and returns it with the one-time
// plaintext refresh token.
func (s *Store) CreateSession(userID string) (Session, string, error) {
	now := s.now()
	sess := Session{
		ID:               newID(),
		UserID:           userID,
		CreatedAt:        now,
		ExpiresAt:        now + int64(s.cfg.AccessTTL.Seconds()),
		RefreshExpiresAt: now + int64(s.cfg.RefreshTTL.Seconds()),
	}
	refresh := randomToken(32)
	_, err := s.db.Exec(`
		INSERT INTO auth_sessions (id, user_id, created_at, expires_at, refresh_token_hash, refresh_expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt, hashToken(refresh), sess.RefreshExpiresAt)
	if err != nil {
		return Session{}, "", err
	}
	return sess, refresh, nil
}

// GetActiveSession returns the session when it exists, is unrevoked, and its
// access window has not expired.
func (s *Store) GetActiveSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, created_at, expires_at, refresh_expires_at
		FROM auth_sessions
		WHERE id = ? AND revoked_at IS NULL AND expires_at > ?`,
		id, s.now())
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt, &sess.RefreshExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// RevokeSession marks a session revoked. Revoking an unknown or already
// revoked session is a no-op.
func (s *Store) RevokeSession(id string) error {
	_, err := s.db.Exec(
		`UPDATE auth_sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		s.now(), id)
	return err
}

// RotateSession exchanges a refresh token for a fresh session, revoking the
// old one. Returns nil when the token is unknown, revoked, or expired.
func (s *Store) RotateSession(refreshToken string) (*Session, string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	now := s.now()
	var oldID, userID string
	err = tx.QueryRow(`
		SELECT id, user_id FROM auth_sessions
		WHERE refresh_token_hash = ? AND revoked_at IS NULL AND refresh_expires_at > ?`,
		hashToken(refreshToken), now).Scan(&oldID, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	if _, err := tx.Exec(`UPDATE auth_sessions SET revoked_at = ? WHERE id = ?`, now, oldID); err != nil {
		return nil, "", err
	}

	sess := Session{
		ID:               newID(),
		UserID:           userID,
		CreatedAt:        now,
		ExpiresAt:        now + int64(s.cfg.AccessTTL.Seconds()),
		RefreshExpiresAt: now + int64(s.cfg.RefreshTTL.Seconds()),
	}
	refresh := randomToken(32)
	_, err = tx.Exec(`
		INSERT INTO auth_sessions (id, user_id, created_at, expires_at, refresh_token_hash, refresh_expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt, hashToken(refresh), sess.RefreshExpiresAt)
	if err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", err
	}
	return &sess, refresh, nil
}

// CreateDeviceCode records a pending device pairing grant.
func (s *Store) CreateDeviceCode(deviceCode, userCode string, ttlSeconds int64) (DeviceCode, error) {
	now := s.now()
	dc := DeviceCode{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		Status:     DeviceCodePending,
		ExpiresAt:  now + ttlSeconds,
	}
	_, err := s.db.Exec(`
		INSERT INTO device_codes (device_code, user_code, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		dc.DeviceCode, dc.UserCode, dc.Status, dc.ExpiresAt, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return DeviceCode{}, ErrCodeCollision
		}
		return DeviceCode{}, err
	}
	return dc, nil
}

// AuthoriseDeviceCode marks a pending, unexpired grant as authorised by the
// given user. Returns false when no such grant exists.
func (s *Store) AuthoriseDeviceCode(userCode, userID string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE device_codes SET status = ?, user_id = ?
		WHERE user_code = ? AND status = ? AND expires_at > ?`,
		DeviceCodeAuthorised, userID, userCode, DeviceCodePending, s.now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetDeviceCode returns the grant for polling, or nil when unknown or expired.
func (s *Store) GetDeviceCode(deviceCode string) (*DeviceCode, error) {
	row := s.db.QueryRow(`
		SELECT device_code, user_code, status, user_id, expires_at
		FROM device_codes WHERE device_code = ? AND expires_at > ?`,
		deviceCode, s.now())
	var dc DeviceCode
	var userID sql.NullString
	err := row.Scan(&dc.DeviceCode, &dc.UserCode, &dc.Status, &userID, &dc.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dc.UserID = fromNull(userID)
	return &dc, nil
}

// ConsumeAuthorisedDeviceCode atomically removes an authorised grant and
// returns it, or nil when the grant is absent, pending, or expired. The
// single DELETE makes concurrent consumers race safely: at most one wins.
func (s *Store) ConsumeAuthorisedDeviceCode(deviceCode string) (*DeviceCode, error) {
	row := s.db.QueryRow(`
		DELETE FROM device_codes
		WHERE device_code = ? AND status = ? AND expires_at > ?
		RETURNING device_code, user_code, status, user_id, expires_at`,
		deviceCode, DeviceCodeAuthorised, s.now())
	var dc DeviceCode
	var userID sql.NullString
	err := row.Scan(&dc.DeviceCode, &dc.UserCode, &dc.Status, &userID, &dc.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dc.UserID = fromNull(userID)
	return &dc, nil
}

// ConsumeDeviceCode resolves one poll from a pairing device: an authorised
// grant is removed and returned, an expired or unknown code yields nil, and a
// pending grant is returned untouched. The loop retries the window where a
// code flips to authorised between the delete and the read.
func (s *Store) ConsumeDeviceCode(deviceCode string) (*DeviceCode, error) {
	for attempt := 0; attempt < 3; attempt++ {
		dc, err := s.ConsumeAuthorisedDeviceCode(deviceCode)
		if err != nil || dc != nil {
			return dc, err
		}
		res, err := s.db.Exec(
			`DELETE FROM device_codes WHERE device_code = ? AND expires_at <= ?`,
			deviceCode, s.now())
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil, nil
		}
		pending, err := s.GetDeviceCode(deviceCode)
		if err != nil || pending == nil {
			return nil, err
		}
		if pending.Status != DeviceCodeAuthorised {
			return pending, nil
		}
	}
	return nil, nil
}

// CreateChallenge stores a passkey ceremony challenge.
func (s *Store) CreateChallenge(c Challenge, ttlSeconds int64) error {
	now := s.now()
	_, err := s.db.Exec(`
		INSERT INTO auth_challenges (challenge, kind, user_id, pending_name, pending_display_name, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Challenge, c.Kind, nullable(c.UserID), nullable(c.PendingName),
		nullable(c.PendingDisplayName), now+ttlSeconds, now)
	return err
}

// ConsumeChallenge atomically removes and returns an unexpired challenge of
// the given kind, or nil.
func (s *Store) ConsumeChallenge(challenge, kind string) (*Challenge, error) {
	row := s.db.QueryRow(`
		DELETE FROM auth_challenges
		WHERE challenge = ? AND kind = ? AND expires_at > ?
		RETURNING challenge, kind, user_id, pending_name, pending_display_name, expires_at`,
		challenge, kind, s.now())
	var c Challenge
	var userID, pendingName, pendingDisplay sql.NullString
	err := row.Scan(&c.Challenge, &c.Kind, &userID, &pendingName, &pendingDisplay, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.UserID = fromNull(userID)
	c.PendingName = fromNull(pendingName)
	c.PendingDisplayName = fromNull(pendingDisplay)
	return &c, nil
}

// CleanupExpired removes expired device codes and challenges.
func (s *Store) CleanupExpired() error {
	now := s.now()
	if _, err := s.db.Exec(`DELETE FROM device_codes WHERE expires_at <= ?`, now); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM auth_challenges WHERE expires_at <= ?`, now)
	return err
}

// UpsertPasskeyCredential stores or refreshes a credential.
func (s *Store) UpsertPasskeyCredential(c PasskeyCredential) error {
	_, err := s.db.Exec(`
		INSERT INTO passkey_credentials (id, user_id, public_key_b64, sign_count, transports_json, device_type, backed_up, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			public_key_b64 = excluded.public_key_b64,
			sign_count = excluded.sign_count,
			transports_json = excluded.transports_json,
			device_type = excluded.device_type,
			backed_up = excluded.backed_up`,
		c.ID, c.UserID, c.PublicKeyB64, c.SignCount, nullable(c.TransportsJSON),
		nullable(c.DeviceType), boolToInt(c.BackedUp), s.now())
	return err
}

// GetPasskeyCredential returns a credential by id, or nil.
func (s *Store) GetPasskeyCredential(id string) (*PasskeyCredential, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, public_key_b64, sign_count, transports_json, device_type, backed_up, created_at
		FROM passkey_credentials WHERE id = ?`, id)
	c, err := scanPasskey(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListPasskeyCredentials returns all credentials registered to a user.
func (s *Store) ListPasskeyCredentials(userID string) ([]PasskeyCredential, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, public_key_b64, sign_count, transports_json, device_type, backed_up, created_at
		FROM passkey_credentials WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PasskeyCredential
	for rows.Next() {
		c, err := scanPasskey(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdatePasskeySignCount bumps the stored signature counter.
func (s *Store) UpdatePasskeySignCount(id string, signCount int64) error {
	_, err := s.db.Exec(`UPDATE passkey_credentials SET sign_count = ? WHERE id = ?`, signCount, id)
	return err
}

func scanPasskey(scan func(dest ...any) error) (*PasskeyCredential, error) {
	var c PasskeyCredential
	var transports, deviceType sql.NullString
	var backedUp int
	if err := scan(&c.ID, &c.UserID, &c.PublicKeyB64, &c.SignCount,
		&transports, &deviceType, &backedUp, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.TransportsJSON = fromNull(transports)
	c.DeviceType = fromNull(deviceType)
	c.BackedUp = backedUp != 0
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateAnchorSession opens an anchor session and returns the one-time
// plaintext access and refresh tokens.
func (s *Store) CreateAnchorSession(userID string) (AnchorSession, string, string, error) {
	now := s.now()
	sess := AnchorSession{
		ID:               newID(),
		UserID:           userID,
		CreatedAt:        now,
		AccessExpiresAt:  now + int64(s.cfg.AnchorAccessTTL.Seconds()),
		RefreshExpiresAt: now + int64(s.cfg.AnchorRefreshTTL.Seconds()),
	}
	access := randomToken(32)
	refresh := randomToken(32)
	_, err := s.db.Exec(`
		INSERT INTO anchor_sessions (id, user_id, access_token_hash, access_expires_at, refresh_token_hash, refresh_expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, hashToken(access), sess.AccessExpiresAt,
		hashToken(refresh), sess.RefreshExpiresAt, sess.CreatedAt)
	if err != nil {
		return AnchorSession{}, "", "", err
	}
	return sess, access, refresh, nil
}

// GetAnchorSessionByAccessToken resolves a live anchor session from its
// opaque access token, or nil.
func (s *Store) GetAnchorSessionByAccessToken(token string) (*AnchorSession, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, access_expires_at, refresh_expires_at, created_at
		FROM anchor_sessions
		WHERE access_token_hash = ? AND revoked_at IS NULL AND access_expires_at > ?`,
		hashToken(token), s.now())
	var sess AnchorSession
	err := row.Scan(&sess.ID, &sess.UserID, &sess.AccessExpiresAt, &sess.RefreshExpiresAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// RotateAnchorSession exchanges an anchor refresh token for a new session,
// revoking the old one. Returns nil when the token is not usable.
func (s *Store) RotateAnchorSession(refreshToken string) (*AnchorSession, string, string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, "", "", err
	}
	defer tx.Rollback()

	now := s.now()
	var oldID, userID string
	err = tx.QueryRow(`
		SELECT id, user_id FROM anchor_sessions
		WHERE refresh_token_hash = ? AND revoked_at IS NULL AND refresh_expires_at > ?`,
		hashToken(refreshToken), now).Scan(&oldID, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", "", nil
	}
	if err != nil {
		return nil, "", "", err
	}
	if _, err := tx.Exec(`UPDATE anchor_sessions SET revoked_at = ? WHERE id = ?`, now, oldID); err != nil {
		return nil, "", "", err
	}

	sess := AnchorSession{
		ID:               newID(),
		UserID:           userID,
		CreatedAt:        now,
		AccessExpiresAt:  now + int64(s.cfg.AnchorAccessTTL.Seconds()),
		RefreshExpiresAt: now + int64(s.cfg.AnchorRefreshTTL.Seconds()),
	}
	access := randomToken(32)
	refresh := randomToken(32)
	_, err = tx.Exec(`
		INSERT INTO anchor_sessions (id, user_id, access_token_hash, access_expires_at, refresh_token_hash, refresh_expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, hashToken(access), sess.AccessExpiresAt,
		hashToken(refresh), sess.RefreshExpiresAt, sess.CreatedAt)
	if err != nil {
		return nil, "", "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", "", err
	}
	return &sess, access, refresh, nil
}
