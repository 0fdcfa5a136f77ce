// Package store is the durable projection behind the relay hub: thread state,
// the bounded per-thread message log, the deduplicated artifact index, and the
// account tables the auth collaborator consumes.
//
// All operations are synchronous and safe for concurrent use; the pool is
// capped at one connection so sqlite sees a single writer.
package store

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Retention bounds carried from the relay design: each thread keeps at most
// this many messages and artifacts.
const (
	DefaultMessageRetention  = 200
	DefaultArtifactRetention = 200
)

// ErrUserNameExists is returned by CreateUser on a duplicate name.
var ErrUserNameExists = errors.New("user name already exists")

// ErrCodeCollision is returned by CreateDeviceCode when a generated code is
// already taken; callers regenerate and retry.
var ErrCodeCollision = errors.New("device code collision")

// Config tunes retention and session lifetimes.
type Config struct {
	Path string // Database file path, or ":memory:".

	MessageRetention  int // Max messages kept per (user, thread).
	ArtifactRetention int // Max artifacts kept per (user, thread).

	AccessTTL        time.Duration // Web access token lifetime.
	RefreshTTL       time.Duration // Web refresh token lifetime.
	AnchorAccessTTL  time.Duration // Anchor access token lifetime.
	AnchorRefreshTTL time.Duration // Anchor refresh token lifetime.
}

// DefaultConfig returns the retention and TTL defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:              path,
		MessageRetention:  DefaultMessageRetention,
		ArtifactRetention: DefaultArtifactRetention,
		AccessTTL:         time.Hour,
		RefreshTTL:        7 * 24 * time.Hour,
		AnchorAccessTTL:   24 * time.Hour,
		AnchorRefreshTTL:  30 * 24 * time.Hour,
	}
}

// Store wraps the sqlite database.
type Store struct {
	cfg Config
	db  *sql.DB

	now func() int64 // Unix seconds; overridable in tests.
}

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("missing database path")
	}
	if cfg.MessageRetention <= 0 {
		cfg.MessageRetention = DefaultMessageRetention
	}
	if cfg.ArtifactRetention <= 0 {
		cfg.ArtifactRetention = DefaultArtifactRetention
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.AnchorAccessTTL <= 0 {
		cfg.AnchorAccessTTL = 24 * time.Hour
	}
	if cfg.AnchorRefreshTTL <= 0 {
		cfg.AnchorRefreshTTL = 30 * 24 * time.Hour
	}

	dsn := "file::memory:"
	if cfg.Path != "" && cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = "file:" + url.PathEscape(cfg.Path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps sqlite in single-writer discipline and makes
	// ":memory:" behave as one database.
	db.SetMaxOpenConns(1)

	s := &Store{cfg: cfg, db: db, now: func() int64 { return time.Now().Unix() }}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    revoked_at INTEGER,
    refresh_token_hash TEXT NOT NULL,
    refresh_expires_at INTEGER NOT NULL,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_auth_sessions_user_id ON auth_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_auth_sessions_refresh_hash ON auth_sessions(refresh_token_hash);

CREATE TABLE IF NOT EXISTS device_codes (
    device_code TEXT PRIMARY KEY,
    user_code TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    user_id TEXT,
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_device_codes_user_code ON device_codes(user_code);
CREATE INDEX IF NOT EXISTS idx_device_codes_expires_at ON device_codes(expires_at);

CREATE TABLE IF NOT EXISTS auth_challenges (
    challenge TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    user_id TEXT,
    pending_name TEXT,
    pending_display_name TEXT,
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_auth_challenges_expires ON auth_challenges(expires_at);

CREATE TABLE IF NOT EXISTS passkey_credentials (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    public_key_b64 TEXT NOT NULL,
    sign_count INTEGER NOT NULL,
    transports_json TEXT,
    device_type TEXT,
    backed_up INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_passkey_credentials_user_id ON passkey_credentials(user_id);

CREATE TABLE IF NOT EXISTS anchor_sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    access_token_hash TEXT NOT NULL UNIQUE,
    access_expires_at INTEGER NOT NULL,
    refresh_token_hash TEXT NOT NULL UNIQUE,
    refresh_expires_at INTEGER NOT NULL,
    revoked_at INTEGER,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_anchor_sessions_access ON anchor_sessions(access_token_hash);
CREATE INDEX IF NOT EXISTS idx_anchor_sessions_refresh ON anchor_sessions(refresh_token_hash);

CREATE TABLE IF NOT EXISTS relay_thread_state (
    user_id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    bound_anchor_id TEXT,
    turn_id TEXT,
    turn_status TEXT,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY(user_id, thread_id)
);
CREATE INDEX IF NOT EXISTS idx_relay_thread_state_user_updated
    ON relay_thread_state(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS relay_thread_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    raw_data TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relay_thread_messages_user_thread_id
    ON relay_thread_messages(user_id, thread_id, id DESC);

CREATE TABLE IF NOT EXISTS relay_artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    turn_id TEXT,
    anchor_id TEXT,
    item_id TEXT NOT NULL,
    artifact_type TEXT NOT NULL,
    item_type TEXT NOT NULL,
    summary TEXT,
    payload_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE(user_id, thread_id, item_id)
);
CREATE INDEX IF NOT EXISTS idx_relay_artifacts_user_thread_id
    ON relay_artifacts(user_id, thread_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_relay_artifacts_user_id
    ON relay_artifacts(user_id, id DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

// hashToken stores only the SHA-256 of bearer secrets.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// newID returns a 32-char lowercase hex identifier.
func newID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// randomToken returns a URL-safe secret of n random bytes.
func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func fromNull(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}
