package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps sessions and paused states in a sqlite database.
// Structured fields are stored as JSON blobs; the columns that queries
// filter on (ids, owner, timestamps) are real columns.
type SQLiteStore struct {
	DB *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS paused_states (
			session_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			return nil, err
		}
	}

	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID, ownerID string) (*Session, error) {
	query := `SELECT state FROM sessions WHERE id = ? AND owner_id = ?`
	var blob string
	err := s.DB.QueryRowContext(ctx, query, sessionID, ownerID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal([]byte(blob), &sess); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %v", sessionID, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	blob, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	query := `INSERT INTO sessions (id, owner_id, state) VALUES (?, ?, ?)`
	_, err = s.DB.ExecContext(ctx, query, sess.ID, sess.OwnerID, string(blob))
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now()
	blob, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	query := `UPDATE sessions SET state = ?, updated_at = datetime('now') WHERE id = ? AND owner_id = ?`
	res, err := s.DB.ExecContext(ctx, query, string(blob), sess.ID, sess.OwnerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID, ownerID string) error {
	query := `DELETE FROM sessions WHERE id = ? AND owner_id = ?`
	_, err := s.DB.ExecContext(ctx, query, sessionID, ownerID)
	return err
}

func (s *SQLiteStore) SavePaused(ctx context.Context, p *PausedState) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	blob, err := json.Marshal(p)
	if err != nil {
		return err
	}
	// One paused state per session: a new pause replaces any stale one.
	query := `INSERT OR REPLACE INTO paused_states (session_id, owner_id, state, created_at) VALUES (?, ?, ?, ?)`
	// Same "YYYY-MM-DD HH:MM:SS" form sqlite's datetime('now') produces, so
	// the sweep cutoff compares uniformly.
	_, err = s.DB.ExecContext(ctx, query, p.SessionID, p.OwnerID, string(blob), p.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	return err
}

func (s *SQLiteStore) TakePaused(ctx context.Context, sessionID string, ttl time.Duration) (*PausedState, error) {
	query := `SELECT state, created_at FROM paused_states WHERE session_id = ?`
	var blob, createdAt string
	err := s.DB.QueryRowContext(ctx, query, sessionID).Scan(&blob, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// Consume eagerly: resume attempts are single-use even when parsing or
	// TTL checks fail afterwards.
	if err := s.DeletePaused(ctx, sessionID); err != nil {
		return nil, err
	}

	var p PausedState
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, fmt.Errorf("corrupt paused state %s: %v", sessionID, err)
	}
	if ttl > 0 && time.Since(p.CreatedAt) > ttl {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *SQLiteStore) DeletePaused(ctx context.Context, sessionID string) error {
	query := `DELETE FROM paused_states WHERE session_id = ?`
	_, err := s.DB.ExecContext(ctx, query, sessionID)
	return err
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int, int, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05")

	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, 0, err
	}
	sessions, _ := res.RowsAffected()

	res, err = s.DB.ExecContext(ctx, `DELETE FROM paused_states WHERE created_at < ?`, cutoff)
	if err != nil {
		return int(sessions), 0, err
	}
	paused, _ := res.RowsAffected()

	return int(sessions), int(paused), nil
}
