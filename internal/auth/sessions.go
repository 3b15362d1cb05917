package auth

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SessionStore persists login sessions in sqlite so a broker restart does
// not log everyone out. Terminal sessions already survive restarts via
// container recovery; login sessions should match.
type SessionStore struct {
	db *sql.DB
}

const createAuthTableSQL = `
CREATE TABLE IF NOT EXISTS auth_sessions (
	token      TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_sessions_created_at ON auth_sessions(created_at);
`

// dsnWithPragmas applies WAL and busy_timeout per connection. PRAGMAs in the
// DSN are applied by the driver on every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

func NewSessionStore(dbPath string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec(createAuthTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SessionStore{db: db}, nil
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}

func (s *SessionStore) Insert(token, username string, createdAt time.Time) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO auth_sessions (token, username, created_at) VALUES (?, ?, ?)`,
			token, username, createdAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *SessionStore) Lookup(token string) (username string, createdAt time.Time, ok bool, err error) {
	row := s.db.QueryRow(
		`SELECT username, created_at FROM auth_sessions WHERE token = ?`, token,
	)
	err = row.Scan(&username, &createdAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("scanning session: %w", err)
	}
	return username, createdAt, true, nil
}

// Delete removes a token. Deleting an unknown token is not an error.
func (s *SessionStore) Delete(token string) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(`DELETE FROM auth_sessions WHERE token = ?`, token)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteOlderThan removes sessions created before cutoff and returns how
// many were removed.
func (s *SessionStore) DeleteOlderThan(cutoff time.Time) (int, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM auth_sessions WHERE created_at < ?`, cutoff.UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// isBusyLock reports whether err indicates SQLITE_BUSY, including wrapped
// errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}
