// Package auth stores admin-control-plane credentials and the audit log
// of who paused or resumed a game and when, in a small SQLite database:
// users, bearer-token sessions with expiry, and an append-only audit log.
package auth

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time; limit pool to 1 connection
	// to avoid SQLITE_BUSY under concurrent admin handler access.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			expiry DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT (datetime('now', 'localtime')),
			user_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			game_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			ip TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
	`)
	return err
}

// EnsureAdmin creates the bootstrap admin user if no user with that
// username exists, or resets its password and admin flag if one does.
func (s *Store) EnsureAdmin(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`UPDATE users SET password_hash = ?, is_admin = 1 WHERE username = ?`, string(hash), username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.Exec(`INSERT INTO users (username, password_hash, is_admin) VALUES (?, ?, 1)`, username, string(hash))
	return err
}

// Authenticate checks credentials and returns the matching user, or nil
// if the username or password doesn't match.
func (s *Store) Authenticate(username, password string) (*User, error) {
	var u User
	var hash string
	err := s.db.QueryRow(
		`SELECT id, username, is_admin, password_hash FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.IsAdmin, &hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) GetUser(id int64) (*User, error) {
	var u User
	err := s.db.QueryRow(`SELECT id, username, is_admin FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Username, &u.IsAdmin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// SaveSession persists a bearer token issued at login.
func (s *Store) SaveSession(token string, userID int64, expiry time.Time) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO sessions (token, user_id, expiry) VALUES (?, ?, ?)`,
		token, userID, expiry.Format(time.RFC3339))
	return err
}

type Session struct {
	UserID int64
	Expiry time.Time
}

// LoadSession looks up a non-expired session by token.
func (s *Store) LoadSession(token string) (*Session, error) {
	var userID int64
	var expiryStr string
	err := s.db.QueryRow(`SELECT user_id, expiry FROM sessions WHERE token = ?`, token).Scan(&userID, &expiryStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	expiry, _ := time.Parse(time.RFC3339, expiryStr)
	if time.Now().After(expiry) {
		s.db.Exec(`DELETE FROM sessions WHERE token = ?`, token)
		return nil, nil
	}
	return &Session{UserID: userID, Expiry: expiry}, nil
}

func (s *Store) DeleteSession(token string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// Log records one pause/resume action against a game.
func (s *Store) Log(userID int64, username, gameID, action, detail, ip string) {
	if _, err := s.db.Exec(
		`INSERT INTO audit_log (user_id, username, game_id, action, detail, ip) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, username, gameID, action, detail, ip,
	); err != nil {
		slog.Error("audit log write failed", "err", err)
	}
}

type AuditEntry struct {
	ID       int64  `json:"id"`
	Time     string `json:"time"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	GameID   string `json:"game_id"`
	Action   string `json:"action"`
	Detail   string `json:"detail"`
	IP       string `json:"ip"`
}

// GetAuditLog returns the most recent audit entries, newest first.
func (s *Store) GetAuditLog(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, ts, user_id, username, game_id, action, COALESCE(detail,''), COALESCE(ip,'') FROM audit_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Time, &e.UserID, &e.Username, &e.GameID, &e.Action, &e.Detail, &e.IP); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
