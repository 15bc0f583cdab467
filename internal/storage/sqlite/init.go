package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout keeps a fixed width so that text ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS premiums (
		id INTEGER PRIMARY KEY,
		account_id TEXT NOT NULL UNIQUE REFERENCES accounts(id),
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		provider_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		num_simultaneous_downloads INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		link TEXT NOT NULL,
		real_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'SUBMITTED',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS downloads_account_status_created
		ON downloads (account_id, status, created_at, id)`,
}

// InitDB opens the SQLite database at path and creates the schema if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return db, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
