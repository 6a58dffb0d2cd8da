package docstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB persists documents for the server as JSON rows keyed by path.
type DB struct {
	db *sql.DB
}

// OpenDB opens or creates the SQLite database at dbPath.
func OpenDB(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers; busy timeout so competing writers
	// queue instead of failing.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			path       TEXT PRIMARY KEY,
			body       TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &DB{db: db}, nil
}

// LoadAll reads every persisted document.
func (d *DB) LoadAll() (map[string]Value, error) {
	rows, err := d.db.Query(`SELECT path, body FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Value)
	for rows.Next() {
		var path, body string
		if err := rows.Scan(&path, &body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var v Value
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", path, err)
		}
		out[path] = v
	}
	return out, rows.Err()
}

// Put upserts one document.
func (d *DB) Put(path string, v Value) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", path, err)
	}
	_, err = d.db.Exec(`
		INSERT INTO documents (path, body) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP
	`, path, string(body))
	if err != nil {
		return fmt.Errorf("store document %s: %w", path, err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
