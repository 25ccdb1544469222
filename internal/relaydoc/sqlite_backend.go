package relaydoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/agentworkforce/relaydoc/internal/document"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	document_id TEXT PRIMARY KEY,
	version     INTEGER NOT NULL,
	snapshot    TEXT NOT NULL,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS oplog (
	document_id TEXT NOT NULL,
	version     INTEGER NOT NULL,
	operation   TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (document_id, version)
);`

// SQLitePersistence stores snapshots and changelogs in a single SQLite file.
type SQLitePersistence struct {
	db   *sql.DB
	path string
}

func NewSQLitePersistence(path string) (*SQLitePersistence, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	// WAL mode so readers do not block the sink workers.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLitePersistence{db: db, path: path}, nil
}

func (b *SQLitePersistence) Path() string {
	return b.path
}

func (b *SQLitePersistence) LoadSnapshot(documentID string) (*DocumentSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var payload string
	err := b.db.QueryRowContext(ctx, "SELECT snapshot FROM snapshots WHERE document_id = ?", documentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot DocumentSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *SQLitePersistence) SaveSnapshot(snapshot *DocumentSnapshot) error {
	if snapshot == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, version, snapshot, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (document_id)
		DO UPDATE SET version = excluded.version, snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP
		WHERE snapshots.version <= excluded.version`,
		snapshot.ID, int64(snapshot.Version), string(payload))
	return err
}

func (b *SQLitePersistence) AppendToLog(documentID string, record document.Record) error {
	payload, err := json.Marshal(record.Operation)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err = b.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO oplog (document_id, version, operation) VALUES (?, ?, ?)",
		documentID, int64(record.Version), string(payload))
	return err
}

func (b *SQLitePersistence) LoadLog(documentID string, since uint64) ([]document.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	rows, err := b.db.QueryContext(ctx,
		"SELECT version, operation FROM oplog WHERE document_id = ? AND version > ? ORDER BY version ASC",
		documentID, int64(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]document.Record, 0)
	for rows.Next() {
		var version int64
		var payload string
		if err := rows.Scan(&version, &payload); err != nil {
			return nil, err
		}
		var op document.Operation
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			return nil, err
		}
		records = append(records, document.Record{Version: uint64(version), Operation: op})
	}
	return records, rows.Err()
}

func (b *SQLitePersistence) ListDocuments() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	rows, err := b.db.QueryContext(ctx,
		"SELECT document_id FROM snapshots UNION SELECT DISTINCT document_id FROM oplog ORDER BY 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *SQLitePersistence) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
