package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"flux-lora-bridge/internal/models"
)

const createMappingTable = `
CREATE TABLE IF NOT EXISTS lora_mappings (
	source_hash TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	remote_id TEXT NOT NULL,
	uploaded_at TEXT NOT NULL
);
`

// SQLiteStore is the embedded relational backend; no server required.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open mapping db: %w", err)
	}

	if _, err := db.Exec(createMappingTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate mapping db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (map[string]models.MappingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_hash, source_url, remote_id, uploaded_at FROM lora_mappings`)
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	defer rows.Close()

	var records []models.LoRAMapping
	for rows.Next() {
		var r models.LoRAMapping
		var uploadedAt string
		if err := rows.Scan(&r.SourceHash, &r.SourceURL, &r.RemoteID, &uploadedAt); err != nil {
			return nil, fmt.Errorf("scan mapping row: %w", err)
		}
		r.UploadedAt, _ = time.Parse(time.RFC3339, uploadedAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	return rowsToMapping(records), nil
}

func (s *SQLiteStore) Merge(ctx context.Context, entries map[string]models.MappingEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mapping tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO lora_mappings (source_hash, source_url, remote_id, uploaded_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare mapping insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range mappingToRows(entries) {
		if _, err := stmt.ExecContext(ctx, r.SourceHash, r.SourceURL, r.RemoteID, r.UploadedAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("insert mapping: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
