package store

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/canvasd/pkg/document"
)

// SQLite persists snapshots as base64 content rows in a single documents
// table. Useful for deployments that want one file and transactional
// metadata updates instead of a directory tree.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if needed initializes) a sqlite-backed store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS documents (
    	id text not null primary key,
    	title text not null,
    	updated_at text not null,
    	node_count integer not null,
    	content text not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create initial tables: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Mode() string { return "sqlite" }

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Load(id string) (*document.Document, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var rawContent string
	if err := s.db.QueryRow(`SELECT content FROM documents WHERE id = ?`, id).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, &document.ValidationError{Reason: fmt.Sprintf("corrupt snapshot for %q: %v", id, err)}
	}
	doc, err := document.LoadBinary(raw)
	if err != nil {
		return nil, &document.ValidationError{Reason: fmt.Sprintf("corrupt snapshot for %q: %v", id, err)}
	}
	return doc, nil
}

func (s *SQLite) Save(id string, doc *document.Document) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	canvas, err := doc.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot document: %w", err)
	}
	state, err := doc.EncodeState()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO documents (id, title, updated_at, node_count, content) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at,
		 node_count = excluded.node_count, content = excluded.content`,
		id, canvas.Title, time.Now().UTC().Format(time.RFC3339Nano), canvas.NodeCount(), base64.StdEncoding.EncodeToString(state),
	); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

func (s *SQLite) Create(id, title string) (Summary, error) {
	if err := ValidateID(id); err != nil {
		return Summary{}, err
	}
	var existing int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM documents WHERE id = ?`, id).Scan(&existing); err != nil {
		return Summary{}, fmt.Errorf("failed to query: %w", err)
	}
	if existing > 0 {
		return Summary{}, fmt.Errorf("%q: %w", id, ErrExists)
	}
	doc, err := document.FromCanvas(document.NewCanvas(title))
	if err != nil {
		return Summary{}, err
	}
	if err := s.Save(id, doc); err != nil {
		return Summary{}, err
	}
	return Summary{ID: id, Title: title, UpdatedAt: time.Now().UTC()}, nil
}

func (s *SQLite) Delete(id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	res, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count rows affected by delete: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) List() ([]Summary, error) {
	rows, err := s.db.Query(`SELECT id, title, updated_at, node_count FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	out := make([]Summary, 0)
	for rows.Next() {
		var summary Summary
		var updatedAt string
		if err := rows.Scan(&summary.ID, &summary.Title, &updatedAt, &summary.NodeCount); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			summary.UpdatedAt = t
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}
