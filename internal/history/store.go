// Package history keeps a local record of past diagnoses.
//
// Entries live in a single SQLite file (modernc.org/sqlite, no cgo) so the
// CLI and the server can share it without an external database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
)

// FileName is the database file created inside the history directory.
const FileName = "history.db"

// DefaultLimit caps Recent when the caller passes a non-positive limit.
const DefaultLimit = 20

// MaxLimit is the largest page Recent will return.
const MaxLimit = 500

// timeLayout has a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when no entry matches a lookup.
var ErrNotFound = errors.New("history entry not found")

// Store is the SQLite-backed diagnosis history.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Options configures Store behavior.
type Options struct {
	// CreateIfNotExists creates the directory and database file if missing.
	CreateIfNotExists bool

	// EnableWAL turns on write-ahead logging.
	EnableWAL bool
}

// DefaultOptions returns the options used by the server and CLI.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates the history database in dir.
func Open(dir string, opts Options) (*Store, error) {
	dbPath := filepath.Join(dir, FileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("history database not found at %s", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check history path: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS diagnoses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL UNIQUE,
		image_sha256 TEXT,
		source TEXT,
		name TEXT NOT NULL,
		class_index INTEGER NOT NULL,
		confidence REAL NOT NULL,
		known INTEGER NOT NULL,
		symptoms TEXT,
		treatment TEXT,
		top_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_diagnoses_created ON diagnoses(created_at);
	CREATE INDEX IF NOT EXISTS idx_diagnoses_sha ON diagnoses(image_sha256);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Entry is one stored diagnosis.
type Entry struct {
	ID          int64            `json:"id"`
	RequestID   string           `json:"request_id"`
	ImageSHA256 string           `json:"image_sha256,omitempty"`
	Source      string           `json:"source,omitempty"`
	Record      diagnosis.Record `json:"record"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Save inserts an entry and returns its row id. A zero CreatedAt is set to now.
func (s *Store) Save(ctx context.Context, e *Entry) (int64, error) {
	if e.RequestID == "" {
		return 0, errors.New("history entry has no request id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	topJSON, err := json.Marshal(e.Record.Top)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize ranking: %w", err)
	}

	query := `
	INSERT INTO diagnoses (request_id, image_sha256, source, name, class_index, confidence, known, symptoms, treatment, top_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		e.RequestID,
		e.ImageSHA256,
		e.Source,
		e.Record.Name,
		e.Record.ClassIndex,
		e.Record.Confidence,
		e.Record.Known,
		e.Record.Symptoms,
		e.Record.Treatment,
		string(topJSON),
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert history entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read history entry id: %w", err)
	}
	e.ID = id
	return id, nil
}

const selectColumns = `id, request_id, image_sha256, source, name, class_index, confidence, known, symptoms, treatment, top_json, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e         Entry
		sha, src  sql.NullString
		symptoms  sql.NullString
		treatment sql.NullString
		topJSON   sql.NullString
		createdAt string
	)
	if err := row.Scan(
		&e.ID,
		&e.RequestID,
		&sha,
		&src,
		&e.Record.Name,
		&e.Record.ClassIndex,
		&e.Record.Confidence,
		&e.Record.Known,
		&symptoms,
		&treatment,
		&topJSON,
		&createdAt,
	); err != nil {
		return nil, err
	}
	e.ImageSHA256 = sha.String
	e.Source = src.String
	e.Record.Symptoms = symptoms.String
	e.Record.Treatment = treatment.String
	e.CreatedAt = parseTimestamp(createdAt)

	if topJSON.Valid && topJSON.String != "" && topJSON.String != "null" {
		if err := json.Unmarshal([]byte(topJSON.String), &e.Record.Top); err != nil {
			return nil, fmt.Errorf("failed to parse ranking: %w", err)
		}
	}
	return &e, nil
}

// FindByRequestID returns the entry saved under requestID, or ErrNotFound.
func (s *Store) FindByRequestID(ctx context.Context, requestID string) (*Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM diagnoses WHERE request_id = ?`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history entry: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	query := `SELECT ` + selectColumns + ` FROM diagnoses ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM diagnoses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}

var timestampFormats = []string{
	timeLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999",
}

func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
