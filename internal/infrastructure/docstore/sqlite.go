package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/aquasync/aquasync-core/internal/infrastructure/config"
)

// Storage constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is the timeout for verifying database connectivity.
	connectionTimeout = 5 * time.Second

	// connMaxIdleTime is how long idle connections are kept open.
	connMaxIdleTime = 30 * time.Minute
)

// SQLite is a Store backed by a single SQLite table of JSON documents.
//
// Documents are keyed by (collection, id) and stored as serialized
// JSON, which keeps the adapter faithful to the four-operation
// document-store contract while remaining a single local file.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Read-modify-write
//     merges are serialized by an internal mutex (SQLite allows only
//     one writer anyway).
type SQLite struct {
	db   *sql.DB
	path string

	// writeMu serializes merge read-modify-write cycles.
	writeMu sync.Mutex
}

// Open creates a new document store with the specified configuration.
//
// It performs the following setup:
//  1. Creates the database directory if it doesn't exist
//  2. Opens the database file (creates if not present)
//  3. Configures WAL mode and busy timeout
//  4. Creates the documents table if absent
//  5. Verifies the connection with a ping
//
// Parameters:
//   - cfg: Docstore configuration from config.yaml
//
// Returns:
//   - *SQLite: Connected store
//   - error: If connection or schema setup fails
func Open(cfg config.DocstoreConfig) (*SQLite, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating docstore directory: %w", err)
	}

	// Build connection string with pragmas
	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening docstore: %w", err)
	}

	// SQLite works best with a single writer, but multiple readers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	s := &SQLite{
		db:   db,
		path: cfg.Path,
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying docstore connection: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}

	// Owner read/write only. File might not exist yet on first run.
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // Intentional: first run creates file later

	return s, nil
}

// ensureSchema creates the documents table if it does not exist.
// A single JSON-document table needs no versioned migration chain.
func (s *SQLite) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection  TEXT NOT NULL,
    id          TEXT NOT NULL,
    doc         TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating documents schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem path of the store.
func (s *SQLite) Path() string {
	return s.path
}

// HealthCheck verifies the store is reachable.
func (s *SQLite) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("docstore health check: %w", err)
	}
	return nil
}

// Get retrieves one document by collection and id.
func (s *SQLite) Get(ctx context.Context, collection, id string) (Doc, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s/%s: %w", collection, id, err)
	}

	return decode(collection, id, raw)
}

// Set writes a document, optionally deep-merging into the existing one.
func (s *SQLite) Set(ctx context.Context, collection, id string, doc Doc, mergeExisting bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	final := doc
	if mergeExisting {
		existing, err := s.Get(ctx, collection, id)
		switch {
		case errors.Is(err, ErrNotFound):
			// Nothing to merge into; behaves like a plain create.
		case err != nil:
			return err
		default:
			final = merge(existing, doc)
		}
	}

	return s.put(ctx, collection, id, final)
}

// Update deep-merges a patch into an existing document.
func (s *SQLite) Update(ctx context.Context, collection, id string, patch Doc) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}

	return s.put(ctx, collection, id, merge(existing, patch))
}

// Delete removes a document.
func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("deleting document %s/%s: %w", collection, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting document %s/%s: %w", collection, id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Query returns all documents in a collection matching the predicate.
//
// Predicates run in-process over decoded documents. Collections here
// are small (one document per provisioned device); a scan is the
// straightforward contract-faithful implementation.
func (s *SQLite) Query(ctx context.Context, collection string, match Predicate) ([]Doc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc FROM documents WHERE collection = ?`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var docs []Doc
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scanning document in %s: %w", collection, err)
		}
		doc, err := decode(collection, id, raw)
		if err != nil {
			return nil, err
		}
		if match == nil || match(doc) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating collection %s: %w", collection, err)
	}

	return docs, nil
}

// put serializes and upserts a document.
func (s *SQLite) put(ctx context.Context, collection, id string, doc Doc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrEncoding, collection, id, err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (collection, id, doc, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (collection, id) DO UPDATE SET
    doc = excluded.doc,
    updated_at = excluded.updated_at`,
		collection, id, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("writing document %s/%s: %w", collection, id, err)
	}
	return nil
}

// decode unmarshals a stored document. The row key is authoritative
// for identity and is injected as "id": documents created purely by
// merge patches never carry one in their body.
func decode(collection, id, raw string) (Doc, error) {
	var doc Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrEncoding, collection, id, err)
	}
	doc["id"] = id
	return doc, nil
}
