package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the authoritative SQLite database. It is the single source of
// truth for all content: documents, chunks, threads, messages and events. The
// vector mirror is derived from it and never the other way around.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the content database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "strand.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection. Used by tests to inspect queue state.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Documents ---

func (s *Store) CreateDocument(d Document) error {
	version := d.Version
	if version == 0 {
		version = 1
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, project_id, filename, version, content_hash, public, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.Filename, version, d.ContentHash, boolToInt(d.Public),
		createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetDocument(id string) (Document, error) {
	var d Document
	var createdAt string
	var public int
	err := s.db.QueryRow(`
		SELECT id, project_id, filename, version, content_hash, public, created_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.ProjectID, &d.Filename, &d.Version, &d.ContentHash, &public, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	d.Public = public != 0
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	return d, nil
}

// FindDocumentByHash looks up a document version by its content hash within a
// project. Used to detect duplicate uploads before re-ingesting.
func (s *Store) FindDocumentByHash(projectID, contentHash string) (Document, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT id FROM documents WHERE project_id = ? AND content_hash = ?`,
		projectID, contentHash,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return s.GetDocument(id)
}

// NextDocumentVersion returns 1 + the highest version recorded for filename in
// the project, so re-uploading a changed file registers the next version.
func (s *Store) NextDocumentVersion(projectID, filename string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(version) FROM documents WHERE project_id = ? AND filename = ?`,
		projectID, filename,
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (s *Store) ListDocuments(projectID string, limit int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, filename, version, content_hash, public, created_at
		FROM documents WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var createdAt string
		var public int
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Filename, &d.Version, &d.ContentHash, &public, &createdAt); err != nil {
			return nil, err
		}
		d.Public = public != 0
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

func (s *Store) SetDocumentPublic(id string, public bool) error {
	res, err := s.db.Exec(`UPDATE documents SET public = ? WHERE id = ?`, boolToInt(public), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Chunks ---

// InsertChunks stores a batch of chunks in a single transaction. The batch
// either commits fully or not at all; mirroring happens afterwards and is not
// part of the transaction.
func (s *Store) InsertChunks(chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, document_id, project_id, seq, text, page, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(c.ID, c.DocumentID, c.ProjectID, c.Seq, c.Text, c.Page, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetChunk(id string) (Chunk, error) {
	var c Chunk
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, document_id, project_id, seq, text, page, created_at
		FROM chunks WHERE id = ?`, id,
	).Scan(&c.ID, &c.DocumentID, &c.ProjectID, &c.Seq, &c.Text, &c.Page, &createdAt)
	if err == sql.ErrNoRows {
		return Chunk{}, ErrNotFound
	}
	if err != nil {
		return Chunk{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Chunk{}, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}

// GetChunksByIDs fetches the authoritative text for a set of chunk IDs in one
// query. IDs with no matching row are silently absent from the result; the
// read-through retriever treats those as stale index points.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	queryArgs := make([]interface{}, len(ids))
	for i, id := range ids {
		queryArgs[i] = id
	}

	query := `SELECT id, document_id, project_id, seq, text, page, created_at
		FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ProjectID, &c.Seq, &c.Text, &c.Page, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for chunk %s: %w", c.ID, err)
		}
		c.CreatedAt = t
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks returns the number of authoritative chunk rows for a project.
// An empty projectID counts all chunks.
func (s *Store) CountChunks(projectID string) (int, error) {
	var n int
	var err error
	if projectID == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE project_id = ?`, projectID).Scan(&n)
	}
	return n, err
}

// ListChunks pages through a project's chunks in insertion order. The recovery
// engine uses this to rebuild the vector mirror without loading everything at
// once. An empty projectID pages through all chunks.
func (s *Store) ListChunks(ctx context.Context, projectID string, limit, offset int) ([]Chunk, error) {
	query := `
		SELECT id, document_id, project_id, seq, text, page, created_at
		FROM chunks ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	args := []any{limit, offset}
	if projectID != "" {
		query = `
		SELECT id, document_id, project_id, seq, text, page, created_at
		FROM chunks WHERE project_id = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
		args = []any{projectID, limit, offset}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ProjectID, &c.Seq, &c.Text, &c.Page, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for chunk %s: %w", c.ID, err)
		}
		c.CreatedAt = t
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Project membership ---

func (s *Store) AddProjectMember(projectID, userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO project_members (project_id, user_id) VALUES (?, ?)
		ON CONFLICT(project_id, user_id) DO NOTHING`,
		projectID, userID,
	)
	return err
}

// IsMember reports whether userID belongs to projectID.
func (s *Store) IsMember(projectID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM project_members WHERE project_id = ? AND user_id = ?`,
		projectID, userID,
	).Scan(&n)
	return n > 0, err
}

// IsPublic reports whether the document owning assetID is flagged public.
// assetID may be a document ID or a chunk ID; chunks inherit the flag from
// their document.
func (s *Store) IsPublic(assetID string) (bool, error) {
	var public int
	err := s.db.QueryRow(`SELECT public FROM documents WHERE id = ?`, assetID).Scan(&public)
	if err == nil {
		return public != 0, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}

	err = s.db.QueryRow(`
		SELECT d.public FROM documents d JOIN chunks c ON c.document_id = d.id WHERE c.id = ?`,
		assetID,
	).Scan(&public)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return public != 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
