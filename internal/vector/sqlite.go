package vector

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time check that SQLiteIndex implements Index.
var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex is the default vector backend: brute-force cosine similarity
// over embeddings stored in a dedicated SQLite database. The mirror database
// is a separate file from the content store, so the two stores really can
// drift and be reconciled independently.
//
// Above ~100K points per collection, query latency becomes noticeable;
// configure the Qdrant backend instead at that scale.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the mirror database in dataDir. Pass
// ":memory:" as dataDir for an in-memory index (used by tests).
func OpenSQLite(dataDir string) (*SQLiteIndex, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mirror.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mirror database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mirror database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	return &SQLiteIndex{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func tableName(collection string) (string, error) {
	if !collectionNameRe.MatchString(collection) {
		return "", fmt.Errorf("invalid collection name %q", collection)
	}
	return "points_" + collection, nil
}

// EnsureCollection creates the backing table for a collection. The dimension
// is not enforced by SQLite; mismatched vectors surface as score 0.
func (s *SQLiteIndex) EnsureCollection(ctx context.Context, collection string, dim int) error {
	table, err := tableName(collection)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			project_id TEXT NOT NULL,
			parent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			embedding_model TEXT NOT NULL
		)`, table))
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", collection, err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_project ON %s (project_id)`, table, table))
	if err != nil {
		return fmt.Errorf("indexing collection %s: %w", collection, err)
	}
	return nil
}

// Upsert inserts or overwrites points by ID in a single transaction.
func (s *SQLiteIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	table, err := tableName(collection)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (id, embedding, project_id, parent_id, kind, created_at, embedding_model)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, table))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		createdAt := p.Payload.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		blob := encodeFloat32s(p.Vector)
		if _, err := stmt.Exec(p.ID, blob, p.Payload.ProjectID, p.Payload.ParentID, p.Payload.Kind,
			createdAt.Format(time.RFC3339), p.Payload.EmbeddingModel); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting point %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the ID and score during the scan phase of Search.
// Payloads are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity over the collection,
// returning the top-K hits above the threshold, best first.
func (s *SQLiteIndex) Search(ctx context.Context, collection string, query []float32, limit int, threshold float32, filter Filter) ([]Hit, error) {
	table, err := tableName(collection)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	where, args := filterClause(filter)

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, embedding FROM %s%s`, table, where), args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(query, buf, queryNorm)
		if score < threshold {
			continue
		}
		if h.Len() < limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch payloads only for the winners.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	points, err := s.GetByIDs(ctx, collection, topIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K payloads: %w", err)
	}

	payloads := make(map[string]Payload, len(points))
	for _, p := range points {
		payloads[p.ID] = p.Payload
	}

	hits := make([]Hit, 0, len(topIDs))
	for _, id := range topIDs {
		hits = append(hits, Hit{ID: id, Score: scores[id], Payload: payloads[id]})
	}
	return hits, nil
}

// GetByIDs returns stored points (without vectors) for the given IDs.
func (s *SQLiteIndex) GetByIDs(ctx context.Context, collection string, ids []string) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	table, err := tableName(collection)
	if err != nil {
		return nil, err
	}

	queryArgs := make([]interface{}, len(ids))
	for i, id := range ids {
		queryArgs[i] = id
	}

	query := fmt.Sprintf(`SELECT id, project_id, parent_id, kind, created_at, embedding_model
		FROM %s WHERE id IN (?%s)`, table, strings.Repeat(",?", len(ids)-1))

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying by IDs: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Payload.ProjectID, &p.Payload.ParentID, &p.Payload.Kind, &createdAt, &p.Payload.EmbeddingModel); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for point %s: %w", p.ID, err)
		}
		p.Payload.CreatedAt = t
		points = append(points, p)
	}
	return points, rows.Err()
}

// Count returns the number of points matching the filter. A missing
// collection table counts as zero, which is what the health monitor expects
// for a store that was never mirrored.
func (s *SQLiteIndex) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	table, err := tableName(collection)
	if err != nil {
		return 0, err
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}

	where, args := filterClause(filter)
	var n int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, table, where), args...).Scan(&n)
	return n, err
}

// DeleteByFilter removes all points matching the filter.
func (s *SQLiteIndex) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	table, err := tableName(collection)
	if err != nil {
		return err
	}
	where, args := filterClause(filter)
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s%s`, table, where), args...)
	return err
}

func filterClause(filter Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
// Used during the scan phase of Search to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
