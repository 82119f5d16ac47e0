// Package vector is the mirror side of the dual-store design: a derived,
// rebuildable semantic index whose points carry only identifiers and
// metadata. The authoritative content lives exclusively in the relational
// store; a point ID always equals the relational primary key it was mirrored
// from, so re-upserting the same record is an idempotent overwrite.
package vector

import (
	"context"
	"time"
)

// Collection names, partitioned by semantic kind.
const (
	CollectionChunks  = "project_chunks"
	CollectionContext = "thread_context"
)

// Point kinds stored in payloads.
const (
	KindChunk   = "chunk"
	KindMessage = "message"
	KindEvent   = "event"
)

// Payload is the full set of fields a point may carry. It is a closed struct
// on purpose: there is no text or content field, so document text can never
// leak into the index through this package.
type Payload struct {
	ProjectID      string    `json:"project_id"`
	ParentID       string    `json:"parent_id"` // document ID for chunks, thread ID for messages/events
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	EmbeddingModel string    `json:"embedding_model"`
}

// Point is a vector index entry keyed by a relational primary key.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a similarity search result.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Filter restricts a search or count to matching payloads. Zero-value fields
// are ignored.
type Filter struct {
	ProjectID string
	Kind      string
}

// Index abstracts the vector engine. Implementations must make Upsert an
// overwrite keyed by point ID, which is what the recovery engine relies on.
type Index interface {
	// EnsureCollection creates the named collection for vectors of the given
	// dimension if it does not already exist. Idempotent.
	EnsureCollection(ctx context.Context, collection string, dim int) error

	// Upsert inserts or overwrites points by ID.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the nearest neighbours to the query vector with score >=
	// threshold, best first.
	Search(ctx context.Context, collection string, query []float32, limit int, threshold float32, filter Filter) ([]Hit, error)

	// GetByIDs returns the stored points (without vectors) for the given IDs.
	// Missing IDs are skipped, not errors.
	GetByIDs(ctx context.Context, collection string, ids []string) ([]Point, error)

	// Count returns the number of points matching the filter.
	Count(ctx context.Context, collection string, filter Filter) (int, error)

	// DeleteByFilter removes all points matching the filter. Used by the
	// project deletion cascade and by operational tooling.
	DeleteByFilter(ctx context.Context, collection string, filter Filter) error

	// Close releases resources.
	Close() error
}
