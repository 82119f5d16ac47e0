package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/halverson/strand/internal/storage"
	"github.com/halverson/strand/internal/vector"
)

// defaultPageSize bounds memory while paging through the authoritative store.
const defaultPageSize = 100

// RecordLoader pages through authoritative records. An empty projectID loads
// everything.
type RecordLoader interface {
	RecordCounter
	ListChunks(ctx context.Context, projectID string, limit, offset int) ([]storage.Chunk, error)
	ListMessages(ctx context.Context, projectID string, limit, offset int) ([]storage.Message, error)
	ListEvents(ctx context.Context, projectID string, limit, offset int) ([]storage.Event, error)
}

// Embedder turns text back into vectors during a rebuild.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// RecoveryResult summarizes one rebuild pass.
type RecoveryResult struct {
	ProjectID      string        `json:"project_id,omitempty"`
	RecoveredCount int           `json:"recovered_count"`
	FailedCount    int           `json:"failed_count"`
	FinalSyncRatio float64       `json:"final_sync_ratio"`
	Duration       time.Duration `json:"duration_ns"`
}

// Recoverer rebuilds the vector mirror from the relational store. It reads
// only authoritative rows; the current index contents are never an input, so
// a corrupt or empty index recovers to the same state as a healthy one.
type Recoverer struct {
	store    RecordLoader
	index    vector.Index
	embedder Embedder
	pageSize int
	logger   *slog.Logger
}

// NewRecoverer creates a Recoverer with the default page size.
func NewRecoverer(store RecordLoader, index vector.Index, embedder Embedder) *Recoverer {
	return &Recoverer{
		store:    store,
		index:    index,
		embedder: embedder,
		pageSize: defaultPageSize,
		logger:   slog.Default(),
	}
}

// Recover re-embeds every chunk, message and event in scope and upserts the
// points under their stable record IDs. Upserting by primary key makes the
// pass idempotent: running it twice converges to the same index. Individual
// record failures are counted and skipped, they never abort the pass.
func (r *Recoverer) Recover(ctx context.Context, projectID string) (RecoveryResult, error) {
	start := time.Now()
	result := RecoveryResult{ProjectID: projectID}

	r.logger.Info("recovery started", "project_id", projectID)

	if err := r.recoverChunks(ctx, projectID, &result); err != nil {
		return result, err
	}
	if err := r.recoverMessages(ctx, projectID, &result); err != nil {
		return result, err
	}
	if err := r.recoverEvents(ctx, projectID, &result); err != nil {
		return result, err
	}

	ratio, err := r.finalRatio(ctx, projectID)
	if err != nil {
		return result, fmt.Errorf("verifying recovery: %w", err)
	}
	result.FinalSyncRatio = ratio
	result.Duration = time.Since(start)

	r.logger.Info("recovery finished",
		"project_id", projectID,
		"recovered", result.RecoveredCount,
		"failed", result.FailedCount,
		"sync_ratio", result.FinalSyncRatio,
		"duration", result.Duration)
	return result, nil
}

func (r *Recoverer) recoverChunks(ctx context.Context, projectID string, result *RecoveryResult) error {
	for offset := 0; ; offset += r.pageSize {
		chunks, err := r.store.ListChunks(ctx, projectID, r.pageSize, offset)
		if err != nil {
			return fmt.Errorf("listing chunks at offset %d: %w", offset, err)
		}
		if len(chunks) == 0 {
			return nil
		}

		points := make([]vector.Point, len(chunks))
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
			points[i] = vector.Point{
				ID: c.ID,
				Payload: vector.Payload{
					ProjectID:      c.ProjectID,
					ParentID:       c.DocumentID,
					Kind:           vector.KindChunk,
					CreatedAt:      c.CreatedAt,
					EmbeddingModel: r.embedder.Model(),
				},
			}
		}
		r.upsertPage(ctx, vector.CollectionChunks, points, texts, result)
	}
}

func (r *Recoverer) recoverMessages(ctx context.Context, projectID string, result *RecoveryResult) error {
	for offset := 0; ; offset += r.pageSize {
		messages, err := r.store.ListMessages(ctx, projectID, r.pageSize, offset)
		if err != nil {
			return fmt.Errorf("listing messages at offset %d: %w", offset, err)
		}
		if len(messages) == 0 {
			return nil
		}

		points := make([]vector.Point, len(messages))
		texts := make([]string, len(messages))
		for i, m := range messages {
			texts[i] = m.Content
			points[i] = vector.Point{
				ID: m.ID,
				Payload: vector.Payload{
					ProjectID:      m.ProjectID,
					ParentID:       m.ThreadID,
					Kind:           vector.KindMessage,
					CreatedAt:      m.CreatedAt,
					EmbeddingModel: r.embedder.Model(),
				},
			}
		}
		r.upsertPage(ctx, vector.CollectionContext, points, texts, result)
	}
}

func (r *Recoverer) recoverEvents(ctx context.Context, projectID string, result *RecoveryResult) error {
	for offset := 0; ; offset += r.pageSize {
		events, err := r.store.ListEvents(ctx, projectID, r.pageSize, offset)
		if err != nil {
			return fmt.Errorf("listing events at offset %d: %w", offset, err)
		}
		if len(events) == 0 {
			return nil
		}

		points := make([]vector.Point, 0, len(events))
		texts := make([]string, 0, len(events))
		for _, e := range events {
			if e.SemanticSummary == "" {
				// Nothing to embed; such events were never mirrored.
				continue
			}
			texts = append(texts, e.SemanticSummary)
			points = append(points, vector.Point{
				ID: e.ID,
				Payload: vector.Payload{
					ProjectID:      e.ProjectID,
					ParentID:       e.ThreadID,
					Kind:           vector.KindEvent,
					CreatedAt:      e.CreatedAt,
					EmbeddingModel: r.embedder.Model(),
				},
			})
		}
		if len(points) > 0 {
			r.upsertPage(ctx, vector.CollectionContext, points, texts, result)
		}
	}
}

// upsertPage embeds one page and writes it to the index. A failed batch embed
// falls back to per-record embedding so one bad record cannot sink the page.
func (r *Recoverer) upsertPage(ctx context.Context, collection string, points []vector.Point, texts []string, result *RecoveryResult) {
	vecs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		r.logger.Warn("batch embed failed, retrying records individually", "collection", collection, "error", err)
		vecs = make([][]float32, len(texts))
		for i, text := range texts {
			v, embErr := r.embedder.Embed(ctx, text)
			if embErr != nil {
				r.logger.Warn("re-embedding record failed", "collection", collection, "id", points[i].ID, "error", embErr)
				continue
			}
			vecs[i] = v
		}
	}

	good := make([]vector.Point, 0, len(points))
	for i := range points {
		if len(vecs[i]) == 0 {
			result.FailedCount++
			continue
		}
		points[i].Vector = vecs[i]
		good = append(good, points[i])
	}
	if len(good) == 0 {
		return
	}

	if err := r.index.EnsureCollection(ctx, collection, len(good[0].Vector)); err != nil {
		r.logger.Warn("ensuring collection failed", "collection", collection, "error", err)
		result.FailedCount += len(good)
		return
	}
	if err := r.index.Upsert(ctx, collection, good); err != nil {
		r.logger.Warn("upserting recovered points failed", "collection", collection, "count", len(good), "error", err)
		result.FailedCount += len(good)
		return
	}
	result.RecoveredCount += len(good)
}

// finalRatio re-counts both stores across all tracked collections after the
// pass so the caller gets a verified post-recovery state.
func (r *Recoverer) finalRatio(ctx context.Context, projectID string) (float64, error) {
	var sqlTotal, vecTotal int
	for _, t := range tracked {
		sqlCount, err := countFor(r.store, t.name, projectID)
		if err != nil {
			return 0, err
		}
		vecCount, err := r.index.Count(ctx, t.collection, vector.Filter{ProjectID: projectID, Kind: t.kind})
		if err != nil {
			return 0, err
		}
		sqlTotal += sqlCount
		vecTotal += vecCount
	}
	if sqlTotal == 0 {
		return 1.0, nil
	}
	return float64(vecTotal) / float64(sqlTotal), nil
}

func countFor(c RecordCounter, name, projectID string) (int, error) {
	switch name {
	case "chunks":
		return c.CountChunks(projectID)
	case "messages":
		return c.CountMessages(projectID)
	case "events":
		return c.CountEvents(projectID)
	}
	return 0, fmt.Errorf("unknown collection %q", name)
}
