package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/halverson/strand/internal/storage"
	"github.com/halverson/strand/internal/vector"
)

// ContentWriter is the slice of the relational store the coordinator writes
// through. The relational write always commits before any mirroring starts.
type ContentWriter interface {
	InsertChunks(chunks []storage.Chunk) error
	InsertMessage(m storage.Message) error
	InsertEvent(e storage.Event) error
}

// Writer is the dual-write coordinator. Every write lands in the relational
// store first; if that fails the operation fails. The mirror step runs after
// commit and its failure is logged but never surfaced as an operation error;
// the record is simply unmirrored until the recovery engine finds it.
type Writer struct {
	store    ContentWriter
	index    vector.Index
	embedder *Embedder

	// mirroring is a runtime toggle; disabling it leaves all new writes for
	// the recovery engine to backfill.
	mirroring atomic.Bool

	logger *slog.Logger
}

// NewWriter creates a Writer with mirroring enabled.
func NewWriter(store ContentWriter, index vector.Index, embedder *Embedder) *Writer {
	w := &Writer{
		store:    store,
		index:    index,
		embedder: embedder,
		logger:   slog.Default(),
	}
	w.mirroring.Store(true)
	return w
}

// SetMirroring toggles the mirror step at runtime.
func (w *Writer) SetMirroring(enabled bool) {
	w.mirroring.Store(enabled)
}

// MirroringEnabled reports whether new writes are being mirrored.
func (w *Writer) MirroringEnabled() bool {
	return w.mirroring.Load()
}

// ChunkInput is one chunk of document text to store.
type ChunkInput struct {
	Text string
	Page int
}

// StoreChunk stores a single chunk and mirrors it. Returns the new chunk ID,
// which is also the vector point ID.
func (w *Writer) StoreChunk(ctx context.Context, projectID, documentID string, seq int, text string, page int) (string, error) {
	ids, err := w.StoreChunks(ctx, projectID, documentID, seq, []ChunkInput{{Text: text, Page: page}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// StoreChunks stores a batch of chunks in one relational transaction, then
// batch-embeds and batch-upserts their mirror points. Sequence numbers are
// assigned from firstSeq upward. A mirror failure leaves the whole batch
// unmirrored but the relational write stands.
func (w *Writer) StoreChunks(ctx context.Context, projectID, documentID string, firstSeq int, inputs []ChunkInput) ([]string, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	chunks := make([]storage.Chunk, len(inputs))
	ids := make([]string, len(inputs))
	for i, in := range inputs {
		if in.Text == "" {
			return nil, fmt.Errorf("chunk %d: empty text", firstSeq+i)
		}
		id := uuid.NewString()
		ids[i] = id
		chunks[i] = storage.Chunk{
			ID:         id,
			DocumentID: documentID,
			ProjectID:  projectID,
			Seq:        firstSeq + i,
			Text:       in.Text,
			Page:       in.Page,
			CreatedAt:  now,
		}
	}

	if err := w.store.InsertChunks(chunks); err != nil {
		return nil, fmt.Errorf("storing chunks: %w", err)
	}

	if !w.mirroring.Load() {
		return ids, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		w.logger.Warn("mirror write failed, chunks left unmirrored",
			"project_id", projectID, "document_id", documentID, "count", len(chunks), "error", err)
		return ids, nil
	}

	points := make([]vector.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vector.Point{
			ID:     c.ID,
			Vector: vecs[i],
			Payload: vector.Payload{
				ProjectID:      projectID,
				ParentID:       documentID,
				Kind:           vector.KindChunk,
				CreatedAt:      now,
				EmbeddingModel: w.embedder.Model(),
			},
		}
	}
	if err := w.index.Upsert(ctx, vector.CollectionChunks, points); err != nil {
		w.logger.Warn("mirror write failed, chunks left unmirrored",
			"project_id", projectID, "document_id", documentID, "count", len(chunks), "error", err)
	}

	return ids, nil
}

// StoreMessage stores one conversation turn and mirrors it into the thread
// context collection.
func (w *Writer) StoreMessage(ctx context.Context, projectID, threadID, role, content string) (string, error) {
	if role != storage.RoleUser && role != storage.RoleAssistant {
		return "", fmt.Errorf("invalid role %q", role)
	}
	if content == "" {
		return "", fmt.Errorf("empty message content")
	}

	now := time.Now().UTC()
	m := storage.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		ProjectID: projectID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
	if err := w.store.InsertMessage(m); err != nil {
		return "", fmt.Errorf("storing message: %w", err)
	}

	w.mirrorOne(ctx, vector.CollectionContext, m.ID, content, vector.Payload{
		ProjectID:      projectID,
		ParentID:       threadID,
		Kind:           vector.KindMessage,
		CreatedAt:      now,
		EmbeddingModel: w.embedder.Model(),
	})
	return m.ID, nil
}

// StoreEvent stores a project event and mirrors its semantic summary. The
// summary is embedded but never stored index-side; search results resolve
// back to the relational event row.
func (w *Writer) StoreEvent(ctx context.Context, e storage.Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.SemanticSummary == "" {
		return "", fmt.Errorf("event %s: empty semantic summary", e.ID)
	}

	if err := w.store.InsertEvent(e); err != nil {
		return "", fmt.Errorf("storing event: %w", err)
	}

	w.mirrorOne(ctx, vector.CollectionContext, e.ID, e.SemanticSummary, vector.Payload{
		ProjectID:      e.ProjectID,
		ParentID:       e.ThreadID,
		Kind:           vector.KindEvent,
		CreatedAt:      e.CreatedAt,
		EmbeddingModel: w.embedder.Model(),
	})
	return e.ID, nil
}

// mirrorOne embeds one text and upserts its point. Failures are logged only.
func (w *Writer) mirrorOne(ctx context.Context, collection, id, text string, payload vector.Payload) {
	if !w.mirroring.Load() {
		return
	}

	vec, err := w.embedder.Embed(ctx, text)
	if err != nil {
		w.logger.Warn("mirror write failed, record left unmirrored",
			"collection", collection, "id", id, "error", err)
		return
	}

	point := vector.Point{ID: id, Vector: vec, Payload: payload}
	if err := w.index.Upsert(ctx, collection, []vector.Point{point}); err != nil {
		w.logger.Warn("mirror write failed, record left unmirrored",
			"collection", collection, "id", id, "error", err)
	}
}
