package health

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/halverson/strand/internal/storage"
	"github.com/halverson/strand/internal/vector"
)

// mockEmbedder implements Embedder with a pluggable embed function.
type mockEmbedder struct {
	embedFn func(text string) ([]float32, error)
	batchFn func(texts []string) ([][]float32, error)
}

func (m *mockEmbedder) Model() string { return "test-model" }

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(text)
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.batchFn != nil {
		return m.batchFn(texts)
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.embedFn(t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func constEmbedder() *mockEmbedder {
	return &mockEmbedder{
		embedFn: func(text string) ([]float32, error) {
			return []float32{1, 0, 0}, nil
		},
	}
}

// seedRecoveryStore populates the relational store with nChunks chunks, one
// thread, nMessages messages and nEvents events for proj-1.
func seedRecoveryStore(t *testing.T, nChunks, nMessages, nEvents int) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateDocument(storage.Document{ID: "doc-1", ProjectID: "proj-1", Filename: "a.txt", ContentHash: "h1"}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	chunks := make([]storage.Chunk, nChunks)
	for i := range chunks {
		chunks[i] = storage.Chunk{
			ID: fmt.Sprintf("c-%03d", i), DocumentID: "doc-1", ProjectID: "proj-1",
			Seq: i, Text: fmt.Sprintf("chunk %d", i),
		}
	}
	if err := store.InsertChunks(chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	if err := store.CreateThread(storage.Thread{ID: "th-1", ProjectID: "proj-1", CreatedBy: "alice"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for i := 0; i < nMessages; i++ {
		if err := store.InsertMessage(storage.Message{
			ID: fmt.Sprintf("m-%03d", i), ThreadID: "th-1", ProjectID: "proj-1",
			Role: storage.RoleUser, Content: fmt.Sprintf("message %d", i),
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	for i := 0; i < nEvents; i++ {
		if err := store.InsertEvent(storage.Event{
			ID: fmt.Sprintf("e-%03d", i), ThreadID: "th-1", ProjectID: "proj-1", UserID: "alice",
			EventType: "conversation_turn", SemanticSummary: fmt.Sprintf("event %d", i),
		}); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}
	return store
}

func openRecoveryIndex(t *testing.T) *vector.SQLiteIndex {
	t.Helper()
	idx, err := vector.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("vector.OpenSQLite: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

// TestRecoverRebuildsEmptyIndex rebuilds a completely lost mirror and
// verifies counts and the reported final ratio.
func TestRecoverRebuildsEmptyIndex(t *testing.T) {
	store := seedRecoveryStore(t, 5, 3, 2)
	idx := openRecoveryIndex(t)
	r := NewRecoverer(store, idx, constEmbedder())

	result, err := r.Recover(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if result.RecoveredCount != 10 {
		t.Errorf("RecoveredCount = %d, want 10", result.RecoveredCount)
	}
	if result.FailedCount != 0 {
		t.Errorf("FailedCount = %d, want 0", result.FailedCount)
	}
	if result.FinalSyncRatio != 1.0 {
		t.Errorf("FinalSyncRatio = %v, want 1.0", result.FinalSyncRatio)
	}

	ctx := context.Background()
	n, err := idx.Count(ctx, vector.CollectionChunks, vector.Filter{ProjectID: "proj-1", Kind: vector.KindChunk})
	if err != nil {
		t.Fatalf("Count chunks: %v", err)
	}
	if n != 5 {
		t.Errorf("chunk points = %d, want 5", n)
	}
	n, err = idx.Count(ctx, vector.CollectionContext, vector.Filter{ProjectID: "proj-1", Kind: vector.KindMessage})
	if err != nil {
		t.Fatalf("Count messages: %v", err)
	}
	if n != 3 {
		t.Errorf("message points = %d, want 3", n)
	}
}

// TestRecoverIdempotent runs two passes and verifies the second converges to
// the same index instead of duplicating points.
func TestRecoverIdempotent(t *testing.T) {
	store := seedRecoveryStore(t, 4, 0, 0)
	idx := openRecoveryIndex(t)
	r := NewRecoverer(store, idx, constEmbedder())

	ctx := context.Background()
	if _, err := r.Recover(ctx, "proj-1"); err != nil {
		t.Fatalf("first Recover: %v", err)
	}
	result, err := r.Recover(ctx, "proj-1")
	if err != nil {
		t.Fatalf("second Recover: %v", err)
	}

	if result.RecoveredCount != 4 {
		t.Errorf("second pass RecoveredCount = %d, want 4", result.RecoveredCount)
	}
	if result.FinalSyncRatio != 1.0 {
		t.Errorf("FinalSyncRatio = %v, want 1.0", result.FinalSyncRatio)
	}

	n, err := idx.Count(ctx, vector.CollectionChunks, vector.Filter{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Errorf("points after two passes = %d, want 4 (no duplicates)", n)
	}
}

// TestRecoverPartialMirror verifies recovery also backfills a partially
// drifted index, overwriting existing points in place.
func TestRecoverPartialMirror(t *testing.T) {
	store := seedRecoveryStore(t, 6, 0, 0)
	idx := openRecoveryIndex(t)
	ctx := context.Background()

	// Pre-mirror two of the six chunks.
	if err := idx.EnsureCollection(ctx, vector.CollectionChunks, 3); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if err := idx.Upsert(ctx, vector.CollectionChunks, []vector.Point{
		{ID: "c-000", Vector: []float32{0, 1, 0}, Payload: vector.Payload{ProjectID: "proj-1", Kind: vector.KindChunk}},
		{ID: "c-001", Vector: []float32{0, 1, 0}, Payload: vector.Payload{ProjectID: "proj-1", Kind: vector.KindChunk}},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r := NewRecoverer(store, idx, constEmbedder())
	result, err := r.Recover(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.FinalSyncRatio != 1.0 {
		t.Errorf("FinalSyncRatio = %v, want 1.0", result.FinalSyncRatio)
	}

	n, err := idx.Count(ctx, vector.CollectionChunks, vector.Filter{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 6 {
		t.Errorf("points = %d, want 6", n)
	}
}

// TestRecoverCountsPerRecordFailures verifies one bad record is skipped and
// counted without aborting the pass.
func TestRecoverCountsPerRecordFailures(t *testing.T) {
	store := seedRecoveryStore(t, 3, 0, 0)
	idx := openRecoveryIndex(t)
	emb := &mockEmbedder{
		embedFn: func(text string) ([]float32, error) {
			if strings.Contains(text, "chunk 1") {
				return nil, fmt.Errorf("poison record")
			}
			return []float32{1, 0, 0}, nil
		},
	}
	r := NewRecoverer(store, idx, emb)

	result, err := r.Recover(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.RecoveredCount != 2 {
		t.Errorf("RecoveredCount = %d, want 2", result.RecoveredCount)
	}
	if result.FailedCount != 1 {
		t.Errorf("FailedCount = %d, want 1", result.FailedCount)
	}
}

// TestRecoverSkipsEventsWithoutSummary: events with nothing to embed were
// never mirrored and stay that way.
func TestRecoverSkipsEventsWithoutSummary(t *testing.T) {
	store := seedRecoveryStore(t, 0, 0, 2)
	if err := store.InsertEvent(storage.Event{
		ID: "e-empty", ThreadID: "th-1", ProjectID: "proj-1", UserID: "alice",
		EventType: "focus_changed", SemanticSummary: "",
	}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	idx := openRecoveryIndex(t)
	r := NewRecoverer(store, idx, constEmbedder())

	result, err := r.Recover(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.RecoveredCount != 2 {
		t.Errorf("RecoveredCount = %d, want 2 (summary-less event skipped)", result.RecoveredCount)
	}

	n, err := idx.Count(context.Background(), vector.CollectionContext, vector.Filter{Kind: vector.KindEvent})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("event points = %d, want 2", n)
	}
}

// TestRecoverPagination drops the page size below the record count so the
// loop takes multiple pages.
func TestRecoverPagination(t *testing.T) {
	store := seedRecoveryStore(t, 7, 0, 0)
	idx := openRecoveryIndex(t)
	r := NewRecoverer(store, idx, constEmbedder())
	r.pageSize = 3

	result, err := r.Recover(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.RecoveredCount != 7 {
		t.Errorf("RecoveredCount = %d, want 7", result.RecoveredCount)
	}
	if result.FinalSyncRatio != 1.0 {
		t.Errorf("FinalSyncRatio = %v, want 1.0", result.FinalSyncRatio)
	}
}

// TestRecoverBatchFailureFallsBackPerRecord: a failing batch embed retries
// record by record instead of failing the page.
func TestRecoverBatchFailureFallsBackPerRecord(t *testing.T) {
	store := seedRecoveryStore(t, 3, 0, 0)
	idx := openRecoveryIndex(t)
	emb := &mockEmbedder{
		embedFn: func(text string) ([]float32, error) {
			return []float32{1, 0, 0}, nil
		},
		batchFn: func(texts []string) ([][]float32, error) {
			return nil, fmt.Errorf("batch endpoint down")
		},
	}
	r := NewRecoverer(store, idx, emb)

	result, err := r.Recover(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.RecoveredCount != 3 {
		t.Errorf("RecoveredCount = %d, want 3", result.RecoveredCount)
	}
	if result.FailedCount != 0 {
		t.Errorf("FailedCount = %d, want 0", result.FailedCount)
	}
}

// TestRecoverGlobalScope rebuilds with no project filter and verifies records
// from every project land in the index.
func TestRecoverGlobalScope(t *testing.T) {
	store := seedRecoveryStore(t, 3, 2, 1)
	if err := store.CreateDocument(storage.Document{ID: "doc-2", ProjectID: "proj-2", Filename: "b.txt", ContentHash: "h2"}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := store.InsertChunks([]storage.Chunk{
		{ID: "c2-000", DocumentID: "doc-2", ProjectID: "proj-2", Seq: 0, Text: "other project chunk"},
		{ID: "c2-001", DocumentID: "doc-2", ProjectID: "proj-2", Seq: 1, Text: "another one"},
	}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	idx := openRecoveryIndex(t)
	r := NewRecoverer(store, idx, constEmbedder())

	result, err := r.Recover(context.Background(), "")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// 5 chunks + 2 messages + 1 event across both projects.
	if result.RecoveredCount != 8 {
		t.Errorf("RecoveredCount = %d, want 8", result.RecoveredCount)
	}
	if result.FinalSyncRatio != 1.0 {
		t.Errorf("FinalSyncRatio = %v, want 1.0", result.FinalSyncRatio)
	}

	ctx := context.Background()
	for project, want := range map[string]int{"proj-1": 3, "proj-2": 2} {
		n, err := idx.Count(ctx, vector.CollectionChunks, vector.Filter{ProjectID: project, Kind: vector.KindChunk})
		if err != nil {
			t.Fatalf("Count %s: %v", project, err)
		}
		if n != want {
			t.Errorf("chunk points for %s = %d, want %d", project, n, want)
		}
	}
}

func TestRecoverEmptyScope(t *testing.T) {
	store := seedRecoveryStore(t, 0, 0, 0)
	idx := openRecoveryIndex(t)
	r := NewRecoverer(store, idx, constEmbedder())

	result, err := r.Recover(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.RecoveredCount != 0 || result.FailedCount != 0 {
		t.Errorf("result = %+v, want zero counts", result)
	}
	if result.FinalSyncRatio != 1.0 {
		t.Errorf("FinalSyncRatio = %v, want 1.0 for empty scope", result.FinalSyncRatio)
	}
}
