package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/halverson/strand/internal/storage"
	"github.com/halverson/strand/internal/vector"
)

// retrieverFixture wires a real relational store and a real SQLite vector
// index so the read-through path is exercised end to end.
type retrieverFixture struct {
	store *storage.Store
	index *vector.SQLiteIndex
	seqs  map[string]int
}

func newRetrieverFixture(t *testing.T) *retrieverFixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx, err := vector.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("vector.OpenSQLite: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	ctx := context.Background()
	if err := idx.EnsureCollection(ctx, vector.CollectionChunks, 4); err != nil {
		t.Fatalf("EnsureCollection chunks: %v", err)
	}
	if err := idx.EnsureCollection(ctx, vector.CollectionContext, 4); err != nil {
		t.Fatalf("EnsureCollection context: %v", err)
	}
	return &retrieverFixture{store: store, index: idx, seqs: map[string]int{}}
}

// addChunk stores a chunk relationally and mirrors it with the given vector.
// Sequence numbers count up per document to satisfy the chunk unique index.
func (f *retrieverFixture) addChunk(t *testing.T, id, docID, projectID, text string, vec []float32) {
	t.Helper()
	seq := f.seqs[docID]
	f.seqs[docID]++
	if err := f.store.InsertChunks([]storage.Chunk{{
		ID: id, DocumentID: docID, ProjectID: projectID, Seq: seq, Text: text,
	}}); err != nil {
		t.Fatalf("InsertChunks %s: %v", id, err)
	}
	if err := f.index.Upsert(context.Background(), vector.CollectionChunks, []vector.Point{{
		ID: id, Vector: vec,
		Payload: vector.Payload{ProjectID: projectID, ParentID: docID, Kind: vector.KindChunk, EmbeddingModel: "test-model"},
	}}); err != nil {
		t.Fatalf("Upsert %s: %v", id, err)
	}
}

func (f *retrieverFixture) addDocument(t *testing.T, id, projectID string) {
	t.Helper()
	if err := f.store.CreateDocument(storage.Document{ID: id, ProjectID: projectID, Filename: id + ".txt", ContentHash: "hash-" + id}); err != nil {
		t.Fatalf("CreateDocument %s: %v", id, err)
	}
}

func (f *retrieverFixture) retriever(queryVec []float32) *Retriever {
	embedder := tableEmbedder(map[string][]float32{"query": queryVec})
	return NewRetriever(embedder, f.index, f.store, f.store)
}

func TestRetrieveReturnsAuthoritativeContent(t *testing.T) {
	f := newRetrieverFixture(t)
	f.addDocument(t, "doc-1", "proj-1")
	f.addChunk(t, "c-1", "doc-1", "proj-1", "the retrieval engine design", []float32{1, 0, 0, 0})

	r := f.retriever([]float32{1, 0, 0, 0})
	results, err := r.Retrieve(context.Background(), "query", "proj-1", "alice", 5, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	got := results[0]
	if got.ID != "c-1" {
		t.Errorf("ID = %q, want %q", got.ID, "c-1")
	}
	if got.Content != "the retrieval engine design" {
		t.Errorf("Content = %q", got.Content)
	}
	if got.ProjectID != "proj-1" || got.ParentID != "doc-1" {
		t.Errorf("result = %+v", got)
	}
	if got.Score <= 0.99 {
		t.Errorf("Score = %v, want ~1", got.Score)
	}
}

func TestRetrieveSimilarityOrderAndLimit(t *testing.T) {
	f := newRetrieverFixture(t)
	f.addDocument(t, "doc-1", "proj-1")
	f.addChunk(t, "c-far", "doc-1", "proj-1", "far text", []float32{0, 1, 0, 0})
	f.addChunk(t, "c-near", "doc-1", "proj-1", "near text", []float32{1, 0, 0, 0})
	f.addChunk(t, "c-mid", "doc-1", "proj-1", "mid text", []float32{1, 1, 0, 0})

	r := f.retriever([]float32{1, 0, 0, 0})
	results, err := r.Retrieve(context.Background(), "query", "proj-1", "alice", 2, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (maxResults cap)", len(results))
	}
	if results[0].ID != "c-near" || results[1].ID != "c-mid" {
		t.Errorf("order = %q, %q; want c-near, c-mid", results[0].ID, results[1].ID)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores not descending: %v < %v", results[0].Score, results[1].Score)
	}
}

// TestRetrieveAccessFilter covers the three acceptance rules and the silent
// rejection of everything else.
func TestRetrieveAccessFilter(t *testing.T) {
	f := newRetrieverFixture(t)
	f.addDocument(t, "doc-own", "proj-1")
	f.addDocument(t, "doc-member", "proj-2")
	f.addDocument(t, "doc-public", "proj-3")
	f.addDocument(t, "doc-private", "proj-4")

	f.addChunk(t, "c-own", "doc-own", "proj-1", "own project text", []float32{1, 0, 0, 0})
	f.addChunk(t, "c-member", "doc-member", "proj-2", "member project text", []float32{1, 0.1, 0, 0})
	f.addChunk(t, "c-public", "doc-public", "proj-3", "public doc text", []float32{1, 0.2, 0, 0})
	f.addChunk(t, "c-private", "doc-private", "proj-4", "private text", []float32{1, 0.05, 0, 0})

	if err := f.store.AddProjectMember("proj-2", "alice"); err != nil {
		t.Fatalf("AddProjectMember: %v", err)
	}
	if err := f.store.SetDocumentPublic("doc-public", true); err != nil {
		t.Fatalf("SetDocumentPublic: %v", err)
	}

	r := f.retriever([]float32{1, 0, 0, 0})
	results, err := r.Retrieve(context.Background(), "query", "proj-1", "alice", 10, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	got := map[string]bool{}
	for _, res := range results {
		got[res.ID] = true
	}
	for _, want := range []string{"c-own", "c-member", "c-public"} {
		if !got[want] {
			t.Errorf("accessible chunk %s missing from results", want)
		}
	}
	if got["c-private"] {
		t.Error("inaccessible chunk c-private leaked into results")
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
}

// TestRetrieveOverFetchSurvivesRejections verifies that rejected candidates
// don't starve the result set when maxResults is small.
func TestRetrieveOverFetchSurvivesRejections(t *testing.T) {
	f := newRetrieverFixture(t)
	f.addDocument(t, "doc-private", "proj-other")
	f.addDocument(t, "doc-own", "proj-1")
	f.addChunk(t, "c-blocked", "doc-private", "proj-other", "blocked", []float32{1, 0, 0, 0})
	f.addChunk(t, "c-allowed", "doc-own", "proj-1", "allowed", []float32{1, 0.3, 0, 0})

	r := f.retriever([]float32{1, 0, 0, 0})
	results, err := r.Retrieve(context.Background(), "query", "proj-1", "bob", 1, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].ID != "c-allowed" {
		t.Errorf("result = %q, want c-allowed", results[0].ID)
	}
}

// TestRetrieveSkipsStaleIndexPoints upserts a point with no relational row and
// verifies it is dropped rather than returned without content.
func TestRetrieveSkipsStaleIndexPoints(t *testing.T) {
	f := newRetrieverFixture(t)
	f.addDocument(t, "doc-1", "proj-1")
	f.addChunk(t, "c-live", "doc-1", "proj-1", "live text", []float32{1, 0.1, 0, 0})

	if err := f.index.Upsert(context.Background(), vector.CollectionChunks, []vector.Point{{
		ID: "c-stale", Vector: []float32{1, 0, 0, 0},
		Payload: vector.Payload{ProjectID: "proj-1", ParentID: "doc-1", Kind: vector.KindChunk},
	}}); err != nil {
		t.Fatalf("Upsert stale point: %v", err)
	}

	r := f.retriever([]float32{1, 0, 0, 0})
	results, err := r.Retrieve(context.Background(), "query", "proj-1", "alice", 5, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].ID != "c-live" {
		t.Errorf("result = %q, want c-live", results[0].ID)
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	f := newRetrieverFixture(t)

	r := f.retriever([]float32{1, 0, 0, 0})
	results, err := r.Retrieve(context.Background(), "query", "proj-1", "alice", 5, 0)
	if err != nil {
		t.Fatalf("Retrieve on empty index: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}

	// maxResults <= 0 is a no-op, not an error.
	results, err = r.Retrieve(context.Background(), "query", "proj-1", "alice", 0, 0)
	if err != nil {
		t.Fatalf("Retrieve with maxResults 0: %v", err)
	}
	if results != nil {
		t.Errorf("got %v, want nil", results)
	}
}

func TestRetrieveEvents(t *testing.T) {
	f := newRetrieverFixture(t)
	ctx := context.Background()

	if err := f.store.CreateThread(storage.Thread{ID: "th-1", ProjectID: "proj-1", CreatedBy: "alice"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for i, vec := range [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}} {
		id := fmt.Sprintf("ev-%d", i)
		if err := f.store.InsertEvent(storage.Event{
			ID: id, ThreadID: "th-1", ProjectID: "proj-1", UserID: "alice",
			EventType: "class_created", SemanticSummary: fmt.Sprintf("class %d created", i),
		}); err != nil {
			t.Fatalf("InsertEvent %s: %v", id, err)
		}
		if err := f.index.Upsert(ctx, vector.CollectionContext, []vector.Point{{
			ID: id, Vector: vec,
			Payload: vector.Payload{ProjectID: "proj-1", ParentID: "th-1", Kind: vector.KindEvent},
		}}); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	// An event from another project must never surface.
	if err := f.index.Upsert(ctx, vector.CollectionContext, []vector.Point{{
		ID: "ev-other", Vector: []float32{1, 0, 0, 0},
		Payload: vector.Payload{ProjectID: "proj-2", ParentID: "th-2", Kind: vector.KindEvent},
	}}); err != nil {
		t.Fatalf("Upsert ev-other: %v", err)
	}

	r := f.retriever([]float32{1, 0, 0, 0})
	events, err := r.RetrieveEvents(ctx, "query", "proj-1", 5)
	if err != nil {
		t.Fatalf("RetrieveEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID != "ev-0" {
		t.Errorf("best event = %q, want ev-0", events[0].ID)
	}
	if events[0].SemanticSummary == "" {
		t.Error("event missing semantic summary from relational store")
	}
}
