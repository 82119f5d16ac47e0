package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halverson/strand/internal/retrieval"
	"github.com/halverson/strand/internal/storage"
	"github.com/halverson/strand/internal/thread"
)

type mockChunkWriter struct {
	mu            sync.Mutex
	stored        map[string][]retrieval.ChunkInput // documentID -> chunks
	storeChunksFn func(ctx context.Context, projectID, documentID string, firstSeq int, inputs []retrieval.ChunkInput) ([]string, error)
}

func (m *mockChunkWriter) StoreChunks(ctx context.Context, projectID, documentID string, firstSeq int, inputs []retrieval.ChunkInput) ([]string, error) {
	if m.storeChunksFn != nil {
		return m.storeChunksFn(ctx, projectID, documentID, firstSeq, inputs)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stored == nil {
		m.stored = make(map[string][]retrieval.ChunkInput)
	}
	m.stored[documentID] = append(m.stored[documentID], inputs...)
	ids := make([]string, len(inputs))
	for i := range inputs {
		ids[i] = fmt.Sprintf("%s-chunk-%d", documentID, firstSeq+i)
	}
	return ids, nil
}

type mockEventRecorder struct {
	mu       sync.Mutex
	captured []thread.EventType
	lastData map[string]any
}

func (m *mockEventRecorder) GetOrCreateThread(projectID, userID string) (storage.Thread, error) {
	return storage.Thread{ID: "thread-" + projectID, ProjectID: projectID}, nil
}

func (m *mockEventRecorder) CaptureEvent(ctx context.Context, threadID, projectID, userID string, eventType thread.EventType, eventData, contextSnapshot map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captured = append(m.captured, eventType)
	m.lastData = eventData
	return "event-1", nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, docID, content string) {
	t.Helper()
	payload, _ := json.Marshal(DocumentPayload{
		DocumentID:  docID,
		ProjectID:   "proj-1",
		UserID:      "user-1",
		Filename:    docID + ".txt",
		ContentType: "text/plain",
		ContentB64:  base64.StdEncoding.EncodeToString([]byte(content)),
	})
	job := storage.Job{
		ID:          "job-" + docID,
		Type:        JobTypeDocument,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "doc-1", "Hello world")

	writer := &mockChunkWriter{}
	events := &mockEventRecorder{}
	w := NewWorker(store, writer, events, 0)

	ctx := context.Background()
	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	writer.mu.Lock()
	chunks := writer.stored["doc-1"]
	writer.mu.Unlock()
	if len(chunks) != 1 {
		t.Fatalf("stored %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != "Hello world" {
		t.Errorf("chunk text = %q, want %q", chunks[0].Text, "Hello world")
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.captured) != 1 || events.captured[0] != thread.EventDocumentUploaded {
		t.Fatalf("captured events = %v, want [%s]", events.captured, thread.EventDocumentUploaded)
	}
	if events.lastData["document_id"] != "doc-1" {
		t.Errorf("event document_id = %v, want %q", events.lastData["document_id"], "doc-1")
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-doc-1'`).Scan(&status); err != nil {
		t.Fatalf("query job status: %v", err)
	}
	if status != "completed" {
		t.Errorf("job status = %q, want completed", status)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "doc-r", "retry content")

	var calls atomic.Int32
	writer := &mockChunkWriter{
		storeChunksFn: func(_ context.Context, _, documentID string, firstSeq int, inputs []retrieval.ChunkInput) ([]string, error) {
			n := calls.Add(1)
			if n <= 2 {
				return nil, fmt.Errorf("transient error %d", n)
			}
			return []string{documentID + "-chunk-0"}, nil
		},
	}
	w := NewWorker(store, writer, &mockEventRecorder{}, 0)

	ctx := context.Background()

	// first attempt fails
	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce 1 returned false")
	}

	// Verify attempts=1, status=pending (retryable)
	var status1 string
	var attempts1 int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'job-doc-r'`).Scan(&status1, &attempts1); err != nil {
		t.Fatalf("query after 1st fail: %v", err)
	}
	if status1 != "pending" || attempts1 != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status1, attempts1)
	}

	// Reset backoff so job is claimable
	resetRunAfter(t, store, "job-doc-r")

	// second attempt fails
	didWork, err = w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce 2 returned false")
	}

	var attempts2 int
	if err := store.DB().QueryRow(`SELECT attempts FROM jobs WHERE id = 'job-doc-r'`).Scan(&attempts2); err != nil {
		t.Fatalf("query after 2nd fail: %v", err)
	}
	if attempts2 != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts2)
	}

	resetRunAfter(t, store, "job-doc-r")

	// third attempt succeeds
	didWork, err = w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce 3 returned false")
	}

	var status3 string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-doc-r'`).Scan(&status3); err != nil {
		t.Fatalf("query after 3rd attempt: %v", err)
	}
	if status3 != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status3)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "doc-m", "max retry content")

	writer := &mockChunkWriter{
		storeChunksFn: func(_ context.Context, _, _ string, _ int, _ []retrieval.ChunkInput) ([]string, error) {
			return nil, fmt.Errorf("permanent error")
		},
	}
	w := NewWorker(store, writer, &mockEventRecorder{}, 0)

	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, "job-doc-m")
		}
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-doc-m'`).Scan(&status); err != nil {
		t.Fatalf("query final status: %v", err)
	}
	if status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_EmptyDocumentFails(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "doc-e", "   \n\t  ")

	writer := &mockChunkWriter{}
	w := NewWorker(store, writer, &mockEventRecorder{}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}

	writer.mu.Lock()
	stored := len(writer.stored)
	writer.mu.Unlock()
	if stored != 0 {
		t.Errorf("stored chunks for empty document, want none")
	}

	var status string
	var lastError string
	if err := store.DB().QueryRow(`SELECT status, last_error FROM jobs WHERE id = 'job-doc-e'`).Scan(&status, &lastError); err != nil {
		t.Fatalf("query job: %v", err)
	}
	if status != "pending" {
		t.Errorf("status = %q, want pending (retryable)", status)
	}
	if lastError == "" {
		t.Error("last_error is empty after failure")
	}
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				docID := fmt.Sprintf("doc-%d-%d", g, j)
				payload, _ := json.Marshal(DocumentPayload{
					DocumentID:  docID,
					ProjectID:   "proj-1",
					UserID:      "user-1",
					Filename:    docID + ".txt",
					ContentType: "text/plain",
					ContentB64:  base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("content %d-%d", g, j))),
				})
				job := storage.Job{
					ID:          "job-" + docID,
					Type:        JobTypeDocument,
					PayloadJSON: string(payload),
				}
				if err := store.EnqueueJob(job); err != nil {
					t.Errorf("EnqueueJob %s: %v", docID, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	writer := &mockChunkWriter{}
	w := NewWorker(store, writer, &mockEventRecorder{}, 0)

	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if didWork {
			processed++
		}
	}

	if processed != total {
		t.Errorf("processed %d jobs, want %d", processed, total)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.stored) != total {
		t.Errorf("stored chunks for %d documents, want %d", len(writer.stored), total)
	}
	for g := 0; g < goroutines; g++ {
		for j := 0; j < jobsPerGoroutine; j++ {
			docID := fmt.Sprintf("doc-%d-%d", g, j)
			if len(writer.stored[docID]) == 0 {
				t.Errorf("doc %s has no stored chunks", docID)
			}
		}
	}
}
