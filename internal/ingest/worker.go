// Package ingest turns uploaded documents into retrievable chunks. Uploads
// are queued as jobs so the API can acknowledge quickly; the worker extracts
// text, chunks it and writes each chunk through the dual-write path.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/halverson/strand/internal/retrieval"
	"github.com/halverson/strand/internal/storage"
	"github.com/halverson/strand/internal/thread"
)

// JobTypeDocument is the queue type this worker claims.
const JobTypeDocument = "document_ingest"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// ChunkWriter stores chunks relationally and mirrors them.
type ChunkWriter interface {
	StoreChunks(ctx context.Context, projectID, documentID string, firstSeq int, inputs []retrieval.ChunkInput) ([]string, error)
}

// EventRecorder captures the upload event on the project's thread.
type EventRecorder interface {
	GetOrCreateThread(projectID, userID string) (storage.Thread, error)
	CaptureEvent(ctx context.Context, threadID, projectID, userID string, eventType thread.EventType, eventData, contextSnapshot map[string]any) (string, error)
}

// Worker processes document_ingest jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	writer ChunkWriter
	events EventRecorder
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, writer ChunkWriter, events EventRecorder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		writer: writer,
		events: events,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single document_ingest job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// DocumentPayload is the queued job body for one upload.
type DocumentPayload struct {
	DocumentID  string `json:"document_id"`
	ProjectID   string `json:"project_id"`
	UserID      string `json:"user_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	ContentB64  string `json:"content_b64"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload DocumentPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(payload.ContentB64)
	if err != nil {
		return fmt.Errorf("decoding content: %w", err)
	}

	pages, err := Extract(payload.ContentType, data)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", payload.Filename, err)
	}

	inputs := ChunkPages(pages)
	if len(inputs) == 0 {
		return fmt.Errorf("document %s produced no text", payload.Filename)
	}

	chunkIDs, err := w.writer.StoreChunks(ctx, payload.ProjectID, payload.DocumentID, 0, inputs)
	if err != nil {
		return fmt.Errorf("storing chunks: %w", err)
	}

	w.recordUpload(ctx, payload, len(chunkIDs))
	return nil
}

// recordUpload captures the upload on the project thread. A failure here is
// logged only; the document is already ingested.
func (w *Worker) recordUpload(ctx context.Context, payload DocumentPayload, chunkCount int) {
	if w.events == nil {
		return
	}
	t, err := w.events.GetOrCreateThread(payload.ProjectID, payload.UserID)
	if err != nil {
		w.logger.Warn("loading thread for upload event failed", "project_id", payload.ProjectID, "error", err)
		return
	}
	_, err = w.events.CaptureEvent(ctx, t.ID, payload.ProjectID, payload.UserID,
		thread.EventDocumentUploaded,
		map[string]any{
			"filename":    payload.Filename,
			"document_id": payload.DocumentID,
			"chunk_count": chunkCount,
		}, nil)
	if err != nil {
		w.logger.Warn("capturing upload event failed", "document_id", payload.DocumentID, "error", err)
	}
}
