// Package api exposes the HTTP and MCP surfaces. Handlers stay thin: request
// decoding and validation here, all semantics in the injected services.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/halverson/strand/internal/health"
	"github.com/halverson/strand/internal/ingest"
	"github.com/halverson/strand/internal/retrieval"
	"github.com/halverson/strand/internal/storage"
	"github.com/halverson/strand/internal/thread"
)

const maxUploadBodySize = 10 << 20 // 10MB

// Retriever abstracts the read-through query path for the API layer.
type Retriever interface {
	Retrieve(ctx context.Context, query, projectID, userID string, maxResults int, scoreThreshold float32) ([]retrieval.Result, error)
}

// HealthChecker produces drift reports on demand.
type HealthChecker interface {
	CheckHealth(ctx context.Context, projectID string) health.Report
}

// RecoveryRunner rebuilds the vector mirror for a scope.
type RecoveryRunner interface {
	Recover(ctx context.Context, projectID string) (health.RecoveryResult, error)
}

type AppDeps struct {
	Store     *storage.Store
	Threads   *thread.Manager
	Retriever Retriever
	Monitor   HealthChecker
	Recovery  RecoveryRunner
	Token     string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/documents", handleUploadDocument(deps))
	r.Get("/documents", handleListDocuments(deps))
	r.Patch("/documents/{id}", handlePatchDocument(deps))
	r.Post("/projects/{id}/members", handleAddMember(deps))

	r.Post("/retrieve", handleRetrieve(deps))

	r.Post("/threads", handleGetOrCreateThread(deps))
	r.Post("/threads/{id}/messages", handleRecordTurn(deps))
	r.Post("/threads/{id}/events", handleCaptureEvent(deps))
	r.Post("/threads/{id}/resolve", handleResolveReference(deps))
	r.Get("/events/search", handleSearchEvents(deps))

	r.Get("/sync/health", handleSyncHealth(deps))
	r.Post("/sync/recover", handleSyncRecover(deps))

	return r
}

type uploadRequest struct {
	ProjectID   string `json:"project_id"`
	UserID      string `json:"user_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"` // base64
}

// handleUploadDocument registers the document and queues extraction. Uploads
// with a content hash already registered for the project are acknowledged
// without re-queueing.
func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ProjectID == "" || req.Filename == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id, filename and content are required")
			return
		}

		raw, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
			return
		}
		if req.ContentType == "" {
			req.ContentType = "text/plain"
		}

		sum := sha256.Sum256(raw)
		contentHash := hex.EncodeToString(sum[:])

		if existing, err := deps.Store.FindDocumentByHash(req.ProjectID, contentHash); err == nil {
			writeJSON(w, map[string]string{"id": existing.ID, "status": "exists"})
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "checking content hash: %v", err)
			return
		}

		version, err := deps.Store.NextDocumentVersion(req.ProjectID, req.Filename)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "resolving document version: %v", err)
			return
		}

		doc := storage.Document{
			ID:          uuid.NewString(),
			ProjectID:   req.ProjectID,
			Filename:    req.Filename,
			Version:     version,
			ContentHash: contentHash,
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.CreateDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving document: %v", err)
			return
		}

		payload, err := json.Marshal(ingest.DocumentPayload{
			DocumentID:  doc.ID,
			ProjectID:   req.ProjectID,
			UserID:      req.UserID,
			Filename:    req.Filename,
			ContentType: req.ContentType,
			ContentB64:  req.Content,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating job payload: %v", err)
			return
		}
		job := storage.Job{
			ID:          uuid.NewString(),
			Type:        ingest.JobTypeDocument,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing job: %v", err)
			return
		}

		writeJSON(w, map[string]string{"id": doc.ID, "status": "queued"})
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("project_id")
		if projectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListDocuments(projectID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing documents: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, docs)
	}
}

func handlePatchDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req struct {
			Public *bool `json:"public"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Public == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "body must contain a public flag")
			return
		}

		err := deps.Store.SetDocumentPublic(id, *req.Public)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "updating document: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "updated"})
	}
}

func handleAddMember(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")

		var req struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		if err := deps.Store.AddProjectMember(projectID, req.UserID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "adding member: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "added"})
	}
}

type retrieveRequest struct {
	Query          string  `json:"query"`
	ProjectID      string  `json:"project_id"`
	UserID         string  `json:"user_id"`
	MaxResults     int     `json:"max_results"`
	ScoreThreshold float32 `json:"score_threshold"`
}

func handleRetrieve(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.MaxResults <= 0 {
			req.MaxResults = 5
		}
		if req.MaxResults > 50 {
			req.MaxResults = 50
		}

		results, err := deps.Retriever.Retrieve(r.Context(), req.Query, req.ProjectID, req.UserID, req.MaxResults, req.ScoreThreshold)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrieval failed: %v", err)
			return
		}
		if results == nil {
			results = []retrieval.Result{}
		}
		writeJSON(w, results)
	}
}

func handleGetOrCreateThread(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectID string `json:"project_id"`
			UserID    string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}

		t, err := deps.Threads.GetOrCreateThread(req.ProjectID, req.UserID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading thread: %v", err)
			return
		}
		writeJSON(w, t)
	}
}

func handleRecordTurn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "id")

		var req struct {
			ProjectID string `json:"project_id"`
			Role      string `json:"role"`
			Content   string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" || req.Role == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "role and content are required")
			return
		}

		id, err := deps.Threads.RecordTurn(r.Context(), threadID, req.ProjectID, req.Role, req.Content)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "recording turn: %v", err)
			return
		}
		writeJSON(w, map[string]string{"id": id})
	}
}

func handleCaptureEvent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "id")

		var req struct {
			ProjectID       string         `json:"project_id"`
			UserID          string         `json:"user_id"`
			EventType       string         `json:"event_type"`
			EventData       map[string]any `json:"event_data"`
			ContextSnapshot map[string]any `json:"context_snapshot"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		et := thread.EventType(req.EventType)
		if !et.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown event_type %q", req.EventType)
			return
		}

		id, err := deps.Threads.CaptureEvent(r.Context(), threadID, req.ProjectID, req.UserID, et, req.EventData, req.ContextSnapshot)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "capturing event: %v", err)
			return
		}
		writeJSON(w, map[string]string{"id": id})
	}
}

func handleResolveReference(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "id")

		var req struct {
			Utterance string `json:"utterance"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Utterance == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "utterance is required")
			return
		}

		t, err := deps.Store.GetThread(threadID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading thread: %v", err)
			return
		}

		ref, err := deps.Threads.ResolveReference(t, req.Utterance)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "resolving reference: %v", err)
			return
		}
		if ref == nil {
			writeJSON(w, map[string]any{"resolved": false})
			return
		}
		writeJSON(w, map[string]any{"resolved": true, "reference": ref})
	}
}

func handleSearchEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		projectID := r.URL.Query().Get("project_id")
		if query == "" || projectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q and project_id are required")
			return
		}
		limit := parseIntParam(r, "limit", 10, 50)

		events, err := deps.Threads.SearchEvents(r.Context(), query, projectID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "searching events: %v", err)
			return
		}
		if events == nil {
			events = []storage.Event{}
		}
		writeJSON(w, events)
	}
}

func handleSyncHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := deps.Monitor.CheckHealth(r.Context(), r.URL.Query().Get("project_id"))
		writeJSON(w, report)
	}
}

func handleSyncRecover(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectID string `json:"project_id"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		result, err := deps.Recovery.Recover(r.Context(), req.ProjectID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "recovery failed: %v", err)
			return
		}
		writeJSON(w, result)
	}
}
