package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Message roles. The messages table enforces the same set with a CHECK
// constraint.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Document is a source file registered for retrieval. Documents are immutable
// once created; a new version of the same file gets a new document ID.
type Document struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Filename    string    `json:"filename"`
	Version     int       `json:"version"`
	ContentHash string    `json:"content_hash"`
	Public      bool      `json:"public"`
	CreatedAt   time.Time `json:"created_at"`
}

// Chunk is an atomic retrievable unit of document text. The chunk ID doubles
// as the vector index point ID, which is what makes recovery idempotent.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	ProjectID  string    `json:"project_id"`
	Seq        int       `json:"seq"`
	Text       string    `json:"text"`
	Page       int       `json:"page,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Thread is the per-project conversational state. There is exactly one thread
// per project, enforced by a UNIQUE constraint on project_id.
type Thread struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Goals        string    `json:"goals,omitempty"`
	CurrentFocus string    `json:"current_focus,omitempty"`
}

// Message is one conversation turn within a thread.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	ProjectID string    `json:"project_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a typed, immutable record of something that happened in a project.
// EventData and ContextSnapshot are opaque JSON payloads. SemanticSummary is
// derived text used only for embedding; retrieval always returns the event
// row itself, never the summary as content.
type Event struct {
	ID              string    `json:"id"`
	ThreadID        string    `json:"thread_id"`
	ProjectID       string    `json:"project_id"`
	UserID          string    `json:"user_id,omitempty"`
	EventType       string    `json:"event_type"`
	EventData       string    `json:"event_data"`
	ContextSnapshot string    `json:"context_snapshot"`
	SemanticSummary string    `json:"semantic_summary"`
	CreatedAt       time.Time `json:"created_at"`
}

// Job is a row in the background job queue.
type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"payload"`
	Status      string    `json:"status"` // "pending", "running", "completed", "failed"
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAfter    time.Time `json:"run_after"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
}
