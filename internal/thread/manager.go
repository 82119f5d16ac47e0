package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halverson/strand/internal/storage"
)

// Store is the relational surface the manager needs.
type Store interface {
	CreateThread(t storage.Thread) error
	GetThread(id string) (storage.Thread, error)
	GetThreadByProject(projectID string) (storage.Thread, error)
	TouchThread(id string, at time.Time) error
	UpdateThreadFocus(id, goals, currentFocus string) error
	ListRecentMessages(threadID string, limit int) ([]storage.Message, error)
	ListRecentEvents(threadID string, limit int) ([]storage.Event, error)
}

// ContextWriter mirrors messages and events through the dual-write path.
type ContextWriter interface {
	StoreMessage(ctx context.Context, projectID, threadID, role, content string) (string, error)
	StoreEvent(ctx context.Context, e storage.Event) (string, error)
}

// EventSearcher finds past events by semantic similarity.
type EventSearcher interface {
	RetrieveEvents(ctx context.Context, query, projectID string, limit int) ([]storage.Event, error)
}

// Manager owns the per-project thread lifecycle. The thread row holds no
// references to its events; the event log is queried by thread_id.
type Manager struct {
	store     Store
	writer    ContextWriter
	retriever EventSearcher
}

// NewManager creates a Manager.
func NewManager(store Store, writer ContextWriter, retriever EventSearcher) *Manager {
	return &Manager{store: store, writer: writer, retriever: retriever}
}

// GetOrCreateThread returns the project's thread, creating it on first use.
// Idempotent: a second call for the same project returns the existing thread.
// A concurrent create losing the unique-constraint race falls back to reading
// the winner's row.
func (m *Manager) GetOrCreateThread(projectID, userID string) (storage.Thread, error) {
	t, err := m.store.GetThreadByProject(projectID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Thread{}, fmt.Errorf("looking up thread: %w", err)
	}

	now := time.Now().UTC()
	t = storage.Thread{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		CreatedBy:    userID,
		CreatedAt:    now,
		LastActivity: now,
	}
	if createErr := m.store.CreateThread(t); createErr != nil {
		if existing, getErr := m.store.GetThreadByProject(projectID); getErr == nil {
			return existing, nil
		}
		return storage.Thread{}, fmt.Errorf("creating thread: %w", createErr)
	}
	return t, nil
}

// CaptureEvent appends a typed event to the thread log. The event is written
// to the relational store first and mirrored for semantic search; it also
// advances the thread's last_activity.
func (m *Manager) CaptureEvent(ctx context.Context, threadID, projectID, userID string, eventType EventType, eventData, contextSnapshot map[string]any) (string, error) {
	if !eventType.Valid() {
		return "", fmt.Errorf("unknown event type %q", eventType)
	}

	dataJSON, err := marshalOrEmpty(eventData)
	if err != nil {
		return "", fmt.Errorf("encoding event data: %w", err)
	}
	snapshotJSON, err := marshalOrEmpty(contextSnapshot)
	if err != nil {
		return "", fmt.Errorf("encoding context snapshot: %w", err)
	}

	now := time.Now().UTC()
	eventID, err := m.writer.StoreEvent(ctx, storage.Event{
		ThreadID:        threadID,
		ProjectID:       projectID,
		UserID:          userID,
		EventType:       string(eventType),
		EventData:       dataJSON,
		ContextSnapshot: snapshotJSON,
		SemanticSummary: Summarize(eventType, eventData),
		CreatedAt:       now,
	})
	if err != nil {
		return "", err
	}

	if err := m.store.TouchThread(threadID, now); err != nil {
		return "", fmt.Errorf("advancing thread activity: %w", err)
	}
	return eventID, nil
}

// RecordTurn appends one conversation message and advances last_activity.
func (m *Manager) RecordTurn(ctx context.Context, threadID, projectID, role, content string) (string, error) {
	messageID, err := m.writer.StoreMessage(ctx, projectID, threadID, role, content)
	if err != nil {
		return "", err
	}
	if err := m.store.TouchThread(threadID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("advancing thread activity: %w", err)
	}
	return messageID, nil
}

// SearchEvents finds past project events semantically similar to the query.
func (m *Manager) SearchEvents(ctx context.Context, query, projectID string, limit int) ([]storage.Event, error) {
	return m.retriever.RetrieveEvents(ctx, query, projectID, limit)
}

// UpdateFocus records the thread's goals and current focus, and captures a
// focus-change event so the shift is visible in the event log.
func (m *Manager) UpdateFocus(ctx context.Context, threadID, projectID, userID, goals, currentFocus string) error {
	if err := m.store.UpdateThreadFocus(threadID, goals, currentFocus); err != nil {
		return fmt.Errorf("updating thread focus: %w", err)
	}
	if currentFocus == "" {
		return nil
	}
	_, err := m.CaptureEvent(ctx, threadID, projectID, userID, EventFocusChanged,
		map[string]any{"focus": currentFocus}, nil)
	return err
}

func marshalOrEmpty(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
