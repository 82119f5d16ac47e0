package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// --- Threads ---

// CreateThread inserts a new thread. Returns an error if the project already
// has one; callers that want get-or-create semantics should use
// GetThreadByProject first and fall back to the existing row on conflict.
func (s *Store) CreateThread(t Thread) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	lastActivity := t.LastActivity
	if lastActivity.IsZero() {
		lastActivity = createdAt
	}
	_, err := s.db.Exec(`
		INSERT INTO threads (id, project_id, created_by, created_at, last_activity, goals, current_focus)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.CreatedBy,
		createdAt.Format(time.RFC3339), lastActivity.Format(time.RFC3339),
		t.Goals, t.CurrentFocus,
	)
	return err
}

func (s *Store) GetThread(id string) (Thread, error) {
	return s.scanThread(s.db.QueryRow(`
		SELECT id, project_id, created_by, created_at, last_activity, goals, current_focus
		FROM threads WHERE id = ?`, id))
}

// GetThreadByProject returns the project's single thread.
func (s *Store) GetThreadByProject(projectID string) (Thread, error) {
	return s.scanThread(s.db.QueryRow(`
		SELECT id, project_id, created_by, created_at, last_activity, goals, current_focus
		FROM threads WHERE project_id = ?`, projectID))
}

func (s *Store) scanThread(row *sql.Row) (Thread, error) {
	var t Thread
	var createdAt, lastActivity string
	err := row.Scan(&t.ID, &t.ProjectID, &t.CreatedBy, &createdAt, &lastActivity, &t.Goals, &t.CurrentFocus)
	if err == sql.ErrNoRows {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Thread{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.LastActivity, err = time.Parse(time.RFC3339, lastActivity); err != nil {
		return Thread{}, fmt.Errorf("parsing last_activity: %w", err)
	}
	return t, nil
}

// TouchThread advances last_activity. The timestamp only moves forward;
// a stale touch is a no-op.
func (s *Store) TouchThread(id string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE threads SET last_activity = ? WHERE id = ? AND last_activity <= ?`,
		at.UTC().Format(time.RFC3339), id, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

// UpdateThreadFocus sets the thread's goals and current focus.
func (s *Store) UpdateThreadFocus(id, goals, currentFocus string) error {
	res, err := s.db.Exec(`UPDATE threads SET goals = ?, current_focus = ? WHERE id = ?`,
		goals, currentFocus, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

func (s *Store) InsertMessage(m Message) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, thread_id, project_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.ProjectID, m.Role, m.Content, createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetMessage(id string) (Message, error) {
	var m Message
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, thread_id, project_id, role, content, created_at
		FROM messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.ThreadID, &m.ProjectID, &m.Role, &m.Content, &createdAt)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("parsing created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}

// ListRecentMessages returns the newest messages in a thread, most recent
// first. The reference resolver scans these for lexical matches.
func (s *Store) ListRecentMessages(threadID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, project_id, role, content, created_at
		FROM messages WHERE thread_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.ProjectID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// CountMessages returns the number of message rows for a project. An empty
// projectID counts all messages.
func (s *Store) CountMessages(projectID string) (int, error) {
	var n int
	var err error
	if projectID == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE project_id = ?`, projectID).Scan(&n)
	}
	return n, err
}

// ListMessages pages through a project's messages in insertion order, for the
// recovery engine. An empty projectID pages through all messages.
func (s *Store) ListMessages(ctx context.Context, projectID string, limit, offset int) ([]Message, error) {
	query := `
		SELECT id, thread_id, project_id, role, content, created_at
		FROM messages ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	args := []any{limit, offset}
	if projectID != "" {
		query = `
		SELECT id, thread_id, project_id, role, content, created_at
		FROM messages WHERE project_id = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
		args = []any{projectID, limit, offset}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.ProjectID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Events ---

func (s *Store) InsertEvent(e Event) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	eventData := e.EventData
	if eventData == "" {
		eventData = "{}"
	}
	snapshot := e.ContextSnapshot
	if snapshot == "" {
		snapshot = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO events (id, thread_id, project_id, user_id, event_type, event_data, context_snapshot, semantic_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ThreadID, e.ProjectID, e.UserID, e.EventType,
		eventData, snapshot, e.SemanticSummary, createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetEvent(id string) (Event, error) {
	var e Event
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, thread_id, project_id, user_id, event_type, event_data, context_snapshot, semantic_summary, created_at
		FROM events WHERE id = ?`, id,
	).Scan(&e.ID, &e.ThreadID, &e.ProjectID, &e.UserID, &e.EventType, &e.EventData, &e.ContextSnapshot, &e.SemanticSummary, &createdAt)
	if err == sql.ErrNoRows {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Event{}, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = t
	return e, nil
}

// GetEventsByIDs fetches events for a set of IDs in one query, for the
// read-through path over the events collection.
func (s *Store) GetEventsByIDs(ctx context.Context, ids []string) ([]Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	queryArgs := make([]interface{}, len(ids))
	for i, id := range ids {
		queryArgs[i] = id
	}

	query := `SELECT id, thread_id, project_id, user_id, event_type, event_data, context_snapshot, semantic_summary, created_at
		FROM events WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListRecentEvents returns the newest events in a thread, most recent first.
func (s *Store) ListRecentEvents(threadID string, limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, project_id, user_id, event_type, event_data, context_snapshot, semantic_summary, created_at
		FROM events WHERE thread_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountEvents returns the number of event rows for a project. An empty
// projectID counts all events.
func (s *Store) CountEvents(projectID string) (int, error) {
	var n int
	var err error
	if projectID == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE project_id = ?`, projectID).Scan(&n)
	}
	return n, err
}

// ListEvents pages through a project's events in insertion order, for the
// recovery engine. An empty projectID pages through all events.
func (s *Store) ListEvents(ctx context.Context, projectID string, limit, offset int) ([]Event, error) {
	query := `
		SELECT id, thread_id, project_id, user_id, event_type, event_data, context_snapshot, semantic_summary, created_at
		FROM events ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	args := []any{limit, offset}
	if projectID != "" {
		query = `
		SELECT id, thread_id, project_id, user_id, event_type, event_data, context_snapshot, semantic_summary, created_at
		FROM events WHERE project_id = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
		args = []any{projectID, limit, offset}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var results []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.ProjectID, &e.UserID, &e.EventType, &e.EventData, &e.ContextSnapshot, &e.SemanticSummary, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for event %s: %w", e.ID, err)
		}
		e.CreatedAt = t
		results = append(results, e)
	}
	return results, rows.Err()
}
