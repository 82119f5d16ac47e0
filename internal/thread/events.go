// Package thread maintains per-project conversational state: one thread per
// project, an append-only log of messages and typed events, semantic search
// over past events, and pattern-based resolution of contextual references
// like "that document".
package thread

import (
	"fmt"
)

// EventType is the closed set of project events the thread log records.
// Keeping the enum closed lets the reference resolver and the summary
// formatter switch exhaustively over it.
type EventType string

const (
	EventDocumentUploaded  EventType = "document_uploaded"
	EventOntologyModified  EventType = "ontology_modified"
	EventClassCreated      EventType = "class_created"
	EventClassModified     EventType = "class_modified"
	EventAnalysisStarted   EventType = "analysis_started"
	EventAnalysisCompleted EventType = "analysis_completed"
	EventConversationTurn  EventType = "conversation_turn"
	EventFocusChanged      EventType = "focus_changed"
)

// Valid reports whether t is one of the defined event types.
func (t EventType) Valid() bool {
	switch t {
	case EventDocumentUploaded, EventOntologyModified,
		EventClassCreated, EventClassModified,
		EventAnalysisStarted, EventAnalysisCompleted,
		EventConversationTurn, EventFocusChanged:
		return true
	}
	return false
}

// Summarize renders an event into the one-line text used for its embedding.
// The summary is derived, never restored as content. The switch is exhaustive
// over EventType.
func Summarize(t EventType, data map[string]any) string {
	switch t {
	case EventDocumentUploaded:
		return fmt.Sprintf("document %s uploaded", dataString(data, "filename", "document_id"))
	case EventOntologyModified:
		return fmt.Sprintf("ontology %s modified", dataString(data, "ontology_name", "ontology_id"))
	case EventClassCreated:
		return fmt.Sprintf("class %s created", dataString(data, "class_name", "class_id"))
	case EventClassModified:
		return fmt.Sprintf("class %s modified", dataString(data, "class_name", "class_id"))
	case EventAnalysisStarted:
		return fmt.Sprintf("analysis %s started", dataString(data, "analysis_name", "analysis_id"))
	case EventAnalysisCompleted:
		return fmt.Sprintf("analysis %s completed", dataString(data, "analysis_name", "analysis_id"))
	case EventConversationTurn:
		return fmt.Sprintf("conversation turn: %s", dataString(data, "summary", "content"))
	case EventFocusChanged:
		return fmt.Sprintf("focus changed to %s", dataString(data, "focus"))
	}
	return string(t)
}

// dataString returns the first non-empty string value among the given keys.
func dataString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
	}
	return "unknown"
}
