package thread

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/halverson/strand/internal/storage"
)

// Scan windows for reference resolution: most recent turns first, then most
// recent events, both newest-first.
const (
	resolveTurnWindow  = 10
	resolveEventWindow = 20
)

// Reference is a resolved contextual mention, with the message or event it
// was resolved from as evidence.
type Reference struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	SourceEvidence string `json:"source_evidence"`
}

// category ties an utterance keyword to the event types and payload keys that
// can answer it. The table is driven by the closed EventType enum so a new
// event type forces a decision here.
type category struct {
	name       string
	keywords   []string
	eventTypes []EventType
	dataKeys   []string
}

var categories = []category{
	{
		name:       "document",
		keywords:   []string{"document", "file", "upload"},
		eventTypes: []EventType{EventDocumentUploaded},
		dataKeys:   []string{"filename", "document_id"},
	},
	{
		name:       "class",
		keywords:   []string{"class"},
		eventTypes: []EventType{EventClassCreated, EventClassModified},
		dataKeys:   []string{"class_name", "class_id"},
	},
	{
		name:       "ontology",
		keywords:   []string{"ontology"},
		eventTypes: []EventType{EventOntologyModified},
		dataKeys:   []string{"ontology_name", "ontology_id"},
	},
	{
		name:       "analysis",
		keywords:   []string{"analysis"},
		eventTypes: []EventType{EventAnalysisStarted, EventAnalysisCompleted},
		dataKeys:   []string{"analysis_name", "analysis_id"},
	},
}

// turnPatterns extract a named mention from free text, per category. Compiled
// once; the capture group is the candidate name.
var turnPatterns = map[string]*regexp.Regexp{
	"document": regexp.MustCompile(`(?i)\b(?:document|file)\s+"?([\w][\w./-]*)"?`),
	"class":    regexp.MustCompile(`(?i)\bclass\s+"?([\w][\w:-]*)"?`),
	"ontology": regexp.MustCompile(`(?i)\bontology\s+"?([\w][\w:-]*)"?`),
	"analysis": regexp.MustCompile(`(?i)\banalysis\s+"?([\w][\w:-]*)"?`),
}

// stopwords are words a turn pattern may capture that are not names.
var stopwords = map[string]bool{
	"that": true, "this": true, "the": true, "a": true, "an": true,
	"it": true, "is": true, "was": true, "my": true, "your": true,
}

// ResolveReference maps a pronoun-like mention in the utterance ("that
// class") to a concrete prior entity. It scans the thread's recent turns,
// then its recent events, newest first, and returns the first lexical match
// with its evidence. No match returns nil, not an error; the caller falls
// back to reading the utterance literally. The resolution is deterministic
// and recency-biased, nothing more.
func (m *Manager) ResolveReference(t storage.Thread, utterance string) (*Reference, error) {
	cat, ok := matchCategory(utterance)
	if !ok {
		return nil, nil
	}

	messages, err := m.store.ListRecentMessages(t.ID, resolveTurnWindow)
	if err != nil {
		return nil, fmt.Errorf("loading recent turns: %w", err)
	}
	for _, msg := range messages {
		if name, ok := extractName(cat.name, msg.Content); ok {
			return &Reference{
				Type:           cat.name,
				Name:           name,
				SourceEvidence: fmt.Sprintf("message %s", msg.ID),
			}, nil
		}
	}

	events, err := m.store.ListRecentEvents(t.ID, resolveEventWindow)
	if err != nil {
		return nil, fmt.Errorf("loading recent events: %w", err)
	}
	for _, ev := range events {
		if !cat.matchesEvent(EventType(ev.EventType)) {
			continue
		}
		name := eventName(ev, cat.dataKeys)
		if name == "" {
			continue
		}
		return &Reference{
			Type:           cat.name,
			Name:           name,
			SourceEvidence: fmt.Sprintf("event %s (%s)", ev.ID, ev.EventType),
		}, nil
	}

	return nil, nil
}

func matchCategory(utterance string) (category, bool) {
	lowered := strings.ToLower(utterance)
	for _, cat := range categories {
		for _, kw := range cat.keywords {
			if strings.Contains(lowered, kw) {
				return cat, true
			}
		}
	}
	return category{}, false
}

func (c category) matchesEvent(t EventType) bool {
	for _, et := range c.eventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// extractName pulls a concrete name following the category keyword out of a
// conversation turn, skipping demonstratives.
func extractName(categoryName, content string) (string, bool) {
	re, ok := turnPatterns[categoryName]
	if !ok {
		return "", false
	}
	match := re.FindStringSubmatch(content)
	if match == nil {
		return "", false
	}
	name := match[1]
	if stopwords[strings.ToLower(name)] {
		return "", false
	}
	return name, true
}

// eventName reads the entity name out of the event's structured payload.
func eventName(ev storage.Event, keys []string) string {
	var data map[string]any
	if err := json.Unmarshal([]byte(ev.EventData), &data); err != nil {
		return ""
	}
	for _, key := range keys {
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
