// Package health watches the gap between the relational store and the vector
// mirror. Drift is expected under the dual-write design; this package is the
// detection half of the detect-and-repair loop, recovery is the repair half.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/halverson/strand/internal/retrieval"
	"github.com/halverson/strand/internal/vector"
)

// Status classifies a collection or a whole report.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusError    Status = "error"
)

// Sync ratio thresholds. Below warnRatio a collection is degraded; below
// criticalRatio (or with an empty index despite data) it is critical.
const (
	warnRatio     = 0.95
	criticalRatio = 0.5
)

// smokeQuery is the generic term used for the retrieval smoke test.
const smokeQuery = "project overview"

// CollectionHealth is the drift measurement for one tracked collection.
type CollectionHealth struct {
	Collection  string   `json:"collection"`
	SQLCount    int      `json:"sql_count"`
	VectorCount int      `json:"vector_count"`
	SyncRatio   float64  `json:"sync_ratio"`
	Status      Status   `json:"status"`
	Issues      []string `json:"issues,omitempty"`
}

// SmokeTest is the result of one real read-through query.
type SmokeTest struct {
	Ran         bool   `json:"ran"`
	Query       string `json:"query,omitempty"`
	ResultCount int    `json:"result_count"`
	Passed      bool   `json:"passed"`
	Error       string `json:"error,omitempty"`
}

// Report is the health-report shape consumed by the operations endpoint and
// the CLI recover command.
type Report struct {
	Timestamp       time.Time                   `json:"timestamp"`
	ProjectID       string                      `json:"project_id,omitempty"`
	OverallStatus   Status                      `json:"overall_status"`
	Collections     map[string]CollectionHealth `json:"collections"`
	SmokeTest       SmokeTest                   `json:"smoke_test"`
	Issues          []string                    `json:"issues"`
	Recommendations []string                    `json:"recommendations"`
}

// RecordCounter counts authoritative rows per scope. An empty projectID
// means everything.
type RecordCounter interface {
	CountChunks(projectID string) (int, error)
	CountMessages(projectID string) (int, error)
	CountEvents(projectID string) (int, error)
}

// SmokeRetriever runs one real retrieval query through the full read-through
// path.
type SmokeRetriever interface {
	Retrieve(ctx context.Context, query, projectID, userID string, maxResults int, scoreThreshold float32) ([]retrieval.Result, error)
}

// Monitor measures drift between the two stores and classifies it.
type Monitor struct {
	store     RecordCounter
	index     vector.Index
	retriever SmokeRetriever
	logger    *slog.Logger
}

// NewMonitor creates a Monitor. The retriever may be nil, in which case the
// smoke test is skipped.
func NewMonitor(store RecordCounter, index vector.Index, retriever SmokeRetriever) *Monitor {
	return &Monitor{
		store:     store,
		index:     index,
		retriever: retriever,
		logger:    slog.Default(),
	}
}

// tracked defines the collections the monitor compares, and how each maps to
// relational counts and index filters.
var tracked = []struct {
	name       string
	collection string
	kind       string
}{
	{"chunks", vector.CollectionChunks, vector.KindChunk},
	{"messages", vector.CollectionContext, vector.KindMessage},
	{"events", vector.CollectionContext, vector.KindEvent},
}

// CheckHealth compares record counts per collection and runs a smoke-test
// query. An empty projectID checks all projects (the smoke test is skipped
// for the global scope because a query needs a project to be scoped to).
// Count failures degrade the report to StatusError rather than failing it.
func (m *Monitor) CheckHealth(ctx context.Context, projectID string) Report {
	report := Report{
		Timestamp:   time.Now().UTC(),
		ProjectID:   projectID,
		Collections: make(map[string]CollectionHealth, len(tracked)),
		Issues:      []string{},
	}

	overall := StatusHealthy
	for _, t := range tracked {
		ch := m.checkCollection(ctx, t.name, t.collection, t.kind, projectID)
		report.Collections[t.name] = ch
		report.Issues = append(report.Issues, ch.Issues...)
		overall = worse(overall, ch.Status)
	}

	report.SmokeTest = m.runSmokeTest(ctx, projectID, report.Collections["chunks"])
	if report.SmokeTest.Ran && !report.SmokeTest.Passed {
		report.Issues = append(report.Issues, "smoke test: retrieval returned no results despite stored chunks")
		overall = worse(overall, StatusCritical)
	}

	report.OverallStatus = overall
	report.Recommendations = recommendations(overall, projectID)
	return report
}

func (m *Monitor) checkCollection(ctx context.Context, name, collection, kind, projectID string) CollectionHealth {
	ch := CollectionHealth{Collection: name}

	sqlCount, err := countFor(m.store, name, projectID)
	if err != nil {
		ch.Status = StatusError
		ch.Issues = append(ch.Issues, fmt.Sprintf("%s: counting authoritative records: %v", name, err))
		return ch
	}
	ch.SQLCount = sqlCount

	vectorCount, err := m.index.Count(ctx, collection, vector.Filter{ProjectID: projectID, Kind: kind})
	if err != nil {
		ch.Status = StatusError
		ch.Issues = append(ch.Issues, fmt.Sprintf("%s: counting index points: %v", name, err))
		return ch
	}
	ch.VectorCount = vectorCount

	// A scope with no authoritative data has nothing to mirror.
	if sqlCount == 0 {
		ch.SyncRatio = 1.0
		ch.Status = StatusHealthy
		return ch
	}

	ch.SyncRatio = float64(vectorCount) / float64(sqlCount)
	switch {
	case vectorCount == 0:
		ch.Status = StatusCritical
		ch.Issues = append(ch.Issues, fmt.Sprintf("%s: empty index despite %d stored records", name, sqlCount))
	case ch.SyncRatio < criticalRatio:
		ch.Status = StatusCritical
		ch.Issues = append(ch.Issues, fmt.Sprintf("%s: sync ratio %.2f below %.2f", name, ch.SyncRatio, criticalRatio))
	case ch.SyncRatio < warnRatio:
		ch.Status = StatusWarning
		ch.Issues = append(ch.Issues, fmt.Sprintf("%s: sync ratio %.2f below %.2f", name, ch.SyncRatio, warnRatio))
	default:
		ch.Status = StatusHealthy
	}
	return ch
}

// runSmokeTest exercises the full retrieval path with a generic query. Raw
// counts can look healthy while retrieval is silently broken; zero results
// despite stored chunks is an independent critical signal.
func (m *Monitor) runSmokeTest(ctx context.Context, projectID string, chunks CollectionHealth) SmokeTest {
	if m.retriever == nil || projectID == "" {
		return SmokeTest{Ran: false, Passed: true}
	}

	st := SmokeTest{Ran: true, Query: smokeQuery}
	results, err := m.retriever.Retrieve(ctx, smokeQuery, projectID, "", 3, 0)
	if err != nil {
		st.Error = err.Error()
		st.Passed = false
		return st
	}
	st.ResultCount = len(results)
	st.Passed = len(results) > 0 || chunks.SQLCount == 0
	return st
}

func recommendations(overall Status, projectID string) []string {
	scope := projectID
	if scope == "" {
		scope = "all projects"
	}
	switch overall {
	case StatusCritical, StatusError:
		return []string{fmt.Sprintf("run recovery for %s (strand recover)", scope)}
	case StatusWarning:
		return []string{fmt.Sprintf("index for %s is lagging; schedule recovery", scope)}
	default:
		return []string{}
	}
}

// worse returns the more severe of two statuses.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusWarning: 1, StatusCritical: 2, StatusError: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
