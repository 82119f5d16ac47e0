package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Compile-time check that QdrantIndex implements Index.
var _ Index = (*QdrantIndex)(nil)

// QdrantIndex talks to a Qdrant server over its REST API. It is the backend
// of choice once collections outgrow the brute-force SQLite index.
type QdrantIndex struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewQdrant creates a QdrantIndex targeting the given base URL. The API key
// may be empty for unauthenticated deployments.
func NewQdrant(baseURL, apiKey string) *QdrantIndex {
	return &QdrantIndex{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Close is a no-op; the client holds no persistent connections.
func (q *QdrantIndex) Close() error {
	return nil
}

// EnsureCollection creates the collection with cosine distance if it does not
// exist. Qdrant treats re-creating with the same schema as success.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, collection string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	var status struct {
		Status struct {
			Error string `json:"error"`
		} `json:"status"`
	}
	err := q.doJSON(ctx, http.MethodPut, "/collections/"+collection, body, &status)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload"`
}

func toQdrantPayload(p Payload) map[string]any {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return map[string]any{
		"project_id":      p.ProjectID,
		"parent_id":       p.ParentID,
		"kind":            p.Kind,
		"created_at":      createdAt.Format(time.RFC3339),
		"embedding_model": p.EmbeddingModel,
	}
}

func fromQdrantPayload(m map[string]any) Payload {
	var p Payload
	if v, ok := m["project_id"].(string); ok {
		p.ProjectID = v
	}
	if v, ok := m["parent_id"].(string); ok {
		p.ParentID = v
	}
	if v, ok := m["kind"].(string); ok {
		p.Kind = v
	}
	if v, ok := m["embedding_model"].(string); ok {
		p.EmbeddingModel = v
	}
	if v, ok := m["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			p.CreatedAt = t
		}
	}
	return p
}

// Upsert writes points with wait=true so a subsequent Count sees them.
func (q *QdrantIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]qdrantPoint, len(points))
	for i, p := range points {
		qpoints[i] = qdrantPoint{
			ID:      p.ID,
			Vector:  p.Vector,
			Payload: toQdrantPayload(p.Payload),
		}
	}
	body := map[string]any{"points": qpoints}
	return q.doJSON(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

func qdrantFilter(filter Filter) map[string]any {
	var must []map[string]any
	if filter.ProjectID != "" {
		must = append(must, map[string]any{
			"key":   "project_id",
			"match": map[string]any{"value": filter.ProjectID},
		})
	}
	if filter.Kind != "" {
		must = append(must, map[string]any{
			"key":   "kind",
			"match": map[string]any{"value": filter.Kind},
		})
	}
	if must == nil {
		return nil
	}
	return map[string]any{"must": must}
}

// Search returns the nearest neighbours above the threshold, best first.
func (q *QdrantIndex) Search(ctx context.Context, collection string, query []float32, limit int, threshold float32, filter Filter) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	body := map[string]any{
		"vector":       query,
		"limit":        limit,
		"with_payload": true,
	}
	if threshold > 0 {
		body["score_threshold"] = threshold
	}
	if f := qdrantFilter(filter); f != nil {
		body["filter"] = f
	}

	var resp struct {
		Result []struct {
			ID      string         `json:"id"`
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := q.doJSON(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &resp); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{ID: r.ID, Score: r.Score, Payload: fromQdrantPayload(r.Payload)})
	}
	return hits, nil
}

// GetByIDs retrieves stored points (payload only) for the given IDs.
func (q *QdrantIndex) GetByIDs(ctx context.Context, collection string, ids []string) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  false,
	}
	var resp struct {
		Result []struct {
			ID      string         `json:"id"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := q.doJSON(ctx, http.MethodPost, "/collections/"+collection+"/points", body, &resp); err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(resp.Result))
	for _, r := range resp.Result {
		points = append(points, Point{ID: r.ID, Payload: fromQdrantPayload(r.Payload)})
	}
	return points, nil
}

// Count returns the exact number of points matching the filter. A missing
// collection counts as zero.
func (q *QdrantIndex) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	body := map[string]any{"exact": true}
	if f := qdrantFilter(filter); f != nil {
		body["filter"] = f
	}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := q.doJSON(ctx, http.MethodPost, "/collections/"+collection+"/points/count", body, &resp)
	if err != nil {
		if strings.Contains(err.Error(), "404") || strings.Contains(err.Error(), "doesn't exist") {
			return 0, nil
		}
		return 0, err
	}
	return resp.Result.Count, nil
}

// DeleteByFilter removes all points matching the filter.
func (q *QdrantIndex) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	body := map[string]any{}
	if f := qdrantFilter(filter); f != nil {
		body["filter"] = f
	} else {
		// No filter means everything: match all points.
		body["filter"] = map[string]any{}
	}
	return q.doJSON(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

// doJSON issues a JSON request and decodes the JSON response into out (when
// non-nil). Non-2xx statuses are returned as errors including the body.
func (q *QdrantIndex) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("qdrant %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding qdrant response: %w", err)
		}
	}
	return nil
}
