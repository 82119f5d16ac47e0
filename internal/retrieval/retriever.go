package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/halverson/strand/internal/storage"
	"github.com/halverson/strand/internal/vector"
)

// ContentReader is the slice of the relational store the read-through path
// fetches authoritative content from.
type ContentReader interface {
	GetChunksByIDs(ctx context.Context, ids []string) ([]storage.Chunk, error)
	GetEventsByIDs(ctx context.Context, ids []string) ([]storage.Event, error)
}

// AccessChecker answers the two membership questions the retriever asks.
// Both are treated as pure boolean oracles.
type AccessChecker interface {
	IsMember(projectID, userID string) (bool, error)
	IsPublic(assetID string) (bool, error)
}

// Result is one retrieved chunk with its similarity score and authoritative
// content. Content always reflects the relational store at fetch time; a
// stale embedding can only cost recall, never return stale text.
type Result struct {
	ID        string    `json:"id"`
	Score     float32   `json:"score"`
	Content   string    `json:"content"`
	ProjectID string    `json:"project_id"`
	ParentID  string    `json:"parent_id"`
	Seq       int       `json:"seq"`
	Page      int       `json:"page,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Retriever implements the read-through pattern: the vector index nominates
// candidate IDs, the relational store supplies the content.
type Retriever struct {
	embedder *Embedder
	index    vector.Index
	content  ContentReader
	access   AccessChecker
}

// NewRetriever creates a Retriever over the given index and content source.
func NewRetriever(embedder *Embedder, index vector.Index, content ContentReader, access AccessChecker) *Retriever {
	return &Retriever{embedder: embedder, index: index, content: content, access: access}
}

// Retrieve embeds the query, searches the chunk collection and returns up to
// maxResults accessible chunks with their authoritative text, best first.
// Zero accessible candidates is an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query, projectID, userID string, maxResults int, scoreThreshold float32) ([]Result, error) {
	if maxResults <= 0 {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// Over-fetch so access-control rejections don't starve the result set.
	hits, err := r.index.Search(ctx, vector.CollectionChunks, vec, 2*maxResults, scoreThreshold, vector.Filter{Kind: vector.KindChunk})
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	accepted := make([]vector.Hit, 0, len(hits))
	for _, h := range hits {
		ok, err := r.allowed(h, projectID, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			accepted = append(accepted, h)
		}
	}
	if len(accepted) == 0 {
		return nil, nil
	}

	ids := make([]string, len(accepted))
	for i, h := range accepted {
		ids[i] = h.ID
	}

	// One batched fetch for the authoritative content.
	chunks, err := r.content.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching content: %w", err)
	}
	byID := make(map[string]storage.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	// Re-attach content preserving similarity order. Points whose relational
	// row is gone are stale index entries and are skipped.
	results := make([]Result, 0, maxResults)
	for _, h := range accepted {
		c, ok := byID[h.ID]
		if !ok {
			continue
		}
		results = append(results, Result{
			ID:        c.ID,
			Score:     h.Score,
			Content:   c.Text,
			ProjectID: c.ProjectID,
			ParentID:  c.DocumentID,
			Seq:       c.Seq,
			Page:      c.Page,
			CreatedAt: c.CreatedAt,
		})
		if len(results) == maxResults {
			break
		}
	}
	return results, nil
}

// allowed applies the access rules to a candidate: project match, then
// membership, then a public flag on the owning asset. Failing all three
// silently drops the candidate; inaccessible content must not be observable.
func (r *Retriever) allowed(h vector.Hit, projectID, userID string) (bool, error) {
	if h.Payload.ProjectID == projectID {
		return true, nil
	}
	if userID != "" && h.Payload.ProjectID != "" {
		member, err := r.access.IsMember(h.Payload.ProjectID, userID)
		if err != nil {
			return false, fmt.Errorf("checking membership: %w", err)
		}
		if member {
			return true, nil
		}
	}
	public, err := r.access.IsPublic(h.ID)
	if err != nil {
		return false, fmt.Errorf("checking public flag: %w", err)
	}
	return public, nil
}

// RetrieveEvents runs the same read-through pattern over the thread context
// collection, scoped to one project's events.
func (r *Retriever) RetrieveEvents(ctx context.Context, query, projectID string, limit int) ([]storage.Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := r.index.Search(ctx, vector.CollectionContext, vec, limit, 0,
		vector.Filter{ProjectID: projectID, Kind: vector.KindEvent})
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}

	events, err := r.content.GetEventsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching events: %w", err)
	}
	byID := make(map[string]storage.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}

	ordered := make([]storage.Event, 0, len(hits))
	for _, h := range hits {
		if e, ok := byID[h.ID]; ok {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}
