package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/halverson/strand/internal/engine"
)

// mockEngine implements engine.Engine with pluggable embed behavior. Only the
// embedding methods are exercised by this package.
type mockEngine struct {
	embedFn func(text string) ([]float32, error)
}

func (m *mockEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return m.embedFn(text)
}

func (m *mockEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.embedFn(t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (m *mockEngine) IsRunning(ctx context.Context) bool { return true }

func (m *mockEngine) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func (m *mockEngine) HasModel(ctx context.Context, name string) bool { return true }

func (m *mockEngine) PullModel(ctx context.Context, name string, onProgress func(engine.PullProgress)) error {
	return fmt.Errorf("not implemented")
}

// tableEmbedder returns an Embedder whose vectors come from a fixed table.
// Unknown texts embed to a far-away default so they never outrank table hits.
func tableEmbedder(table map[string][]float32) *Embedder {
	eng := &mockEngine{
		embedFn: func(text string) ([]float32, error) {
			if v, ok := table[text]; ok {
				return v, nil
			}
			return []float32{0, 0, 0, 1}, nil
		},
	}
	return NewEmbedder(eng, "test-model")
}

func TestEmbedderModel(t *testing.T) {
	e := tableEmbedder(nil)
	if e.Model() != "test-model" {
		t.Errorf("Model() = %q, want %q", e.Model(), "test-model")
	}
}

// TestEmbedBatchOrdering pushes enough texts through EmbedBatch to span
// multiple concurrent batches and verifies results come back in input order.
func TestEmbedBatchOrdering(t *testing.T) {
	eng := &mockEngine{
		embedFn: func(text string) ([]float32, error) {
			n, err := strconv.Atoi(strings.TrimPrefix(text, "text-"))
			if err != nil {
				return nil, err
			}
			return []float32{float32(n)}, nil
		},
	}
	e := NewEmbedder(eng, "test-model")

	const total = 100 // spans 4 batches of embedBatchSize
	texts := make([]string, total)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}

	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != total {
		t.Fatalf("got %d vectors, want %d", len(vecs), total)
	}
	for i, v := range vecs {
		if len(v) != 1 || v[0] != float32(i) {
			t.Errorf("vecs[%d] = %v, want [%d]", i, v, i)
		}
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	e := tableEmbedder(nil)

	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil", vecs)
	}
}

func TestEmbedBatchPropagatesError(t *testing.T) {
	eng := &mockEngine{
		embedFn: func(text string) ([]float32, error) {
			return nil, fmt.Errorf("engine down")
		},
	}
	e := NewEmbedder(eng, "test-model")

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("EmbedBatch with failing engine succeeded, want error")
	}
}
