package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type mockModel struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (m *mockModel) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

func TestEmbed_PassesModel(t *testing.T) {
	var gotModel string
	e := NewEmbedder(&mockModel{embedFn: func(_ context.Context, model, _ string) ([]float32, error) {
		gotModel = model
		return makeVector(384), nil
	}}, "nomic-embed-text")

	vec, err := e.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
	if gotModel != "nomic-embed-text" || e.Model() != "nomic-embed-text" {
		t.Errorf("model = %q", gotModel)
	}
}

func TestEmbed_BackendError(t *testing.T) {
	e := NewEmbedder(&mockModel{embedFn: func(context.Context, string, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}}, "m")

	if _, err := e.Embed(ctx, "hello"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	e := NewEmbedder(&mockModel{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		return []float32{float32(len(text))}, nil
	}}, "m")

	vecs, err := e.EmbedBatch(ctx, []string{"a", "bbb", "cc", "dddd", "eeeee"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	want := []float32{1, 3, 2, 4, 5}
	for i, v := range vecs {
		if v[0] != want[i] {
			t.Errorf("vecs[%d] = %v, want %v", i, v[0], want[i])
		}
	}
}

func TestEmbedBatch_BoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	release := make(chan struct{})
	e := NewEmbedder(&mockModel{embedFn: func(context.Context, string, string) ([]float32, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return makeVector(2), nil
	}}, "m")

	done := make(chan error)
	go func() {
		_, err := e.EmbedBatch(ctx, make([]string, 12))
		done <- err
	}()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if peak > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", peak)
	}
}

func TestEmbedBatch_Error(t *testing.T) {
	e := NewEmbedder(&mockModel{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		if text == "b" {
			return nil, errors.New("embedding failed")
		}
		return makeVector(384), nil
	}}, "m")

	_, err := e.EmbedBatch(ctx, []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "embedding failed") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	e := NewEmbedder(&mockModel{embedFn: func(context.Context, string, string) ([]float32, error) {
		t.Fatal("should not be called for empty input")
		return nil, nil
	}}, "m")

	vecs, err := e.EmbedBatch(ctx, nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil", vecs)
	}
}
