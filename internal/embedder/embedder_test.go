package embedder

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/oversight-labs/riskwatch/internal/store"
)

type fakeEmbedder struct {
	dims  int
	calls int
	fail  bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("embedding endpoint unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
		out[i][0] = float32(i)
	}
	return out, nil
}

type fakeChunkStore struct {
	batches [][]store.VectorChunk
}

func (f *fakeChunkStore) UpsertVectorChunks(_ context.Context, chunks []store.VectorChunk) error {
	f.batches = append(f.batches, chunks)
	return nil
}

func TestChunkEmptyInput(t *testing.T) {
	t.Parallel()
	if got := Chunk("", 1600, 200); got != nil {
		t.Fatalf("empty input must yield zero chunks, got %d", len(got))
	}
	if got := Chunk("   \n\t  ", 1600, 200); got != nil {
		t.Fatalf("whitespace input must yield zero chunks, got %d", len(got))
	}
}

func TestChunkShortInputSingleChunk(t *testing.T) {
	t.Parallel()
	got := Chunk("  hello world  ", 1600, 200)
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("Chunk() = %#v", got)
	}
}

func TestChunkReconstruction(t *testing.T) {
	t.Parallel()
	const size, overlap = 50, 10
	text := strings.TrimSpace(strings.Repeat("abcdefghij", 37))
	chunks := Chunk(text, size, overlap)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// Dropping the shared overlap from every chunk after the first must
	// reconstruct the original text exactly.
	rebuilt := chunks[0]
	for _, c := range chunks[1:] {
		rebuilt += c[overlap:]
	}
	if rebuilt != text {
		t.Fatalf("reconstruction mismatch: %d vs %d chars", len(rebuilt), len(text))
	}
}

func TestChunkMultiByteBoundaries(t *testing.T) {
	t.Parallel()
	const size, overlap = 40, 8
	text := strings.Repeat("règlement généralisé ", 30)
	text = strings.TrimSpace(text)
	chunks := Chunk(text, size, overlap)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d split a rune: %q", i, c)
		}
		if n := utf8.RuneCountInString(c); n > size {
			t.Fatalf("chunk %d has %d runes, window is %d", i, n, size)
		}
	}
	rebuilt := []rune(chunks[0])
	for _, c := range chunks[1:] {
		rebuilt = append(rebuilt, []rune(c)[overlap:]...)
	}
	if string(rebuilt) != text {
		t.Fatalf("reconstruction mismatch: %d vs %d runes", len(rebuilt), utf8.RuneCountInString(text))
	}
}

func TestChunkWindowBounds(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 5000)
	for i, c := range Chunk(text, 1600, 200) {
		if len(c) > 1600 {
			t.Fatalf("chunk %d exceeds window: %d", i, len(c))
		}
	}
}

func TestIndexUpsertsBatch(t *testing.T) {
	t.Parallel()
	st := &fakeChunkStore{}
	emb := &fakeEmbedder{dims: 8}
	ix := NewIndexer(st, emb, nil, 8, 100, 20)

	n, err := ix.Index(context.Background(), 7, "sha-abc", store.ChunkKindDelta, strings.Repeat("risk ", 100))
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected chunks to be written")
	}
	if len(st.batches) != 1 {
		t.Fatalf("expected a single batch upsert, got %d", len(st.batches))
	}
	for i, c := range st.batches[0] {
		if c.ChunkIndex != i {
			t.Fatalf("chunk %d has index %d", i, c.ChunkIndex)
		}
		if c.SourceID != 7 || c.SnapshotSHA != "sha-abc" || c.Kind != store.ChunkKindDelta {
			t.Fatalf("chunk key mismatch: %+v", c)
		}
	}
}

func TestIndexEmptyTextNoop(t *testing.T) {
	t.Parallel()
	st := &fakeChunkStore{}
	emb := &fakeEmbedder{dims: 8}
	ix := NewIndexer(st, emb, nil, 8, 100, 20)

	n, err := ix.Index(context.Background(), 1, "sha", store.ChunkKindDelta, "   ")
	if err != nil || n != 0 {
		t.Fatalf("empty delta must be a no-op, got n=%d err=%v", n, err)
	}
	if emb.calls != 0 {
		t.Fatalf("embedding must not be called for empty text")
	}
}

func TestIndexDimensionMismatch(t *testing.T) {
	t.Parallel()
	st := &fakeChunkStore{}
	emb := &fakeEmbedder{dims: 4}
	ix := NewIndexer(st, emb, nil, 384, 100, 20)

	if _, err := ix.Index(context.Background(), 1, "sha", store.ChunkKindSnapshot, strings.Repeat("a", 500)); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
	if len(st.batches) != 0 {
		t.Fatalf("no chunks must be written on mismatch")
	}
}

func TestIndexEmbedFailure(t *testing.T) {
	t.Parallel()
	st := &fakeChunkStore{}
	emb := &fakeEmbedder{dims: 8, fail: true}
	ix := NewIndexer(st, emb, nil, 8, 100, 20)

	if _, err := ix.Index(context.Background(), 1, "sha", store.ChunkKindSnapshot, strings.Repeat("a", 500)); err == nil {
		t.Fatalf("expected embed failure to propagate")
	}
}
