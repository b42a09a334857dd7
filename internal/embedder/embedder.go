package embedder

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/oversight-labs/riskwatch/internal/store"
	"github.com/oversight-labs/riskwatch/internal/telemetry"
)

// EmbeddingClient maps a batch of texts to fixed-dimension vectors,
// order-preserving.
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkStore is the slice of the content store the indexer needs.
type ChunkStore interface {
	UpsertVectorChunks(ctx context.Context, chunks []store.VectorChunk) error
}

// Indexer splits text into overlapping character windows, embeds each window,
// and upserts the batch keyed on (source, snapshot sha, kind, chunk index).
type Indexer struct {
	store      ChunkStore
	client     EmbeddingClient
	logger     *log.Logger
	dimensions int
	chunkSize  int
	overlap    int
}

// NewIndexer constructs an Indexer. Zero sizes fall back to the 1600/200
// character windows the vector schema was built around.
func NewIndexer(st ChunkStore, client EmbeddingClient, logger *log.Logger, dimensions, chunkSize, overlap int) *Indexer {
	if chunkSize <= 0 {
		chunkSize = 1600
	}
	if overlap <= 0 || overlap >= chunkSize {
		overlap = 200
	}
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Indexer{
		store:      st,
		client:     client,
		logger:     logger,
		dimensions: dimensions,
		chunkSize:  chunkSize,
		overlap:    overlap,
	}
}

// Chunk splits text into overlapping fixed-size character windows. Empty or
// whitespace-only input yields zero chunks. Consecutive windows share
// `overlap` characters so no boundary content is lost. Windows are counted
// in runes so multi-byte text never splits mid-character.
func Chunk(text string, size, overlap int) []string {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}
	runes := []rune(t)
	if size <= 0 || len(runes) <= size {
		return []string{t}
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
		start = end - overlap
	}
	return chunks
}

// Index chunks, embeds, and upserts one text under the given kind. It returns
// the number of chunks written; zero chunks (empty text) is a reported no-op,
// not an error.
func (ix *Indexer) Index(ctx context.Context, sourceID int64, snapshotSHA, kind, text string) (int, error) {
	parts := Chunk(text, ix.chunkSize, ix.overlap)
	if len(parts) == 0 {
		return 0, nil
	}

	vecs, err := ix.client.Embed(ctx, parts)
	if err != nil {
		return 0, fmt.Errorf("embed %d chunks: %w", len(parts), err)
	}
	if len(vecs) != len(parts) {
		return 0, fmt.Errorf("embedding count mismatch: %d vectors for %d chunks", len(vecs), len(parts))
	}

	rows := make([]store.VectorChunk, 0, len(parts))
	for i, part := range parts {
		if len(vecs[i]) != ix.dimensions {
			return 0, fmt.Errorf("chunk %d: vector dimension %d, want %d", i, len(vecs[i]), ix.dimensions)
		}
		rows = append(rows, store.VectorChunk{
			SourceID:    sourceID,
			SnapshotSHA: snapshotSHA,
			Kind:        kind,
			ChunkIndex:  i,
			ChunkText:   part,
			Embedding:   vecs[i],
		})
	}
	if err := ix.store.UpsertVectorChunks(ctx, rows); err != nil {
		return 0, fmt.Errorf("upsert %d chunks: %w", len(rows), err)
	}
	telemetry.ChunksEmbedded.Add(float64(len(rows)))
	if ix.logger != nil {
		ix.logger.Printf("indexed %d %s chunks for source=%d sha=%.12s", len(rows), kind, sourceID, snapshotSHA)
	}
	return len(rows), nil
}
