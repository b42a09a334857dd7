package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/oversight-labs/riskwatch/internal/helpers"
	"github.com/oversight-labs/riskwatch/internal/scrape"
	"github.com/oversight-labs/riskwatch/internal/store"
	"github.com/oversight-labs/riskwatch/internal/telemetry"
)

// SnapshotStore is the store slice the ingestor writes through.
type SnapshotStore interface {
	ListActiveSources(ctx context.Context) ([]store.Source, error)
	LatestSnapshots(ctx context.Context, sourceID int64, limit int) ([]store.Snapshot, error)
	InsertSnapshot(ctx context.Context, sourceID int64, contentHash, cleanText, rawHTML string) (int64, error)
}

// BaselineIndexer embeds the first snapshot of a source so vector search has
// coverage before any change exists. Optional; nil disables it.
type BaselineIndexer interface {
	Index(ctx context.Context, sourceID int64, snapshotSHA, kind, text string) (int, error)
}

// Ingestor fetches every active source, fingerprints the extracted text, and
// stores a snapshot only when the fingerprint moved. Sources run on a bounded
// worker pool; one bad source never stops the pass.
type Ingestor struct {
	store   SnapshotStore
	fetcher scrape.Fetcher
	indexer BaselineIndexer
	logger  *log.Logger
	workers int
}

func NewIngestor(st SnapshotStore, fetcher scrape.Fetcher, indexer BaselineIndexer, logger *log.Logger, workers int) *Ingestor {
	if workers <= 0 {
		workers = 4
	}
	return &Ingestor{store: st, fetcher: fetcher, indexer: indexer, logger: logger, workers: workers}
}

// Result reports one ingest pass.
type Result struct {
	Fetched   int
	Created   int
	Unchanged int
	Skipped   int
	Failed    int
}

// Run ingests all active sources once.
func (ig *Ingestor) Run(ctx context.Context) (Result, error) {
	sources, err := ig.store.ListActiveSources(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list sources: %w", err)
	}

	jobs := make(chan store.Source)
	var (
		mu  sync.Mutex
		res Result
		wg  sync.WaitGroup
	)
	for i := 0; i < ig.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range jobs {
				outcome, err := ig.ingestOne(ctx, src)
				mu.Lock()
				res.Fetched++
				switch {
				case err != nil:
					res.Failed++
					telemetry.FetchFailures.Inc()
					ig.logf("ingest source=%d url=%s: %v", src.ID, src.URL, err)
				case outcome == outcomeCreated:
					res.Created++
					telemetry.SnapshotsCreated.Inc()
				case outcome == outcomeUnchanged:
					res.Unchanged++
				default:
					res.Skipped++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, src := range sources {
		select {
		case jobs <- src:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeUnchanged
	outcomeCreated
)

func (ig *Ingestor) ingestOne(ctx context.Context, src store.Source) (outcome, error) {
	fetched, err := ig.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("fetch: %w", err)
	}
	if fetched.Skip {
		ig.logf("skip source=%d url=%s reason=%s", src.ID, src.URL, fetched.SkipReason)
		return outcomeSkipped, nil
	}

	hash := helpers.ContentHash(fetched.CleanText)
	latest, err := ig.store.LatestSnapshots(ctx, src.ID, 1)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("latest snapshot: %w", err)
	}
	if len(latest) > 0 && latest[0].ContentHash == hash {
		return outcomeUnchanged, nil
	}

	snapshotID, err := ig.store.InsertSnapshot(ctx, src.ID, hash, fetched.CleanText, fetched.RawHTML)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("insert snapshot: %w", err)
	}
	ig.logf("snapshot created source=%d url=%s snapshot=%d hash=%.12s ms=%d",
		src.ID, src.URL, snapshotID, hash, fetched.FetchMS)

	// First snapshot for a source gets embedded so search works before any
	// change is ever detected. Indexing trouble must not fail the ingest.
	if len(latest) == 0 && ig.indexer != nil {
		if _, err := ig.indexer.Index(ctx, src.ID, hash, store.ChunkKindBaseline, fetched.CleanText); err != nil {
			ig.logf("baseline index source=%d: %v", src.ID, err)
		}
	}
	return outcomeCreated, nil
}

func (ig *Ingestor) logf(format string, args ...interface{}) {
	if ig.logger != nil {
		ig.logger.Printf(format, args...)
	}
}
