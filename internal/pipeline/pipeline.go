package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/oversight-labs/riskwatch/internal/detect"
	"github.com/oversight-labs/riskwatch/internal/helpers"
	"github.com/oversight-labs/riskwatch/internal/ingest"
	"github.com/oversight-labs/riskwatch/internal/store"
)

// RunStore persists run summaries and serves snapshot text for delta
// embedding.
type RunStore interface {
	CreateRun(ctx context.Context, kind string) (string, error)
	FinishRun(ctx context.Context, sum store.RunSummary) error
	GetSnapshotText(ctx context.Context, snapshotID int64) (string, error)
}

// Ingestor runs one snapshot pass over all active sources.
type Ingestor interface {
	Run(ctx context.Context) (ingest.Result, error)
}

// Detector runs one change-detection pass.
type Detector interface {
	Run(ctx context.Context) (detect.Result, error)
}

// Indexer embeds text under (source, sha, kind).
type Indexer interface {
	Index(ctx context.Context, sourceID int64, snapshotSHA, kind, text string) (int, error)
}

// Pipeline chains ingest, detect, and embedding into a single pass and
// records the outcome as a run summary row. Insight generation runs
// separately so LLM spend is decoupled from crawl cadence.
type Pipeline struct {
	store       RunStore
	ingestor    Ingestor
	detector    Detector
	indexer     Indexer
	logger      *log.Logger
	embedDeltas bool
	deltaMax    int
}

func New(st RunStore, ing Ingestor, det Detector, ix Indexer, logger *log.Logger, embedDeltas bool, deltaMax int) *Pipeline {
	if deltaMax <= 0 {
		deltaMax = 12000
	}
	return &Pipeline{
		store:       st,
		ingestor:    ing,
		detector:    det,
		indexer:     ix,
		logger:      logger,
		embedDeltas: embedDeltas,
		deltaMax:    deltaMax,
	}
}

// Run executes one full pass. The summary row is written even when a stage
// fails partway, so operators can see partial progress.
func (p *Pipeline) Run(ctx context.Context) (store.RunSummary, error) {
	runID, err := p.store.CreateRun(ctx, store.RunKindPipeline)
	if err != nil {
		return store.RunSummary{}, fmt.Errorf("create run: %w", err)
	}
	sum := store.RunSummary{ID: runID, Kind: store.RunKindPipeline, Detail: map[string]interface{}{}}

	ingRes, ingErr := p.ingestor.Run(ctx)
	sum.Processed += ingRes.Created
	sum.Skipped += ingRes.Unchanged + ingRes.Skipped
	sum.Failed += ingRes.Failed
	sum.Detail["snapshots_created"] = ingRes.Created
	sum.Detail["sources_unchanged"] = ingRes.Unchanged

	var detRes detect.Result
	var detErr error
	if ingErr == nil {
		detRes, detErr = p.detector.Run(ctx)
		sum.Processed += detRes.Detected
		sum.Failed += detRes.Failed
		sum.Detail["changes_detected"] = detRes.Detected

		embedded, failed := p.embedChanges(ctx, detRes.Inserted)
		sum.Failed += failed
		sum.Detail["chunks_embedded"] = embedded
	}

	if err := p.store.FinishRun(ctx, sum); err != nil {
		p.logf("finish run %s: %v", runID, err)
	}

	switch {
	case ingErr != nil:
		return sum, fmt.Errorf("ingest: %w", ingErr)
	case detErr != nil:
		return sum, fmt.Errorf("detect: %w", detErr)
	}
	p.logf("pipeline run %s: snapshots=%d changes=%d failed=%d", runID, ingRes.Created, detRes.Detected, sum.Failed)
	return sum, nil
}

// embedChanges indexes the new snapshot text and, when enabled, the inserted
// delta for every change created in this pass. Embedding trouble never fails
// the run.
func (p *Pipeline) embedChanges(ctx context.Context, changes []store.Change) (embedded, failed int) {
	if p.indexer == nil {
		return 0, 0
	}
	for _, ch := range changes {
		if ctx.Err() != nil {
			return embedded, failed
		}
		n, err := p.embedOne(ctx, ch)
		if err != nil {
			failed++
			p.logf("embed change=%d source=%d: %v", ch.ID, ch.SourceID, err)
			continue
		}
		embedded += n
	}
	return embedded, failed
}

func (p *Pipeline) embedOne(ctx context.Context, ch store.Change) (int, error) {
	var hashes struct {
		PrevHash string `json:"prev_hash"`
		NewHash  string `json:"new_hash"`
	}
	if err := json.Unmarshal(ch.DiffJSON, &hashes); err != nil {
		return 0, fmt.Errorf("decode diff: %w", err)
	}

	newText, err := p.store.GetSnapshotText(ctx, ch.NewSnapshotID)
	if err != nil {
		return 0, fmt.Errorf("new snapshot text: %w", err)
	}
	total, err := p.indexer.Index(ctx, ch.SourceID, hashes.NewHash, store.ChunkKindSnapshot, newText)
	if err != nil {
		return 0, fmt.Errorf("index snapshot: %w", err)
	}

	if p.embedDeltas {
		prevText, err := p.store.GetSnapshotText(ctx, ch.PrevSnapshotID)
		if err != nil {
			return total, fmt.Errorf("prev snapshot text: %w", err)
		}
		delta := helpers.InsertedLines(prevText, newText)
		if delta != "" {
			n, err := p.indexer.Index(ctx, ch.SourceID, hashes.NewHash, store.ChunkKindDelta, helpers.TruncateMiddle(delta, p.deltaMax))
			if err != nil {
				return total, fmt.Errorf("index delta: %w", err)
			}
			total += n
		}
	}
	return total, nil
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
