package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/oversight-labs/riskwatch/internal/store"
	"github.com/oversight-labs/riskwatch/internal/telemetry"
)

// SnapshotStore is the slice of the content store the detector reads from
// and writes changes into.
type SnapshotStore interface {
	ListActiveSources(ctx context.Context) ([]store.Source, error)
	LatestSnapshots(ctx context.Context, sourceID int64, limit int) ([]store.Snapshot, error)
	UpsertChange(ctx context.Context, c store.Change) (bool, error)
}

// Detector compares the two most recent snapshots per source and records a
// change row whenever the content hashes differ. The (source, new snapshot)
// unique key in the store makes repeated runs idempotent.
type Detector struct {
	store  SnapshotStore
	logger *log.Logger
}

func NewDetector(st SnapshotStore, logger *log.Logger) *Detector {
	return &Detector{store: st, logger: logger}
}

// Result reports what one detection pass did. Inserted carries the change
// rows created in this pass so downstream stages can embed their deltas
// without re-querying.
type Result struct {
	Scanned  int
	Detected int
	Skipped  int
	Failed   int
	Inserted []store.Change
}

// Run scans every active source once. Per-source failures are logged and
// counted, never fatal for the pass.
func (d *Detector) Run(ctx context.Context) (Result, error) {
	sources, err := d.store.ListActiveSources(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list sources: %w", err)
	}

	var res Result
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++
		change, inserted, err := d.detectOne(ctx, src)
		switch {
		case err != nil:
			res.Failed++
			d.logf("detect source=%d url=%s: %v", src.ID, src.URL, err)
		case inserted:
			res.Detected++
			res.Inserted = append(res.Inserted, change)
			telemetry.ChangesDetected.Inc()
		default:
			res.Skipped++
		}
	}
	return res, nil
}

func (d *Detector) detectOne(ctx context.Context, src store.Source) (store.Change, bool, error) {
	snaps, err := d.store.LatestSnapshots(ctx, src.ID, 2)
	if err != nil {
		return store.Change{}, false, fmt.Errorf("latest snapshots: %w", err)
	}
	if len(snaps) < 2 {
		return store.Change{}, false, nil
	}
	newest, prev := snaps[0], snaps[1]
	if newest.ContentHash == prev.ContentHash {
		return store.Change{}, false, nil
	}

	diff, err := json.Marshal(map[string]string{
		"prev_hash": prev.ContentHash,
		"new_hash":  newest.ContentHash,
	})
	if err != nil {
		return store.Change{}, false, fmt.Errorf("encode diff: %w", err)
	}
	change := store.Change{
		SourceID:       src.ID,
		URL:            src.URL,
		PrevSnapshotID: prev.ID,
		NewSnapshotID:  newest.ID,
		DiffJSON:       diff,
	}
	inserted, err := d.store.UpsertChange(ctx, change)
	if err != nil {
		return store.Change{}, false, fmt.Errorf("upsert change: %w", err)
	}
	if inserted {
		d.logf("change detected source=%d url=%s prev=%d new=%d", src.ID, src.URL, prev.ID, newest.ID)
	}
	return change, inserted, nil
}

func (d *Detector) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
