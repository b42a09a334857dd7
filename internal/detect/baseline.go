package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/oversight-labs/riskwatch/internal/store"
)

// baselineDiff marks a self-referential change row produced by the
// bootstrapper. The authoritative baseline signal is prev == new on the
// snapshot ids; the diff payload is informational.
var baselineDiff = json.RawMessage(`{"type":"baseline"}`)

// BaselineStore is the store slice the bootstrapper needs.
type BaselineStore interface {
	ListBaselineCandidates(ctx context.Context) (map[int64]int64, error)
	UpsertChange(ctx context.Context, c store.Change) (bool, error)
}

// Bootstrapper seeds one baseline change per source that has snapshots but no
// change rows yet, so the insight stage always has material for a first
// assessment instead of waiting for the page to move.
type Bootstrapper struct {
	store  BaselineStore
	logger *log.Logger
}

func NewBootstrapper(st BaselineStore, logger *log.Logger) *Bootstrapper {
	return &Bootstrapper{store: st, logger: logger}
}

// Run inserts a prev==new change for every candidate source and returns how
// many rows were actually created. Already-bootstrapped sources conflict on
// the unique key and count as zero.
func (b *Bootstrapper) Run(ctx context.Context) (int, error) {
	candidates, err := b.store.ListBaselineCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list baseline candidates: %w", err)
	}

	created := 0
	for sourceID, snapshotID := range candidates {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		inserted, err := b.store.UpsertChange(ctx, store.Change{
			SourceID:       sourceID,
			PrevSnapshotID: snapshotID,
			NewSnapshotID:  snapshotID,
			DiffJSON:       baselineDiff,
		})
		if err != nil {
			return created, fmt.Errorf("bootstrap source=%d: %w", sourceID, err)
		}
		if inserted {
			created++
			if b.logger != nil {
				b.logger.Printf("baseline bootstrapped source=%d snapshot=%d", sourceID, snapshotID)
			}
		}
	}
	return created, nil
}
