package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/oversight-labs/riskwatch/internal/detect"
	"github.com/oversight-labs/riskwatch/internal/ingest"
	"github.com/oversight-labs/riskwatch/internal/store"
)

type fakeRunStore struct {
	texts    map[int64]string
	finished []store.RunSummary
}

func (f *fakeRunStore) CreateRun(context.Context, string) (string, error) {
	return "run-1", nil
}

func (f *fakeRunStore) FinishRun(_ context.Context, sum store.RunSummary) error {
	f.finished = append(f.finished, sum)
	return nil
}

func (f *fakeRunStore) GetSnapshotText(_ context.Context, id int64) (string, error) {
	return f.texts[id], nil
}

type fakeIngestor struct {
	res ingest.Result
	err error
}

func (f *fakeIngestor) Run(context.Context) (ingest.Result, error) { return f.res, f.err }

type fakeDetector struct {
	res detect.Result
	err error
}

func (f *fakeDetector) Run(context.Context) (detect.Result, error) { return f.res, f.err }

type indexCall struct {
	sourceID int64
	sha      string
	kind     string
	text     string
}

type fakeIndexer struct {
	calls []indexCall
	fail  bool
}

func (f *fakeIndexer) Index(_ context.Context, sourceID int64, sha, kind, text string) (int, error) {
	if f.fail {
		return 0, fmt.Errorf("embedding endpoint down")
	}
	f.calls = append(f.calls, indexCall{sourceID, sha, kind, text})
	return 2, nil
}

func mustDiff(t *testing.T, prev, next string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]string{"prev_hash": prev, "new_hash": next})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPipelineEmbedsSnapshotAndDelta(t *testing.T) {
	t.Parallel()
	st := &fakeRunStore{texts: map[int64]string{
		10: "clause one",
		20: "clause one\nclause two added",
	}}
	det := &fakeDetector{res: detect.Result{
		Detected: 1,
		Inserted: []store.Change{{
			ID: 1, SourceID: 3, PrevSnapshotID: 10, NewSnapshotID: 20,
			DiffJSON: mustDiff(t, "aaa", "bbb"),
		}},
	}}
	ix := &fakeIndexer{}

	p := New(st, &fakeIngestor{res: ingest.Result{Created: 1}}, det, ix, nil, true, 12000)
	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(ix.calls) != 2 {
		t.Fatalf("index calls = %d", len(ix.calls))
	}
	snap, delta := ix.calls[0], ix.calls[1]
	if snap.kind != store.ChunkKindSnapshot || snap.sha != "bbb" || snap.sourceID != 3 {
		t.Fatalf("snapshot call = %+v", snap)
	}
	if delta.kind != store.ChunkKindDelta || delta.text != "clause two added" {
		t.Fatalf("delta call = %+v", delta)
	}
	if len(st.finished) != 1 || st.finished[0].Detail["chunks_embedded"] != 4 {
		t.Fatalf("finished = %+v", st.finished)
	}
}

func TestPipelineSkipsDeltaEmbedWhenDisabled(t *testing.T) {
	t.Parallel()
	st := &fakeRunStore{texts: map[int64]string{10: "a", 20: "a\nb"}}
	det := &fakeDetector{res: detect.Result{
		Detected: 1,
		Inserted: []store.Change{{ID: 1, SourceID: 3, PrevSnapshotID: 10, NewSnapshotID: 20, DiffJSON: mustDiff(t, "aaa", "bbb")}},
	}}
	ix := &fakeIndexer{}

	p := New(st, &fakeIngestor{}, det, ix, nil, false, 12000)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ix.calls) != 1 || ix.calls[0].kind != store.ChunkKindSnapshot {
		t.Fatalf("index calls = %+v", ix.calls)
	}
}

func TestPipelineEmbedFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()
	st := &fakeRunStore{texts: map[int64]string{10: "a", 20: "a\nb"}}
	det := &fakeDetector{res: detect.Result{
		Detected: 1,
		Inserted: []store.Change{{ID: 1, SourceID: 3, PrevSnapshotID: 10, NewSnapshotID: 20, DiffJSON: mustDiff(t, "aaa", "bbb")}},
	}}
	ix := &fakeIndexer{fail: true}

	p := New(st, &fakeIngestor{}, det, ix, nil, true, 12000)
	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("embed trouble must not fail the run: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestPipelineIngestFailureStillWritesSummary(t *testing.T) {
	t.Parallel()
	st := &fakeRunStore{texts: map[int64]string{}}
	p := New(st, &fakeIngestor{err: fmt.Errorf("db gone")}, &fakeDetector{}, nil, nil, true, 12000)

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatalf("expected ingest error")
	}
	if len(st.finished) != 1 {
		t.Fatalf("summary must be written on failure, got %d", len(st.finished))
	}
}
