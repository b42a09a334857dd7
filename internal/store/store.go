package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Store wraps the Postgres content store. Uniqueness constraints on changes
// and insights are the concurrency boundary: racing writers converge through
// upserts rather than in-process locking.
type Store struct {
	DB *sql.DB
}

// VectorChunk kinds persisted in vector_chunks.
const (
	ChunkKindSnapshot = "snapshot"
	ChunkKindBaseline = "baseline"
	ChunkKindDelta    = "delta"
)

// Pipeline run kinds persisted in pipeline_runs.
const (
	RunKindPipeline = "pipeline"
	RunKindInsights = "insights"
)

// InsightSchemaVersion is the current shape of the insight payload.
const InsightSchemaVersion = 2

// Source is a monitored document endpoint. Created by seeding/discovery;
// read-only to the pipeline.
type Source struct {
	ID        int64
	Name      string
	URL       string
	Active    bool
	CreatedAt time.Time
}

// Snapshot is an immutable capture of a source's cleaned text.
type Snapshot struct {
	ID          int64
	SourceID    int64
	FetchedAt   time.Time
	ContentHash string
	CleanText   string
}

// Change records a detected transition between two snapshots of one source.
// A baseline change has PrevSnapshotID == NewSnapshotID.
type Change struct {
	ID             int64
	SourceID       int64
	URL            string
	PrevSnapshotID int64
	NewSnapshotID  int64
	DiffJSON       json.RawMessage
	CreatedAt      time.Time
}

// IsBaseline reports whether the change is a synthetic first-sight baseline.
func (c Change) IsBaseline() bool { return c.PrevSnapshotID == c.NewSnapshotID }

// Insight is the LLM-derived analysis of one change. RiskScore nil defers to
// the store-side default.
type Insight struct {
	ID                 int64
	ChangeID           int64
	AgentName          string
	Title              string
	Summary            string
	Category           string
	AffectedSignals    []string
	RecommendedActions []string
	RiskScore          *int
	Confidence         float64
	SchemaVersion      int
	CreatedAt          time.Time
}

// VectorChunk is one embedded slice of a snapshot's or delta's text.
type VectorChunk struct {
	SourceID    int64
	SnapshotSHA string
	Kind        string
	ChunkIndex  int
	ChunkText   string
	Embedding   []float32
}

// VectorSearchResult is a nearest-neighbour hit on vector_chunks.
type VectorSearchResult struct {
	SourceID    int64
	SnapshotSHA string
	Kind        string
	ChunkIndex  int
	ChunkText   string
	Distance    float64
}

// RunSummary captures per-run counters persisted to pipeline_runs.
type RunSummary struct {
	ID        string
	Kind      string
	Processed int
	Skipped   int
	Failed    int
	Detail    map[string]interface{}
}

// New constructs a Store from DATABASE_URL / POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying pool. The store is opened once per run and
// closed at run end.
func (s *Store) Close() error { return s.DB.Close() }

// UpsertSource inserts a source or refreshes its name, keyed by URL.
func (s *Store) UpsertSource(ctx context.Context, name, url string, active bool) (int64, error) {
	if strings.TrimSpace(url) == "" {
		return 0, fmt.Errorf("source url required")
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO sources (name, url, active)
VALUES ($1,$2,$3)
ON CONFLICT (url) DO UPDATE SET
  name = EXCLUDED.name,
  active = EXCLUDED.active
RETURNING id;
`, name, url, active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert source: %w", err)
	}
	return id, nil
}

// ListActiveSources returns all sources currently being monitored.
func (s *Store) ListActiveSources(ctx context.Context) ([]Source, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, name, url, active, created_at FROM sources WHERE active = TRUE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.Name, &src.URL, &src.Active, &src.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// InsertSnapshot appends an immutable snapshot row and returns its id.
func (s *Store) InsertSnapshot(ctx context.Context, sourceID int64, contentHash, cleanText, rawHTML string) (int64, error) {
	if contentHash == "" {
		return 0, fmt.Errorf("content hash required")
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO snapshots (source_id, content_hash, clean_text, raw_html, fetched_at)
VALUES ($1,$2,$3,NULLIF($4,''),NOW())
RETURNING id;
`, sourceID, contentHash, cleanText, rawHTML).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return id, nil
}

// LatestSnapshots returns up to limit most recent snapshots for a source,
// newest first. Text is not loaded; use GetSnapshotText.
func (s *Store) LatestSnapshots(ctx context.Context, sourceID int64, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 2
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, source_id, fetched_at, content_hash
FROM snapshots
WHERE source_id = $1
ORDER BY fetched_at DESC
LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.SourceID, &snap.FetchedAt, &snap.ContentHash); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// GetSnapshotText returns the cleaned text for a snapshot, or "" when the
// snapshot does not exist.
func (s *Store) GetSnapshotText(ctx context.Context, snapshotID int64) (string, error) {
	var text string
	err := s.DB.QueryRowContext(ctx, `SELECT clean_text FROM snapshots WHERE id = $1`, snapshotID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// UpsertChange records a detected change keyed by (source_id, new_snapshot_id)
// so re-running detection over unchanged data is a no-op. It reports whether a
// new row was inserted.
func (s *Store) UpsertChange(ctx context.Context, c Change) (bool, error) {
	diff := c.DiffJSON
	if len(diff) == 0 {
		diff = []byte("{}")
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO changes (source_id, prev_snapshot_id, new_snapshot_id, diff_json, created_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (source_id, new_snapshot_id) DO NOTHING
RETURNING id;
`, c.SourceID, c.PrevSnapshotID, c.NewSnapshotID, []byte(diff)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert change: %w", err)
	}
	return true, nil
}

// ListChangesWithoutInsight returns the most recent changes that do not yet
// have an insight row, joined with the owning source URL.
func (s *Store) ListChangesWithoutInsight(ctx context.Context, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT c.id, c.source_id, s.url, c.prev_snapshot_id, c.new_snapshot_id, c.diff_json, c.created_at
FROM changes c
JOIN sources s ON s.id = c.source_id
LEFT JOIN insights i ON i.change_id = c.id
WHERE i.id IS NULL
ORDER BY c.created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Change
	for rows.Next() {
		var (
			ch   Change
			diff []byte
		)
		if err := rows.Scan(&ch.ID, &ch.SourceID, &ch.URL, &ch.PrevSnapshotID, &ch.NewSnapshotID, &diff, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.DiffJSON = diff
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ListBaselineCandidates returns the latest snapshot id per source for every
// source that has at least one snapshot and zero changes.
func (s *Store) ListBaselineCandidates(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT ON (sn.source_id) sn.source_id, sn.id
FROM snapshots sn
WHERE NOT EXISTS (SELECT 1 FROM changes c WHERE c.source_id = sn.source_id)
ORDER BY sn.source_id, sn.fetched_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]int64)
	for rows.Next() {
		var sourceID, snapshotID int64
		if err := rows.Scan(&sourceID, &snapshotID); err != nil {
			return nil, err
		}
		out[sourceID] = snapshotID
	}
	return out, rows.Err()
}

// UpsertInsight persists exactly one insight per change; reruns replace the
// previous analysis instead of duplicating it. A nil RiskScore defers to the
// column default.
func (s *Store) UpsertInsight(ctx context.Context, in Insight) error {
	if in.ChangeID == 0 {
		return fmt.Errorf("change_id required")
	}
	signals, err := json.Marshal(emptyIfNil(in.AffectedSignals))
	if err != nil {
		return fmt.Errorf("marshal affected_signals: %w", err)
	}
	actions, err := json.Marshal(emptyIfNil(in.RecommendedActions))
	if err != nil {
		return fmt.Errorf("marshal recommended_actions: %w", err)
	}
	version := in.SchemaVersion
	if version == 0 {
		version = InsightSchemaVersion
	}
	var risk sql.NullInt64
	if in.RiskScore != nil {
		risk = sql.NullInt64{Int64: int64(*in.RiskScore), Valid: true}
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO insights (change_id, agent_name, title, summary, category, affected_signals, recommended_actions, risk_score, confidence, schema_version, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,COALESCE($8,3),$9,$10,NOW())
ON CONFLICT (change_id) DO UPDATE SET
  agent_name = EXCLUDED.agent_name,
  title = EXCLUDED.title,
  summary = EXCLUDED.summary,
  category = EXCLUDED.category,
  affected_signals = EXCLUDED.affected_signals,
  recommended_actions = EXCLUDED.recommended_actions,
  risk_score = EXCLUDED.risk_score,
  confidence = EXCLUDED.confidence,
  schema_version = EXCLUDED.schema_version,
  created_at = NOW();
`, in.ChangeID, in.AgentName, in.Title, in.Summary, in.Category, signals, actions, risk, in.Confidence, version)
	if err != nil {
		return fmt.Errorf("upsert insight: %w", err)
	}
	return nil
}

// ListInsights returns the newest insights.
func (s *Store) ListInsights(ctx context.Context, limit int) ([]Insight, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, change_id, agent_name, title, summary, category, affected_signals, recommended_actions, risk_score, confidence, schema_version, created_at
FROM insights
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// GetInsightByChange returns the insight for a change, if any.
func (s *Store) GetInsightByChange(ctx context.Context, changeID int64) (Insight, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, change_id, agent_name, title, summary, category, affected_signals, recommended_actions, risk_score, confidence, schema_version, created_at
FROM insights
WHERE change_id = $1`, changeID)
	in, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Insight{}, false, nil
	}
	if err != nil {
		return Insight{}, false, err
	}
	return in, true, nil
}

// UpsertVectorChunks stores a batch of embedded chunks keyed on the four-part
// uniqueness constraint; re-embedding identical content is idempotent.
func (s *Store) UpsertVectorChunks(ctx context.Context, chunks []VectorChunk) (err error) {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO vector_chunks (source_id, snapshot_sha, kind, chunk_index, chunk_text, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6::vector,NOW())
ON CONFLICT (source_id, snapshot_sha, kind, chunk_index) DO UPDATE SET
  chunk_text = EXCLUDED.chunk_text,
  embedding = EXCLUDED.embedding;
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if c.Kind == "" {
			return fmt.Errorf("chunk kind required")
		}
		lit, encErr := encodeVectorLiteral(c.Embedding)
		if encErr != nil {
			return fmt.Errorf("chunk %d: %w", c.ChunkIndex, encErr)
		}
		if _, err = stmt.ExecContext(ctx, c.SourceID, c.SnapshotSHA, c.Kind, c.ChunkIndex, c.ChunkText, lit); err != nil {
			return fmt.Errorf("upsert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return nil
}

// SearchVectorChunks returns the nearest chunks to the query vector, with
// optional source and kind filters. sourceID 0 and kind "" match everything.
func (s *Store) SearchVectorChunks(ctx context.Context, vector []float32, topK int, sourceID int64, kind string) ([]VectorSearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 5
	}
	lit, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT source_id, snapshot_sha, kind, chunk_index, chunk_text, embedding <=> $1::vector AS distance
FROM vector_chunks
WHERE ($2 = 0 OR source_id = $2)
  AND ($3 = '' OR kind = $3)
ORDER BY embedding <=> $1::vector
LIMIT $4`, lit, sourceID, kind, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VectorSearchResult
	for rows.Next() {
		var res VectorSearchResult
		if err := rows.Scan(&res.SourceID, &res.SnapshotSHA, &res.Kind, &res.ChunkIndex, &res.ChunkText, &res.Distance); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// CreateRun inserts a pipeline_runs row and returns its id.
func (s *Store) CreateRun(ctx context.Context, kind string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO pipeline_runs (id, kind, started_at) VALUES ($1,$2,NOW())`, id, kind)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// FinishRun records the final counters for a pipeline run.
func (s *Store) FinishRun(ctx context.Context, sum RunSummary) error {
	detail := sum.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detailBytes, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal run detail: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE pipeline_runs SET finished_at = NOW(), processed = $2, skipped = $3, failed = $4, detail = $5
WHERE id = $1`, sum.ID, sum.Processed, sum.Skipped, sum.Failed, detailBytes)
	return err
}

// LastFinishedRun returns the completion time of the newest finished run of
// the given kind, or nil when none exists.
func (s *Store) LastFinishedRun(ctx context.Context, kind string) (*time.Time, error) {
	var t time.Time
	err := s.DB.QueryRowContext(ctx, `
SELECT finished_at FROM pipeline_runs
WHERE kind = $1 AND finished_at IS NOT NULL
ORDER BY finished_at DESC
LIMIT 1`, kind).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInsight(row rowScanner) (Insight, error) {
	var (
		in      Insight
		signals []byte
		actions []byte
		risk    int
	)
	if err := row.Scan(&in.ID, &in.ChangeID, &in.AgentName, &in.Title, &in.Summary, &in.Category, &signals, &actions, &risk, &in.Confidence, &in.SchemaVersion, &in.CreatedAt); err != nil {
		return Insight{}, err
	}
	in.RiskScore = &risk
	if len(signals) > 0 {
		_ = json.Unmarshal(signals, &in.AffectedSignals)
	}
	if len(actions) > 0 {
		_ = json.Unmarshal(actions, &in.RecommendedActions)
	}
	return in, nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
