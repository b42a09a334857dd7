package insight

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/oversight-labs/riskwatch/config"
	"github.com/oversight-labs/riskwatch/internal/store"
)

type fakeInsightStore struct {
	mu       sync.Mutex
	pending  []store.Change
	texts    map[int64]string
	insights map[int64]store.Insight
}

func newFakeInsightStore() *fakeInsightStore {
	return &fakeInsightStore{texts: map[int64]string{}, insights: map[int64]store.Insight{}}
}

func (f *fakeInsightStore) ListChangesWithoutInsight(_ context.Context, limit int) ([]store.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Change
	for _, ch := range f.pending {
		if _, done := f.insights[ch.ID]; done {
			continue
		}
		out = append(out, ch)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeInsightStore) GetSnapshotText(_ context.Context, snapshotID int64) (string, error) {
	return f.texts[snapshotID], nil
}

func (f *fakeInsightStore) UpsertInsight(_ context.Context, in store.Insight) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insights[in.ChangeID] = in
	return nil
}

// scriptedProvider answers Complete calls in order and records each prompt.
type scriptedProvider struct {
	replies []string
	calls   int
	prompts []string
	systems []string
}

func (p *scriptedProvider) Complete(_ context.Context, _, system, user string, _ int) (string, error) {
	if p.calls >= len(p.replies) {
		return "", fmt.Errorf("unexpected completion call %d", p.calls)
	}
	reply := p.replies[p.calls]
	p.calls++
	p.systems = append(p.systems, system)
	p.prompts = append(p.prompts, user)
	return reply, nil
}

func (p *scriptedProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("not used")
}

type fakeBootstrapper struct {
	created int
	runs    int
	seed    func()
}

func (f *fakeBootstrapper) Run(context.Context) (int, error) {
	f.runs++
	if f.seed != nil {
		f.seed()
	}
	return f.created, nil
}

func testConfigs() (config.LLMConfig, config.PipelineConfig) {
	return config.LLMConfig{
			TriageModel:   "triage-model",
			AnalysisModel: "analysis-model",
			AgentName:     "riskwatch-agent",
		}, config.PipelineConfig{
			RelevanceThreshold: 70,
			BatchLimit:         25,
			DeltaMaxChars:      12000,
		}
}

func TestGeneratorRelevantChangeGetsFullAnalysis(t *testing.T) {
	t.Parallel()
	st := newFakeInsightStore()
	st.pending = []store.Change{{ID: 1, SourceID: 1, URL: "https://example.com/tos", PrevSnapshotID: 10, NewSnapshotID: 20}}
	st.texts[10] = "Section 4\nRefunds within 30 days"
	st.texts[20] = "Section 4\nRefunds within 30 days\nService may be suspended without notice"

	llm := &scriptedProvider{replies: []string{
		"```json\n{\"is_relevant\": true, \"relevance_score\": 88, \"primary_theme\": \"commercial\", \"reasons\": [\"new suspension clause\"], \"what_changed_hint\": \"added suspension language\"}\n```",
		`{"title":"Suspension clause added","summary":"The provider may now suspend service without notice.","category":"commercial","affected_signals":["service availability"],"recommended_actions":["review contract"],"risk_score":4,"confidence":0.8}`,
	}}

	llmCfg, pipeCfg := testConfigs()
	g := NewGenerator(st, llm, nil, nil, llmCfg, pipeCfg)
	res, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Created != 1 || res.Placeholders != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if llm.calls != 2 {
		t.Fatalf("expected triage + analysis, got %d calls", llm.calls)
	}
	// The analysis prompt must carry only the inserted lines, not the whole page.
	if !strings.Contains(llm.prompts[1], "suspended without notice") {
		t.Fatalf("analysis prompt missing delta: %q", llm.prompts[1])
	}
	if strings.Contains(llm.prompts[1], "Refunds within 30 days") {
		t.Fatalf("analysis prompt leaked unchanged lines: %q", llm.prompts[1])
	}

	in := st.insights[1]
	if in.Title != "Suspension clause added" || in.RiskScore == nil || *in.RiskScore != 4 {
		t.Fatalf("insight = %+v", in)
	}
	if in.SchemaVersion != store.InsightSchemaVersion || in.AgentName != "riskwatch-agent" {
		t.Fatalf("insight metadata = %+v", in)
	}
}

func TestGeneratorTriageGateSkipsAnalysis(t *testing.T) {
	t.Parallel()
	st := newFakeInsightStore()
	st.pending = []store.Change{{ID: 2, SourceID: 1, URL: "https://example.com/a", PrevSnapshotID: 10, NewSnapshotID: 20}}
	st.texts[10] = "old"
	st.texts[20] = "old\ncopyright year updated"

	llm := &scriptedProvider{replies: []string{
		`{"is_relevant": false, "relevance_score": 12, "primary_theme": "cosmetic", "what_changed_hint": "footer year bumped"}`,
	}}

	llmCfg, pipeCfg := testConfigs()
	g := NewGenerator(st, llm, nil, nil, llmCfg, pipeCfg)
	res, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Placeholders != 1 || res.Created != 0 {
		t.Fatalf("result = %+v", res)
	}
	if llm.calls != 1 {
		t.Fatalf("analysis must not run after a failed triage, calls=%d", llm.calls)
	}
	in := st.insights[2]
	if in.RiskScore == nil || *in.RiskScore != 1 || in.Confidence != 0.55 {
		t.Fatalf("placeholder = %+v", in)
	}
	if in.Category != "cosmetic" || !strings.Contains(in.Summary, "footer year bumped") {
		t.Fatalf("placeholder body = %+v", in)
	}
}

func TestGeneratorScoreBelowThresholdIsPlaceholder(t *testing.T) {
	t.Parallel()
	st := newFakeInsightStore()
	st.pending = []store.Change{{ID: 3, SourceID: 1, URL: "https://example.com/a", PrevSnapshotID: 10, NewSnapshotID: 20}}
	st.texts[10] = "old"
	st.texts[20] = "old\nminor tweak"

	// is_relevant true but the score sits under the threshold: still gated.
	llm := &scriptedProvider{replies: []string{
		`{"is_relevant": true, "relevance_score": 69, "primary_theme": "other"}`,
	}}

	llmCfg, pipeCfg := testConfigs()
	g := NewGenerator(st, llm, nil, nil, llmCfg, pipeCfg)
	res, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Placeholders != 1 || llm.calls != 1 {
		t.Fatalf("result = %+v calls=%d", res, llm.calls)
	}
}

func TestGeneratorClampsOutOfRangeFields(t *testing.T) {
	t.Parallel()
	st := newFakeInsightStore()
	st.pending = []store.Change{{ID: 4, SourceID: 1, URL: "https://example.com/a", PrevSnapshotID: 10, NewSnapshotID: 20}}
	st.texts[10] = "old"
	st.texts[20] = "old\nbreach disclosed"

	actions := make([]string, 9)
	for i := range actions {
		actions[i] = fmt.Sprintf("\"action %d %s\"", i, strings.Repeat("x", 300))
	}
	llm := &scriptedProvider{replies: []string{
		`{"is_relevant": true, "relevance_score": 95, "primary_theme": "security"}`,
		fmt.Sprintf(`{"title":"Breach","summary":"A breach was disclosed.","category":"security","recommended_actions":[%s],"risk_score":9,"confidence":1.7}`,
			strings.Join(actions, ",")),
	}}

	llmCfg, pipeCfg := testConfigs()
	g := NewGenerator(st, llm, nil, nil, llmCfg, pipeCfg)
	if _, err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	in := st.insights[4]
	if in.RiskScore == nil || *in.RiskScore != 5 {
		t.Fatalf("risk must clamp to 5, got %v", in.RiskScore)
	}
	if in.Confidence != 1.0 {
		t.Fatalf("confidence must clamp to 1.0, got %v", in.Confidence)
	}
	if len(in.RecommendedActions) != 5 {
		t.Fatalf("actions must clamp to 5, got %d", len(in.RecommendedActions))
	}
	for _, a := range in.RecommendedActions {
		if len(a) > 200 {
			t.Fatalf("action exceeds 200 chars: %d", len(a))
		}
	}
}

func TestGeneratorBaselineUsesFirstCapturePrompt(t *testing.T) {
	t.Parallel()
	st := newFakeInsightStore()
	st.pending = []store.Change{{ID: 5, SourceID: 1, URL: "https://example.com/policy", PrevSnapshotID: 20, NewSnapshotID: 20}}
	st.texts[20] = "Data retention policy\nRecords are kept for seven years"

	llm := &scriptedProvider{replies: []string{
		`{"is_relevant": true, "relevance_score": 80, "primary_theme": "regulatory"}`,
		`{"title":"Retention policy baseline","summary":"Covers a seven year retention window.","category":"regulatory","confidence":0.7}`,
	}}

	llmCfg, pipeCfg := testConfigs()
	g := NewGenerator(st, llm, nil, nil, llmCfg, pipeCfg)
	res, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(llm.prompts[0], "first capture") {
		t.Fatalf("triage prompt must flag the baseline: %q", llm.prompts[0])
	}
	if !strings.Contains(llm.systems[1], "FIRST capture") {
		t.Fatalf("analysis must use the baseline system prompt")
	}
	// No risk_score in the reply: the store applies its default, so nil here.
	if st.insights[5].RiskScore != nil {
		t.Fatalf("absent risk must stay nil, got %v", *st.insights[5].RiskScore)
	}
}

func TestGeneratorMalformedJSONCountsAsFailure(t *testing.T) {
	t.Parallel()
	st := newFakeInsightStore()
	st.pending = []store.Change{
		{ID: 6, SourceID: 1, URL: "https://example.com/a", PrevSnapshotID: 10, NewSnapshotID: 20},
		{ID: 7, SourceID: 2, URL: "https://example.com/b", PrevSnapshotID: 11, NewSnapshotID: 21},
	}
	st.texts[10], st.texts[20] = "old", "old\nchanged a"
	st.texts[11], st.texts[21] = "old", "old\nchanged b"

	llm := &scriptedProvider{replies: []string{
		"I could not produce JSON for this one, sorry.",
		`{"is_relevant": false, "relevance_score": 5, "primary_theme": "other"}`,
	}}

	llmCfg, pipeCfg := testConfigs()
	g := NewGenerator(st, llm, nil, nil, llmCfg, pipeCfg)
	res, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 1 || res.Placeholders != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := st.insights[6]; ok {
		t.Fatalf("failed change must not get an insight row")
	}
}

func TestGeneratorTriageMissingVerdictFieldsIsFailure(t *testing.T) {
	t.Parallel()
	st := newFakeInsightStore()
	st.pending = []store.Change{{ID: 9, SourceID: 1, URL: "https://example.com/a", PrevSnapshotID: 10, NewSnapshotID: 20}}
	st.texts[10], st.texts[20] = "old", "old\nchanged"

	// Valid JSON, but no verdict: must not be persisted as a placeholder.
	llm := &scriptedProvider{replies: []string{`{"primary_theme": "other"}`}}

	llmCfg, pipeCfg := testConfigs()
	g := NewGenerator(st, llm, nil, nil, llmCfg, pipeCfg)
	res, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 1 || res.Placeholders != 0 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := st.insights[9]; ok {
		t.Fatalf("verdict-less reply must leave the change pending")
	}
}

func TestGeneratorEmptySummaryGetsFixedDefault(t *testing.T) {
	t.Parallel()
	st := newFakeInsightStore()
	st.pending = []store.Change{{ID: 10, SourceID: 1, URL: "https://example.com/a", PrevSnapshotID: 10, NewSnapshotID: 20}}
	st.texts[10], st.texts[20] = "old", "old\nchanged"

	// Neither the analysis summary nor the triage hint carries text.
	llm := &scriptedProvider{replies: []string{
		`{"is_relevant": true, "relevance_score": 90, "primary_theme": "security"}`,
		`{"title":"Something moved","category":"security","confidence":0.6}`,
	}}

	llmCfg, pipeCfg := testConfigs()
	g := NewGenerator(st, llm, nil, nil, llmCfg, pipeCfg)
	if _, err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	in := st.insights[10]
	if in.Summary == "" {
		t.Fatalf("summary must never be empty")
	}
	if in.Summary != "The analysis returned no summary for this change." {
		t.Fatalf("summary = %q", in.Summary)
	}
}

func TestGeneratorBootstrapsWhenQueueEmpty(t *testing.T) {
	t.Parallel()
	st := newFakeInsightStore()
	st.texts[30] = "Status page\nAll systems operational"

	boot := &fakeBootstrapper{created: 1}
	boot.seed = func() {
		st.pending = []store.Change{{ID: 8, SourceID: 3, URL: "https://status.example.com", PrevSnapshotID: 30, NewSnapshotID: 30}}
	}
	llm := &scriptedProvider{replies: []string{
		`{"is_relevant": true, "relevance_score": 75, "primary_theme": "availability"}`,
		`{"title":"Status baseline","summary":"All systems operational at first capture.","category":"availability","risk_score":1,"confidence":0.9}`,
	}}

	llmCfg, pipeCfg := testConfigs()
	g := NewGenerator(st, llm, boot, nil, llmCfg, pipeCfg)
	res, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if boot.runs != 1 || res.Bootstrapped != 1 || res.Created != 1 {
		t.Fatalf("result = %+v runs=%d", res, boot.runs)
	}
}
