package insight

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/oversight-labs/riskwatch/config"
	"github.com/oversight-labs/riskwatch/internal/helpers"
	"github.com/oversight-labs/riskwatch/internal/store"
	"github.com/oversight-labs/riskwatch/internal/telemetry"
	"github.com/oversight-labs/riskwatch/provider"
)

const (
	triageMaxTokens   = 600
	analysisMaxTokens = 1200
)

// InsightStore is the store slice the generator reads changes from and
// writes insights into.
type InsightStore interface {
	ListChangesWithoutInsight(ctx context.Context, limit int) ([]store.Change, error)
	GetSnapshotText(ctx context.Context, snapshotID int64) (string, error)
	UpsertInsight(ctx context.Context, in store.Insight) error
}

// Bootstrapper seeds baseline changes when no pending work exists. Optional.
type Bootstrapper interface {
	Run(ctx context.Context) (int, error)
}

// Generator turns pending change rows into insight rows with a two-stage
// model conversation: a cheap triage screen, then a full analysis only for
// changes that clear the relevance threshold. Low-relevance changes still get
// a placeholder insight so they are never re-examined.
type Generator struct {
	store       InsightStore
	llm         provider.Provider
	bootstrap   Bootstrapper
	logger      *log.Logger
	agentName   string
	triageModel string
	analysModel string
	threshold   int
	batchLimit  int
	pacing      time.Duration
	deltaMax    int
}

func NewGenerator(st InsightStore, llm provider.Provider, bootstrap Bootstrapper, logger *log.Logger, llmCfg config.LLMConfig, pipeCfg config.PipelineConfig) *Generator {
	threshold := pipeCfg.RelevanceThreshold
	if threshold <= 0 {
		threshold = 70
	}
	batch := pipeCfg.BatchLimit
	if batch <= 0 {
		batch = 25
	}
	deltaMax := pipeCfg.DeltaMaxChars
	if deltaMax <= 0 {
		deltaMax = 12000
	}
	return &Generator{
		store:       st,
		llm:         llm,
		bootstrap:   bootstrap,
		logger:      logger,
		agentName:   llmCfg.AgentName,
		triageModel: llmCfg.TriageModel,
		analysModel: llmCfg.AnalysisModel,
		threshold:   threshold,
		batchLimit:  batch,
		pacing:      pipeCfg.Pacing,
		deltaMax:    deltaMax,
	}
}

// Result reports one generation pass.
type Result struct {
	Pending      int
	Created      int
	Placeholders int
	Failed       int
	Bootstrapped int
}

// Run processes one batch of pending changes. When the queue is empty it
// bootstraps baseline changes and looks again once, so a fresh database
// produces first-capture insights on the very first pass.
func (g *Generator) Run(ctx context.Context) (Result, error) {
	var res Result

	changes, err := g.store.ListChangesWithoutInsight(ctx, g.batchLimit)
	if err != nil {
		return res, fmt.Errorf("list pending changes: %w", err)
	}
	if len(changes) == 0 && g.bootstrap != nil {
		created, err := g.bootstrap.Run(ctx)
		if err != nil {
			return res, fmt.Errorf("bootstrap baselines: %w", err)
		}
		res.Bootstrapped = created
		if created > 0 {
			if changes, err = g.store.ListChangesWithoutInsight(ctx, g.batchLimit); err != nil {
				return res, fmt.Errorf("list pending changes: %w", err)
			}
		}
	}
	res.Pending = len(changes)

	for i, ch := range changes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if i > 0 && g.pacing > 0 {
			select {
			case <-time.After(g.pacing):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}

		placeholder, err := g.processChange(ctx, ch)
		switch {
		case err != nil:
			res.Failed++
			telemetry.InsightFailures.Inc()
			g.logf("insight change=%d url=%s: %v", ch.ID, ch.URL, err)
		case placeholder:
			res.Placeholders++
			telemetry.InsightsSkipped.Inc()
		default:
			res.Created++
			telemetry.InsightsCreated.Inc()
		}
	}
	return res, nil
}

// processChange runs the two-stage conversation for one change and persists
// the resulting insight. It reports whether the insight was a low-relevance
// placeholder.
func (g *Generator) processChange(ctx context.Context, ch store.Change) (bool, error) {
	material, err := g.buildMaterial(ctx, ch)
	if err != nil {
		return false, err
	}

	verdict, err := g.triage(ctx, ch, material)
	if err != nil {
		return false, err
	}
	if !verdict.IsRelevant || verdict.RelevanceScore < g.threshold {
		in := placeholderInsight(ch, g.agentName, verdict)
		if err := g.store.UpsertInsight(ctx, in); err != nil {
			return false, fmt.Errorf("upsert placeholder: %w", err)
		}
		g.logf("placeholder change=%d score=%d theme=%q", ch.ID, verdict.RelevanceScore, verdict.PrimaryTheme)
		return true, nil
	}

	analysis, err := g.analyze(ctx, ch, material, verdict)
	if err != nil {
		return false, err
	}
	in := analyzedInsight(ch, g.agentName, verdict, analysis)
	if err := g.store.UpsertInsight(ctx, in); err != nil {
		return false, fmt.Errorf("upsert insight: %w", err)
	}
	g.logf("insight change=%d title=%q risk=%v", ch.ID, in.Title, derefRisk(in.RiskScore))
	return false, nil
}

// buildMaterial assembles the prompt text: the full snapshot for a baseline
// change, inserted lines for a regular one. Reorders and deletions produce an
// empty delta, so the new text stands in to keep the model grounded.
func (g *Generator) buildMaterial(ctx context.Context, ch store.Change) (string, error) {
	newText, err := g.store.GetSnapshotText(ctx, ch.NewSnapshotID)
	if err != nil {
		return "", fmt.Errorf("new snapshot text: %w", err)
	}
	if newText == "" {
		return "", fmt.Errorf("snapshot %d has no text", ch.NewSnapshotID)
	}
	if ch.IsBaseline() {
		return helpers.TruncateMiddle(newText, g.deltaMax), nil
	}

	prevText, err := g.store.GetSnapshotText(ctx, ch.PrevSnapshotID)
	if err != nil {
		return "", fmt.Errorf("prev snapshot text: %w", err)
	}
	delta := helpers.InsertedLines(prevText, newText)
	if delta == "" {
		delta = newText
	}
	return helpers.TruncateMiddle(delta, g.deltaMax), nil
}

func (g *Generator) triage(ctx context.Context, ch store.Change, material string) (triageVerdict, error) {
	started := time.Now()
	raw, err := g.llm.Complete(ctx, g.triageModel, triageSystemPrompt, triageUserPrompt(ch.URL, material, ch.IsBaseline()), triageMaxTokens)
	telemetry.LLMLatency.WithLabelValues("triage").Observe(time.Since(started).Seconds())
	if err != nil {
		return triageVerdict{}, fmt.Errorf("triage: %w", err)
	}
	return parseTriage(raw)
}

func (g *Generator) analyze(ctx context.Context, ch store.Change, material string, verdict triageVerdict) (analysisResult, error) {
	system := analysisSystemPrompt
	if ch.IsBaseline() {
		system = baselineSystemPrompt
	}
	started := time.Now()
	raw, err := g.llm.Complete(ctx, g.analysModel, system, analysisUserPrompt(ch.URL, material, verdict), analysisMaxTokens)
	telemetry.LLMLatency.WithLabelValues("analysis").Observe(time.Since(started).Seconds())
	if err != nil {
		return analysisResult{}, fmt.Errorf("analyze: %w", err)
	}
	return parseAnalysis(raw)
}

// placeholderInsight records a screened-out change so it never re-enters the
// queue. Risk is pinned to the floor and confidence reflects a triage-only
// judgement.
func placeholderInsight(ch store.Change, agentName string, verdict triageVerdict) store.Insight {
	theme := verdict.PrimaryTheme
	if theme == "" {
		theme = "uncategorized"
	}
	summary := fmt.Sprintf("Triage screened this change out (relevance %d/100, theme: %s).", verdict.RelevanceScore, theme)
	if verdict.WhatChangedHint != "" {
		summary += " " + verdict.WhatChangedHint
	}
	risk := 1
	return store.Insight{
		ChangeID:      ch.ID,
		AgentName:     agentName,
		Title:         fmt.Sprintf("Low-relevance change: %s", theme),
		Summary:       summary,
		Category:      theme,
		RiskScore:     &risk,
		Confidence:    0.55,
		SchemaVersion: store.InsightSchemaVersion,
	}
}

func analyzedInsight(ch store.Change, agentName string, verdict triageVerdict, a analysisResult) store.Insight {
	title := a.Title
	if title == "" {
		title = "Untitled change assessment"
	}
	summary := a.Summary
	if summary == "" {
		summary = verdict.WhatChangedHint
	}
	if summary == "" {
		summary = "The analysis returned no summary for this change."
	}
	category := a.Category
	if category == "" {
		category = verdict.PrimaryTheme
	}
	confidence := 0.5
	if a.Confidence != nil {
		confidence = *a.Confidence
	}
	return store.Insight{
		ChangeID:           ch.ID,
		AgentName:          agentName,
		Title:              title,
		Summary:            summary,
		Category:           category,
		AffectedSignals:    a.AffectedSignals,
		RecommendedActions: a.RecommendedActions,
		RiskScore:          a.RiskScore,
		Confidence:         confidence,
		SchemaVersion:      store.InsightSchemaVersion,
	}
}

func derefRisk(r *int) interface{} {
	if r == nil {
		return "default"
	}
	return *r
}

func (g *Generator) logf(format string, args ...interface{}) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}
