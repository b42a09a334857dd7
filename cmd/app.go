package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/oversight-labs/riskwatch/config"
	"github.com/oversight-labs/riskwatch/internal/detect"
	"github.com/oversight-labs/riskwatch/internal/embedder"
	"github.com/oversight-labs/riskwatch/internal/ingest"
	"github.com/oversight-labs/riskwatch/internal/insight"
	"github.com/oversight-labs/riskwatch/internal/pipeline"
	"github.com/oversight-labs/riskwatch/internal/scrape"
	"github.com/oversight-labs/riskwatch/internal/store"
	"github.com/oversight-labs/riskwatch/provider"
)

func newLogger(component string) *log.Logger {
	return log.New(os.Stdout, fmt.Sprintf("[%s] ", component), log.LstdFlags)
}

// signalContext cancels on SIGINT/SIGTERM so daemons shut down cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	return store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
}

func newFetcher(cfg *config.Config) scrape.Fetcher {
	p := cfg.Pipeline
	if p.Fetcher == "chromedp" {
		return scrape.NewChromedpFetcher(p.FetchTimeout, p.MinCleanTextLen, p.MaxCleanTextChars)
	}
	return scrape.NewHTTPFetcher(p.FetchTimeout, p.MinCleanTextLen, p.MaxCleanTextChars)
}

func newIndexer(st *store.Store, llm provider.Provider, cfg *config.Config) *embedder.Indexer {
	p := cfg.Pipeline
	return embedder.NewIndexer(st, llm, newLogger("embedder"), p.EmbeddingDimensions, p.ChunkSizeChars, p.ChunkOverlapChars)
}

func newPipeline(st *store.Store, llm provider.Provider, cfg *config.Config) *pipeline.Pipeline {
	p := cfg.Pipeline
	ix := newIndexer(st, llm, cfg)

	var baselineIx ingest.BaselineIndexer
	if p.EmbedBaselineOnFirst {
		baselineIx = ix
	}
	ing := ingest.NewIngestor(st, newFetcher(cfg), baselineIx, newLogger("ingest"), p.Workers)
	det := detect.NewDetector(st, newLogger("detect"))
	return pipeline.New(st, ing, det, ix, newLogger("pipeline"), p.EmbedDeltasOnChange, p.DeltaMaxChars)
}

func newGenerator(st *store.Store, llm provider.Provider, cfg *config.Config) *insight.Generator {
	boot := detect.NewBootstrapper(st, newLogger("baseline"))
	return insight.NewGenerator(st, llm, boot, newLogger("insight"), cfg.LLM, cfg.Pipeline)
}

// runInsightsPass executes one insight generation pass and books it as an
// insights-kind run so cadence and spend stay visible next to pipeline runs.
func runInsightsPass(ctx context.Context, st *store.Store, gen *insight.Generator, logger *log.Logger) (insight.Result, error) {
	runID, err := st.CreateRun(ctx, store.RunKindInsights)
	if err != nil {
		return insight.Result{}, err
	}
	res, runErr := gen.Run(ctx)
	sum := store.RunSummary{
		ID:        runID,
		Kind:      store.RunKindInsights,
		Processed: res.Created,
		Skipped:   res.Placeholders,
		Failed:    res.Failed,
		Detail: map[string]interface{}{
			"pending":      res.Pending,
			"bootstrapped": res.Bootstrapped,
		},
	}
	if err := st.FinishRun(ctx, sum); err != nil {
		logger.Printf("finish insights run %s: %v", runID, err)
	}
	return res, runErr
}

func newRedis(cfg *config.Config) *redis.Client {
	r := cfg.Storage.Redis
	if !r.Enabled() {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: r.Addr(), Password: r.Password, DB: r.DB})
}
