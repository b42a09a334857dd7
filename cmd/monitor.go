package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oversight-labs/riskwatch/config"
	"github.com/oversight-labs/riskwatch/internal/server"
	"github.com/oversight-labs/riskwatch/provider"
)

func monitorCMD() *cobra.Command {
	var cfgPath string

	var monitor = &cobra.Command{
		Use:   "monitor",
		Short: "Run the scheduled monitoring daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.LLM.Validate(); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			llm, err := provider.NewProvider(cfg.LLM)
			if err != nil {
				return err
			}

			pipe := newPipeline(st, llm, cfg)
			gen := newGenerator(st, llm, cfg)
			logger := newLogger("monitor")

			// One scheduled pass covers the whole chain: crawl, detect,
			// embed, then spend LLM budget on whatever queued up.
			pass := func(ctx context.Context) error {
				if _, err := pipe.Run(ctx); err != nil {
					return err
				}
				res, err := runInsightsPass(ctx, st, gen, logger)
				if err != nil {
					return err
				}
				logger.Printf("insights: created=%d placeholders=%d failed=%d", res.Created, res.Placeholders, res.Failed)
				return nil
			}

			sched, err := server.NewScheduler(st, pass, cfg.Monitor.Schedule, cfg.Monitor.Tick, newRedis(cfg), logger)
			if err != nil {
				return err
			}
			logger.Printf("monitor started, schedule=%s tick=%s", cfg.Monitor.Schedule, cfg.Monitor.Tick)
			if err := sched.Start(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	monitor.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return monitor
}
