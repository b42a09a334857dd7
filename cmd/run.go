package main

import (
	"github.com/spf13/cobra"

	"github.com/oversight-labs/riskwatch/config"
	"github.com/oversight-labs/riskwatch/provider"
)

func runCMD() *cobra.Command {
	var cfgPath string

	var run = &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline pass: fetch snapshots, detect changes, embed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
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

			logger := newLogger("run")
			sum, err := newPipeline(st, llm, cfg).Run(ctx)
			if err != nil {
				return err
			}
			logger.Printf("pass complete: processed=%d skipped=%d failed=%d", sum.Processed, sum.Skipped, sum.Failed)
			return nil
		},
	}
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}
