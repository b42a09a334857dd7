package main

import (
	"github.com/spf13/cobra"

	"github.com/oversight-labs/riskwatch/config"
	"github.com/oversight-labs/riskwatch/provider"
)

func insightsCMD() *cobra.Command {
	var cfgPath string

	var insights = &cobra.Command{
		Use:   "insights",
		Short: "Generate insights for pending changes",
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

			logger := newLogger("insights")
			res, err := runInsightsPass(ctx, st, newGenerator(st, llm, cfg), logger)
			if err != nil {
				return err
			}
			logger.Printf("pass complete: pending=%d created=%d placeholders=%d failed=%d bootstrapped=%d",
				res.Pending, res.Created, res.Placeholders, res.Failed, res.Bootstrapped)
			return nil
		},
	}
	insights.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return insights
}
