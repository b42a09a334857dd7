package main

import (
	"github.com/spf13/cobra"

	"github.com/oversight-labs/riskwatch/config"
	"github.com/oversight-labs/riskwatch/internal/server"
	"github.com/oversight-labs/riskwatch/provider"
)

func serveCMD() *cobra.Command {
	var addr string
	var cfgPath string

	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
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

			if addr == "" {
				addr = cfg.Server.Address
			}
			return server.New(st, llm, newLogger("api"), addr).Start(ctx)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
