package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oversight-labs/riskwatch/config"
)

type seedSource struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Active *bool  `json:"active,omitempty"`
}

func seedCMD() *cobra.Command {
	var cfgPath string
	var filePath string

	var seed = &cobra.Command{
		Use:   "seed",
		Short: "Upsert monitored sources from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			raw, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			var sources []seedSource
			if err := json.Unmarshal(raw, &sources); err != nil {
				return fmt.Errorf("decode seed file: %w", err)
			}

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			logger := newLogger("seed")
			for _, src := range sources {
				if src.URL == "" {
					return fmt.Errorf("seed entry %q has no url", src.Name)
				}
				active := true
				if src.Active != nil {
					active = *src.Active
				}
				id, err := st.UpsertSource(ctx, src.Name, src.URL, active)
				if err != nil {
					return fmt.Errorf("upsert %s: %w", src.URL, err)
				}
				logger.Printf("source id=%d url=%s active=%v", id, src.URL, active)
			}
			logger.Printf("seeded %d sources", len(sources))
			return nil
		},
	}
	seed.Flags().StringVarP(&filePath, "file", "f", "sources.json", "JSON file with sources to monitor")
	seed.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return seed
}
