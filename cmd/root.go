package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "riskwatch"}

	root.AddCommand(migrateCMD(), runCMD(), insightsCMD(), monitorCMD(), serveCMD(), seedCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
