package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "powercasting",
		Short:        "Staging and approval service for energy-market time series",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(loadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(nodeID())
}

// nodeID reads SNOWFLAKE_NODE so replicas sharing one database never mint
// the same id.
func nodeID() int64 {
	raw := os.Getenv("SNOWFLAKE_NODE")
	if raw == "" {
		return 1
	}
	var id int64
	if _, err := fmt.Sscan(raw, &id); err != nil || id < 0 || id > 1023 {
		return 1
	}
	return id
}
