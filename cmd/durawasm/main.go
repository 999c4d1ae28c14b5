package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/durawasm/pkg/log"
	"github.com/cuemby/durawasm/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "durawasm",
	Short: "durawasm - durable WebAssembly worker executor",
	Long: `durawasm runs WebAssembly components as durable workers: every
host call is journaled so a worker can be replayed byte-for-byte after a
crash, host migration, or update, resuming exactly where it left off.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"durawasm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", envOr("DURAWASM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", envOr("DURAWASM_DATA_DIR", "./durawasm-data"), "Oplog chunk and metadata directory")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(applyCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseWorkerId splits a "component-id/worker-name" reference, the form
// every subcommand below takes on the command line.
func parseWorkerId(ref string) (types.WorkerId, error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return types.WorkerId{}, fmt.Errorf("worker id must be componentId/workerName, got %q", ref)
	}
	return types.WorkerId{ComponentId: types.ComponentId(parts[0]), Name: parts[1]}, nil
}
