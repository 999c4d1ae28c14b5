package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/durawasm/pkg/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay WORKER_ID",
	Short: "Reconstruct a worker's state from its oplog and print it",
	Long: `Reconstruct a worker's state by folding its oplog
without instantiating an execution engine, and print the result as JSON:
active plugins, any pending (not-yet-completed) export, and current
retry policy.

Examples:
  durawasm replay my-component/worker-1`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	id, err := parseWorkerId(args[0])
	if err != nil {
		return err
	}

	store, err := openChunkStore(cmd, id)
	if err != nil {
		return fmt.Errorf("open oplog: %w", err)
	}
	defer store.Close()

	state, err := replay.Reconstruct(id, store)
	if err != nil {
		return fmt.Errorf("reconstruct: %w", err)
	}

	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
