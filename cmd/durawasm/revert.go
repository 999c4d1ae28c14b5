package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/durawasm/pkg/types"
	"github.com/cuemby/durawasm/pkg/update"
)

var revertCmd = &cobra.Command{
	Use:   "revert WORKER_ID TARGET_INDEX",
	Short: "Drop a worker's history after TARGET_INDEX",
	Long: `Write a Revert entry dropping (TARGET_INDEX, last] from replay,
without mutating any sealed chunk. Rejected if the dropped
region contains an irreversible remote write.

Examples:
  durawasm revert my-component/worker-1 42`,
	Args: cobra.ExactArgs(2),
	RunE: runRevert,
}

func runRevert(cmd *cobra.Command, args []string) error {
	id, err := parseWorkerId(args[0])
	if err != nil {
		return err
	}

	var target uint64
	if _, err := fmt.Sscanf(args[1], "%d", &target); err != nil {
		return fmt.Errorf("invalid target index %q: %w", args[1], err)
	}

	store, err := openChunkStore(cmd, id)
	if err != nil {
		return fmt.Errorf("open oplog: %w", err)
	}
	defer store.Close()

	u := update.New(nil)
	if err := u.ApplyRevert(store, types.OplogIndex(target)); err != nil {
		return fmt.Errorf("revert: %w", err)
	}

	fmt.Printf("✓ worker %s reverted to index %d\n", id, target)
	return nil
}
