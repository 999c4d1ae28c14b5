package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var metadataCmd = &cobra.Command{
	Use:   "get-metadata WORKER_ID",
	Short: "Print a worker's lifecycle metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetMetadata,
}

func runGetMetadata(cmd *cobra.Command, args []string) error {
	id, err := parseWorkerId(args[0])
	if err != nil {
		return err
	}

	meta, err := openMetaStore(cmd)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer meta.Close()

	record, err := meta.Get(id)
	if err != nil {
		return fmt.Errorf("get metadata: %w", err)
	}

	fmt.Printf("Worker:            %s\n", record.WorkerId)
	fmt.Printf("Status:            %s\n", record.Status)
	fmt.Printf("Last durable index: %d\n", record.LastDurableIndex)
	fmt.Printf("Component version:  %d\n", record.ComponentVersion)
	fmt.Printf("Retry count:        %d\n", record.RetryCount)
	return nil
}
