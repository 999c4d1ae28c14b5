package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
)

// workerChunkDir is where one worker's oplog chunk files live under the
// node's data directory: <data-dir>/oplog/<componentId>/<workerName>.
func workerChunkDir(dataDir string, id types.WorkerId) string {
	return filepath.Join(dataDir, "oplog", string(id.ComponentId), id.Name)
}

func openChunkStore(cmd *cobra.Command, id types.WorkerId) (*oplog.ChunkStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return oplog.NewChunkStore(workerChunkDir(dataDir, id))
}

func openMetaStore(cmd *cobra.Command) (*oplog.BoltMetaStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return oplog.NewBoltMetaStore(dataDir)
}
