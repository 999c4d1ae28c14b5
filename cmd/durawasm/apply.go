package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
)

// WorkerManifest is the declarative form of a worker definition loaded
// from YAML, in the same resource-manifest shape as `apply -f
// service.yaml` commands use elsewhere.
type WorkerManifest struct {
	APIVersion string             `yaml:"apiVersion"`
	Kind       string             `yaml:"kind"`
	Metadata   WorkerMetadataSpec `yaml:"metadata"`
	Spec       WorkerSpec         `yaml:"spec"`
}

type WorkerMetadataSpec struct {
	Name        string `yaml:"name"`
	ComponentId string `yaml:"componentId"`
}

type WorkerSpec struct {
	ComponentVersion     uint64            `yaml:"componentVersion"`
	Args                 []string          `yaml:"args,omitempty"`
	Env                  map[string]string `yaml:"env,omitempty"`
	InitialActivePlugins []string          `yaml:"initialActivePlugins,omitempty"`
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Seed a worker's oplog from a declarative manifest",
	Long: `Apply a durawasm worker manifest: writes the initial Create entry
and metadata record for a worker, ready for an executor process (holding
the real component bytes and execution engine) to load it with Load.

Examples:
  durawasm apply -f worker.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	applyCmd.Flags().String("raft-node-id", "", "Replicate the Create entry through a Raft group under this node ID (enables replication)")
	applyCmd.Flags().String("raft-bind", "127.0.0.1:7400", "Raft transport bind address")
	applyCmd.Flags().String("raft-peers", "", "Comma-separated id@host:port list of existing Raft peers to join as voters")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var manifest WorkerManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	if manifest.Kind != "Worker" {
		return fmt.Errorf("unsupported manifest kind %q", manifest.Kind)
	}
	if manifest.Metadata.Name == "" || manifest.Metadata.ComponentId == "" {
		return fmt.Errorf("metadata.name and metadata.componentId are required")
	}

	id := types.WorkerId{ComponentId: types.ComponentId(manifest.Metadata.ComponentId), Name: manifest.Metadata.Name}

	chunkStore, err := openChunkStore(cmd, id)
	if err != nil {
		return fmt.Errorf("open oplog: %w", err)
	}

	var store oplog.Store = chunkStore
	raftNodeID, _ := cmd.Flags().GetString("raft-node-id")
	if raftNodeID != "" {
		raftBind, _ := cmd.Flags().GetString("raft-bind")
		raftPeers, _ := cmd.Flags().GetString("raft-peers")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		raftDir := filepath.Join(dataDir, "raft", string(id.ComponentId), id.Name)

		replicated, err := bootstrapReplicatedStore(raftDir, raftNodeID, raftBind, raftPeers, chunkStore)
		if err != nil {
			chunkStore.Close()
			return fmt.Errorf("bootstrap raft replication: %w", err)
		}
		store = replicated
	}
	defer store.Close()

	if store.LastIndex() != 0 {
		return fmt.Errorf("worker %s already has an oplog", id)
	}

	if _, err := store.Append(oplog.Entry{Payload: &oplog.Create{
		ComponentId:          id.ComponentId,
		ComponentVersion:     types.ComponentVersion(manifest.Spec.ComponentVersion),
		Args:                 manifest.Spec.Args,
		Env:                  manifest.Spec.Env,
		InitialActivePlugins: manifest.Spec.InitialActivePlugins,
	}}); err != nil {
		return fmt.Errorf("append Create: %w", err)
	}

	meta, err := openMetaStore(cmd)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer meta.Close()

	if err := meta.Put(oplog.WorkerMeta{
		WorkerId:         id,
		LastDurableIndex: store.LastIndex(),
		Status:           types.StatusLoading,
		ComponentVersion: types.ComponentVersion(manifest.Spec.ComponentVersion),
	}); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}

	fmt.Printf("✓ worker %s seeded at component version %d\n", id, manifest.Spec.ComponentVersion)
	return nil
}
