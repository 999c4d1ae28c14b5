package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/durawasm/pkg/oplog"
)

// bootstrapReplicatedStore wraps local in a Raft group backed by
// raft-boltdb's log/stable store, the same construction Manager.Bootstrap
// uses for cluster state, with the oplog FSM (oplog.NewFSM) standing in
// for warren's cluster FSM. peers is a comma-separated "id@host:port"
// list of other already-running nodes to join as voters, mirroring
// Manager.AddVoter; empty bootstraps a single-node group.
func bootstrapReplicatedStore(raftDir, nodeID, bindAddr, peers string, local oplog.Store) (*oplog.ReplicatedStore, error) {
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, fmt.Errorf("raft: create data dir: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("raft: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("raft: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("raft: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("raft: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("raft: create stable store: %w", err)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)

	r, err := raft.NewRaft(cfg, oplog.NewFSM(local), logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("raft: new raft: %w", err)
	}

	bootstrapCfg := raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	}
	if err := r.BootstrapCluster(bootstrapCfg).Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("raft: bootstrap cluster: %w", err)
	}

	peerServers, err := parseRaftPeers(peers)
	if err != nil {
		return nil, err
	}
	for _, s := range peerServers {
		if err := r.AddVoter(s.ID, s.Address, 0, 10*time.Second).Error(); err != nil {
			return nil, fmt.Errorf("raft: add voter %s: %w", s.ID, err)
		}
	}

	return oplog.NewReplicatedStore(r, local), nil
}

// parseRaftPeers parses a comma-separated "id@host:port" peer list as
// used by the --raft-peers flag.
func parseRaftPeers(peers string) ([]raft.Server, error) {
	var servers []raft.Server
	for _, p := range strings.Split(peers, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("raft peer %q must be id@host:port", p)
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(parts[0]), Address: raft.ServerAddress(parts[1])})
	}
	return servers, nil
}
