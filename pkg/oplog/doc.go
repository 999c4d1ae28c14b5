// Package oplog implements the per-worker durable journal: the
// self-describing OplogEntry codec (entry.go, codec.go), the file-backed
// chunked Store (chunkstore.go), an in-memory test double (mem_store.go),
// the bbolt-backed worker metadata index (metastore.go), and an optional
// Raft-replicated Store for host-migration survival (fsm.go).
package oplog
