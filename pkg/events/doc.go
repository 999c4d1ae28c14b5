// Package events is a small non-blocking pub/sub broker for worker
// lifecycle notifications (created, suspended, failed, updated,
// reverted, evicted, ...), letting the executor report state
// transitions to dashboards or audit logging without coupling those
// observers into its hot path.
package events
