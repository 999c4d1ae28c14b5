// Package promise implements durable synchronisation points
// (manager.go) and the delayed self-invocation scheduler (scheduler.go).
package promise
