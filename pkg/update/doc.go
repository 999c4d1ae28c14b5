// Package update drives the two update-engine modes against an
// engine.ExecutionEngine: snapshot-based transfer (ApplySnapshot) and
// the automatic replay-then-jump path (ApplyAutomatic).
package update
