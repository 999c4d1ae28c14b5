// Package replay reconstructs worker state from the durable oplog
// (state.go), drives the durability wrapper's replay cursor
// (cursor.go), and bundles both into a Session the worker state machine
// uses to reissue pending exports before going live (load.go).
package replay
