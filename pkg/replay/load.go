package replay

import (
	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
)

// Session bundles the reconstructed state with a durability wrapper
// already primed to replay the worker's recorded host calls. The worker
// state machine reissues State.PendingExports through the execution
// engine using Wrapper for every host call; once Cursor.Done() the
// worker calls Promote to switch the wrapper to live execution.
type Session struct {
	State   *State
	Wrapper *durability.Wrapper
	cursor  *storeCursor
}

// Load reconstructs worker state and wires a replay-mode durability
// wrapper to this worker's oplog, starting just after the Create entry.
func Load(workerId types.WorkerId, store oplog.Store) (*Session, error) {
	state, err := Reconstruct(workerId, store)
	if err != nil {
		return nil, err
	}

	cursor := newStoreCursor(store, 2)
	wrapper := durability.New(workerId, store)
	wrapper.SetMode(durability.ModeReplay, cursor)

	return &Session{State: state, Wrapper: wrapper, cursor: cursor}, nil
}

// Done reports whether every recorded host call has been consumed, i.e.
// replay has caught up to the oplog's tail at load time.
func (s *Session) Done() bool { return s.cursor.Done() }

// Promote switches the session's wrapper to live execution. Called once
// the worker has reissued every pending export and Done() is true.
func (s *Session) Promote() {
	s.Wrapper.SetMode(durability.ModeLive, nil)
}
