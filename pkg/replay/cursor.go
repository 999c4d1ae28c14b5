package replay

import (
	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
)

// storeCursor walks a worker's oplog sequentially on behalf of the
// durability wrapper, handing back ImportedFunctionInvoked entries one
// at a time while folding every other entry type into replay state:
// pending exports, active plugins, and the current retry policy. Jump
// entries move the scan position directly to their target index without
// surfacing the skipped range to the wrapper at all.
type storeCursor struct {
	store       oplog.Store
	pos         types.OplogIndex
	last        types.OplogIndex
	jumpTargets map[types.OplogIndex]types.OplogIndex

	pendingExports []pendingExport
	activePlugins  []string
	retryPolicy    types.RetryPolicy
}

type pendingExport struct {
	Index   types.OplogIndex
	Invoked oplog.ExportedFunctionInvoked
}

func newStoreCursor(store oplog.Store, start types.OplogIndex) *storeCursor {
	last := store.LastIndex()
	return &storeCursor{
		store:       store,
		pos:         start,
		last:        last,
		jumpTargets: jumpTargetsFor(store, last),
		retryPolicy: types.DefaultRetryPolicy(),
	}
}

// jumpTargetsFor pre-scans the whole oplog for Jump and Revert entries
// and indexes the region each one excises by its starting index. Neither
// entry's own physical position need equal where the redirect should
// take effect: the automatic update engine appends a Jump at the tail
// describing an earlier diverged range, and a Revert is appended after
// the region it drops, so every consumer that walks the log forward must
// know about every excision before it starts, not only the ones it
// happens to pass over inline.
func jumpTargetsFor(store oplog.Store, last types.OplogIndex) map[types.OplogIndex]types.OplogIndex {
	targets := make(map[types.OplogIndex]types.OplogIndex)
	for i := types.OplogIndex(1); i <= last; i++ {
		entry, err := store.Read(i)
		if err != nil {
			continue
		}
		switch p := entry.Payload.(type) {
		case *oplog.Jump:
			targets[p.From] = p.To
		case *oplog.Revert:
			targets[p.DroppedFrom] = p.DroppedTo + 1
		}
	}
	return targets
}

// Done reports whether no ImportedFunctionInvoked entry is left to hand
// back between the cursor's position and the oplog's last index at the
// time it was constructed; trailing entries of other types do not count.
func (c *storeCursor) Done() bool {
	for i := c.pos; i <= c.last; {
		if to, redirected := c.jumpTargets[i]; redirected {
			i = to
			continue
		}
		if entry, err := c.store.Read(i); err == nil {
			if _, ok := entry.Payload.(*oplog.ImportedFunctionInvoked); ok {
				return false
			}
		}
		i++
	}
	return true
}

// NextImportedFunctionInvoked implements durability.Cursor.
func (c *storeCursor) NextImportedFunctionInvoked() (oplog.ImportedFunctionInvoked, bool) {
	for c.pos <= c.last {
		if to, redirected := c.jumpTargets[c.pos]; redirected {
			c.pos = to
			continue
		}

		entry, err := c.store.Read(c.pos)
		if err != nil {
			return oplog.ImportedFunctionInvoked{}, false
		}

		switch p := entry.Payload.(type) {
		case *oplog.ImportedFunctionInvoked:
			c.pos++
			return *p, true
		case *oplog.Jump:
			c.pos++
		case *oplog.ExportedFunctionInvoked:
			c.pendingExports = append(c.pendingExports, pendingExport{Index: c.pos, Invoked: *p})
			c.pos++
		case *oplog.ExportedFunctionCompleted:
			if len(c.pendingExports) > 0 {
				c.pendingExports = c.pendingExports[1:]
			}
			c.pos++
		case *oplog.ActivatePlugin:
			c.activePlugins = append(c.activePlugins, p.PluginRef)
			c.pos++
		case *oplog.DeactivatePlugin:
			c.activePlugins = removePlugin(c.activePlugins, p.PluginRef)
			c.pos++
		case *oplog.ChangeRetryPolicy:
			c.retryPolicy = p.NewPolicy
			c.pos++
		case *oplog.SetRetryPolicy:
			c.retryPolicy = p.Policy
			c.pos++
		default:
			c.pos++
		}
	}
	return oplog.ImportedFunctionInvoked{}, false
}

func removePlugin(plugins []string, ref string) []string {
	out := plugins[:0]
	for _, p := range plugins {
		if p != ref {
			out = append(out, p)
		}
	}
	return out
}
