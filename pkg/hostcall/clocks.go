package hostcall

import (
	"time"

	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/types"
)

// Clocks wraps wall-clock and monotonic-clock reads (// "wall_clock::now/resolution (ReadLocal); monotonic clock reads
// (ReadLocal)"), grounded on the original Rust source's
// Durability::wrap around std::time::SystemTime
// (golem-worker-executor-base/src/golem_host/clocks/wall_clock.rs).
type Clocks struct {
	wrapper *durability.Wrapper
}

func NewClocks(w *durability.Wrapper) *Clocks {
	return &Clocks{wrapper: w}
}

// Now returns milliseconds since epoch, recorded on live execution and
// replayed verbatim thereafter so guest code observes the same wall
// clock on every replay.
func (c *Clocks) Now() (types.Timestamp, error) {
	return durability.Call(c.wrapper, "wall_clock::now", types.ReadLocal, struct{}{}, func(struct{}) (types.Timestamp, error) {
		return types.Timestamp(time.Now().UnixMilli()), nil
	})
}

// Resolution returns the wall clock's reported resolution in
// nanoseconds.
func (c *Clocks) Resolution() (int64, error) {
	return durability.Call(c.wrapper, "wall_clock::resolution", types.ReadLocal, struct{}{}, func(struct{}) (int64, error) {
		return int64(time.Nanosecond), nil
	})
}

// MonotonicNow returns a monotonic clock reading in nanoseconds since
// an arbitrary epoch, suitable only for measuring elapsed time.
func (c *Clocks) MonotonicNow() (uint64, error) {
	return durability.Call(c.wrapper, "monotonic_clock::now", types.ReadLocal, struct{}{}, func(struct{}) (uint64, error) {
		return uint64(time.Now().UnixNano()), nil
	})
}
