package hostcall

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/log"
	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
)

// Logging wraps the guest's log calls ("WriteLocal
// (emitted to observer sink on live, skipped on replay)"). Unlike the
// other WriteLocal host calls, a guest log line carries no return value
// worth replaying -- the side effect itself (emission to the observer
// sink) is what must not repeat, so Call's "never invoke fn on replay"
// behaviour is exactly what's wanted here with no further bookkeeping.
type Logging struct {
	wrapper *durability.Wrapper
	sink    func(oplog.Log)
}

// NewLogging builds a Logging wrapper whose sink receives every
// live-emitted Log entry (e.g. forwarded to the operational logger or a
// per-worker log stream); sink may be nil to discard.
func NewLogging(w *durability.Wrapper, sink func(oplog.Log)) *Logging {
	return &Logging{wrapper: w, sink: sink}
}

func (l *Logging) Log(level, context, message string) error {
	entry := oplog.Log{Level: level, Context: context, Message: message}
	_, err := durability.Call(l.wrapper, "log", types.WriteLocal, entry, func(e oplog.Log) (struct{}, error) {
		if l.sink != nil {
			l.sink(e)
		} else {
			log.Logger.WithLevel(zerologLevel(e.Level)).Str("guest_context", e.Context).Msg(e.Message)
		}
		return struct{}{}, nil
	})
	return err
}

func zerologLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
