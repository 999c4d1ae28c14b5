package oplog

import (
	"github.com/cuemby/durawasm/pkg/types"
)

// Tag identifies an OplogEntry variant. Dispatch is a tag -> constructor
// table (see payloadFactories in codec.go), never a type switch tower
// deeper than one level.
type Tag uint8

const (
	TagCreate Tag = iota + 1
	TagImportedFunctionInvoked
	TagExportedFunctionInvoked
	TagExportedFunctionCompleted
	TagSuspend
	TagError
	TagNoOp
	TagJump
	TagInterrupted
	TagExited
	TagChangeRetryPolicy
	TagBeginAtomicRegion
	TagEndAtomicRegion
	TagBeginRemoteWrite
	TagEndRemoteWrite
	TagPendingWorkerInvocation
	TagPendingUpdate
	TagSuccessfulUpdate
	TagFailedUpdate
	TagCreatePromise
	TagCompletePromise
	TagActivatePlugin
	TagDeactivatePlugin
	TagRevert
	TagGrowMemory
	TagLog
	TagSetRetryPolicy
)

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return "unknown"
}

var tagNames = map[Tag]string{
	TagCreate:                  "Create",
	TagImportedFunctionInvoked: "ImportedFunctionInvoked",
	TagExportedFunctionInvoked: "ExportedFunctionInvoked",
	TagExportedFunctionCompleted: "ExportedFunctionCompleted",
	TagSuspend:                 "Suspend",
	TagError:                   "Error",
	TagNoOp:                    "NoOp",
	TagJump:                    "Jump",
	TagInterrupted:             "Interrupted",
	TagExited:                  "Exited",
	TagChangeRetryPolicy:       "ChangeRetryPolicy",
	TagBeginAtomicRegion:       "BeginAtomicRegion",
	TagEndAtomicRegion:         "EndAtomicRegion",
	TagBeginRemoteWrite:        "BeginRemoteWrite",
	TagEndRemoteWrite:          "EndRemoteWrite",
	TagPendingWorkerInvocation: "PendingWorkerInvocation",
	TagPendingUpdate:           "PendingUpdate",
	TagSuccessfulUpdate:        "SuccessfulUpdate",
	TagFailedUpdate:            "FailedUpdate",
	TagCreatePromise:           "CreatePromise",
	TagCompletePromise:         "CompletePromise",
	TagActivatePlugin:          "ActivatePlugin",
	TagDeactivatePlugin:        "DeactivatePlugin",
	TagRevert:                  "Revert",
	TagGrowMemory:              "GrowMemory",
	TagLog:                     "Log",
	TagSetRetryPolicy:          "SetRetryPolicy",
}

// Payload is satisfied by every OplogEntry variant body.
type Payload interface {
	Tag() Tag
}

// Entry is one decoded, self-describing oplog record.
type Entry struct {
	SchemaVersion uint8
	Index         types.OplogIndex
	Timestamp     int64 // ms since epoch
	Payload       Payload
}

func (e Entry) Tag() Tag { return e.Payload.Tag() }

// Create is always entry 1.
type Create struct {
	ComponentId          types.ComponentId
	ComponentVersion     types.ComponentVersion
	Args                 []string
	Env                  map[string]string
	Account              string
	Parent               *types.WorkerId
	InitialActivePlugins []string
	InitialFiles         map[string][]byte
}

func (Create) Tag() Tag { return TagCreate }

// ImportedFunctionInvoked records a deterministic outcome of one host call.
type ImportedFunctionInvoked struct {
	FunctionName        string
	Request              []byte
	Response             []byte
	WrappedFunctionType types.WrappedFunctionType
}

func (ImportedFunctionInvoked) Tag() Tag { return TagImportedFunctionInvoked }

// ExportedFunctionInvoked marks the start of a user-invoked export.
type ExportedFunctionInvoked struct {
	FunctionName    string
	Request         []byte
	IdempotencyKey  types.IdempotencyKey
	TraceId         string
}

func (ExportedFunctionInvoked) Tag() Tag { return TagExportedFunctionInvoked }

// ExportedFunctionCompleted marks the end of such an invocation.
type ExportedFunctionCompleted struct {
	Response     []byte
	Error        string
	ConsumedFuel uint64
}

func (ExportedFunctionCompleted) Tag() Tag { return TagExportedFunctionCompleted }

type Suspend struct{}

func (Suspend) Tag() Tag { return TagSuspend }

type Error struct {
	Detail string
}

func (Error) Tag() Tag { return TagError }

type NoOp struct{}

func (NoOp) Tag() Tag { return TagNoOp }

// Jump skips the cursor over an aborted or logically-excised region.
type Jump struct {
	From types.OplogIndex
	To   types.OplogIndex
}

func (Jump) Tag() Tag { return TagJump }

type Interrupted struct{}

func (Interrupted) Tag() Tag { return TagInterrupted }

type Exited struct{}

func (Exited) Tag() Tag { return TagExited }

type ChangeRetryPolicy struct {
	NewPolicy types.RetryPolicy
}

func (ChangeRetryPolicy) Tag() Tag { return TagChangeRetryPolicy }

// BeginAtomicRegion / EndAtomicRegion mark a span replayed as a unit.
type BeginAtomicRegion struct{}

func (BeginAtomicRegion) Tag() Tag { return TagBeginAtomicRegion }

type EndAtomicRegion struct {
	BeginIndex types.OplogIndex
}

func (EndAtomicRegion) Tag() Tag { return TagEndAtomicRegion }

// BeginRemoteWrite / EndRemoteWrite bracket external side-effects so replay
// can detect interrupted writes.
type BeginRemoteWrite struct {
	FunctionName string
}

func (BeginRemoteWrite) Tag() Tag { return TagBeginRemoteWrite }

type EndRemoteWrite struct {
	Status string // "committed" or "rolled-back"
}

func (EndRemoteWrite) Tag() Tag { return TagEndRemoteWrite }

type PendingWorkerInvocation struct {
	FunctionName string
	Request      []byte
	TargetTimeMs int64
}

func (PendingWorkerInvocation) Tag() Tag { return TagPendingWorkerInvocation }

type PendingUpdate struct {
	TargetVersion types.ComponentVersion
	Mode          types.UpdateMode
}

func (PendingUpdate) Tag() Tag { return TagPendingUpdate }

type SuccessfulUpdate struct {
	TargetVersion    types.ComponentVersion
	NewComponentSize int64
}

func (SuccessfulUpdate) Tag() Tag { return TagSuccessfulUpdate }

type FailedUpdate struct {
	TargetVersion types.ComponentVersion
	Details       string
}

func (FailedUpdate) Tag() Tag { return TagFailedUpdate }

type CreatePromise struct {
	PromiseId types.PromiseId
}

func (CreatePromise) Tag() Tag { return TagCreatePromise }

type CompletePromise struct {
	PromiseId types.PromiseId
	Data      []byte
}

func (CompletePromise) Tag() Tag { return TagCompletePromise }

type ActivatePlugin struct {
	PluginRef string
}

func (ActivatePlugin) Tag() Tag { return TagActivatePlugin }

type DeactivatePlugin struct {
	PluginRef string
}

func (DeactivatePlugin) Tag() Tag { return TagDeactivatePlugin }

// Revert logically excises a closed region from replay.
type Revert struct {
	DroppedFrom types.OplogIndex
	DroppedTo   types.OplogIndex
}

func (Revert) Tag() Tag { return TagRevert }

type GrowMemory struct {
	Delta int64
}

func (GrowMemory) Tag() Tag { return TagGrowMemory }

type Log struct {
	Level   string
	Context string
	Message string
}

func (Log) Tag() Tag { return TagLog }

type SetRetryPolicy struct {
	Policy types.RetryPolicy
}

func (SetRetryPolicy) Tag() Tag { return TagSetRetryPolicy }
