package oplog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/cuemby/durawasm/pkg/types"
)

// CurrentSchemaVersion is written into every new entry. Readers must accept
// any version <= CurrentSchemaVersion; unknown trailing fields in a newer
// payload are preserved by round-tripping through json.RawMessage at the
// call site rather than a fixed struct, when forward compatibility matters.
const CurrentSchemaVersion uint8 = 1

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// headerLen is schema_version(1) + tag(1) + timestamp(8) + payload_len(4).
const headerLen = 14

// trailerLen is the trailing CRC32C.
const trailerLen = 4

var payloadFactories = map[Tag]func() Payload{
	TagCreate:                    func() Payload { return &Create{} },
	TagImportedFunctionInvoked:   func() Payload { return &ImportedFunctionInvoked{} },
	TagExportedFunctionInvoked:   func() Payload { return &ExportedFunctionInvoked{} },
	TagExportedFunctionCompleted: func() Payload { return &ExportedFunctionCompleted{} },
	TagSuspend:                   func() Payload { return &Suspend{} },
	TagError:                     func() Payload { return &Error{} },
	TagNoOp:                      func() Payload { return &NoOp{} },
	TagJump:                      func() Payload { return &Jump{} },
	TagInterrupted:               func() Payload { return &Interrupted{} },
	TagExited:                    func() Payload { return &Exited{} },
	TagChangeRetryPolicy:         func() Payload { return &ChangeRetryPolicy{} },
	TagBeginAtomicRegion:         func() Payload { return &BeginAtomicRegion{} },
	TagEndAtomicRegion:           func() Payload { return &EndAtomicRegion{} },
	TagBeginRemoteWrite:          func() Payload { return &BeginRemoteWrite{} },
	TagEndRemoteWrite:            func() Payload { return &EndRemoteWrite{} },
	TagPendingWorkerInvocation:   func() Payload { return &PendingWorkerInvocation{} },
	TagPendingUpdate:             func() Payload { return &PendingUpdate{} },
	TagSuccessfulUpdate:          func() Payload { return &SuccessfulUpdate{} },
	TagFailedUpdate:              func() Payload { return &FailedUpdate{} },
	TagCreatePromise:             func() Payload { return &CreatePromise{} },
	TagCompletePromise:           func() Payload { return &CompletePromise{} },
	TagActivatePlugin:            func() Payload { return &ActivatePlugin{} },
	TagDeactivatePlugin:          func() Payload { return &DeactivatePlugin{} },
	TagRevert:                    func() Payload { return &Revert{} },
	TagGrowMemory:                func() Payload { return &GrowMemory{} },
	TagLog:                       func() Payload { return &Log{} },
	TagSetRetryPolicy:            func() Payload { return &SetRetryPolicy{} },
}

// Encode serialises an entry to its self-describing byte form:
// schema_version || tag || timestamp || payload_len || payload || crc32c.
// The checksum covers everything before it. JSON is used for the payload
// body, matching this codebase's pervasive encoding/json use for every
// other persisted record (see metastore.go) and giving a byte-exact,
// deterministic round trip because Go's struct field order and map-key
// sort order are stable.
func Encode(e Entry) ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("oplog: marshal payload for %s: %w", e.Tag(), err)
	}

	buf := make([]byte, headerLen+len(payload)+trailerLen)
	buf[0] = e.SchemaVersion
	buf[1] = byte(e.Tag())
	binary.BigEndian.PutUint64(buf[2:10], uint64(e.Timestamp))
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(payload)))
	copy(buf[headerLen:], payload)

	crc := crc32.Checksum(buf[:headerLen+len(payload)], crcTable)
	binary.BigEndian.PutUint32(buf[headerLen+len(payload):], crc)

	return buf, nil
}

// Decode reads one entry starting at the beginning of buf. buf may contain
// trailing bytes belonging to subsequent entries; Decode returns the number
// of bytes the entry occupied so callers can advance a cursor or build a
// chunk index without a separate outer frame.
func Decode(buf []byte) (Entry, int, error) {
	if len(buf) < headerLen {
		return Entry{}, 0, fmt.Errorf("%w: truncated header (%d bytes)", types.ErrOplogCorruption, len(buf))
	}

	schemaVersion := buf[0]
	tag := Tag(buf[1])
	timestamp := int64(binary.BigEndian.Uint64(buf[2:10]))
	payloadLen := binary.BigEndian.Uint32(buf[10:14])

	total := headerLen + int(payloadLen) + trailerLen
	if len(buf) < total {
		return Entry{}, 0, fmt.Errorf("%w: truncated record, need %d have %d", types.ErrOplogCorruption, total, len(buf))
	}

	payload := buf[headerLen : headerLen+int(payloadLen)]
	wantCRC := binary.BigEndian.Uint32(buf[headerLen+int(payloadLen) : total])
	gotCRC := crc32.Checksum(buf[:headerLen+int(payloadLen)], crcTable)
	if wantCRC != gotCRC {
		return Entry{}, 0, fmt.Errorf("%w: crc mismatch (want %x got %x)", types.ErrOplogCorruption, wantCRC, gotCRC)
	}

	factory, ok := payloadFactories[tag]
	if !ok {
		return Entry{}, 0, fmt.Errorf("%w: unknown tag %d", types.ErrOplogCorruption, tag)
	}
	p := factory()
	if payloadLen > 0 {
		if err := json.Unmarshal(payload, p); err != nil {
			return Entry{}, 0, fmt.Errorf("%w: unmarshal %s payload: %v", types.ErrOplogCorruption, tag, err)
		}
	}

	return Entry{
		SchemaVersion: schemaVersion,
		Timestamp:     timestamp,
		Payload:       p,
	}, total, nil
}
