package oplog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/durawasm/pkg/types"
)

const chunkFileSuffix = ".oplog"

// defaultMaxChunkBytes seals a chunk once it reaches this size; a new one
// is opened for subsequent appends. Chunks are never rewritten once sealed.
const defaultMaxChunkBytes = 64 * 1024 * 1024

// defaultCommitWindow is the group-commit fsync cadence for entry classes
// that don't force an immediate flush. It's a policy dial: group-commit
// defaults to 5ms, except WriteRemote* entries which fsync immediately.
const defaultCommitWindow = 5 * time.Millisecond

type chunkFile struct {
	seq   int
	path  string
	file  *os.File
	size  int64
	dirty bool
}

type indexEntry struct {
	chunkSeq int
	offset   int64
}

// ChunkStore is the file-backed Store: a per-worker directory of
// sealed, immutable chunk files plus an in-memory (OplogIndex -> byte
// offset) index rebuilt by scanning on open.
type ChunkStore struct {
	mu            sync.Mutex
	dir           string
	maxChunkBytes int64
	commitWindow  time.Duration
	maxChunks     int // 0 = unbounded; sealed chunk count ceiling

	chunks      []*chunkFile
	active      *chunkFile
	index       []indexEntry // index[i] describes OplogIndex i+1
	lastSync    time.Time
	closed      bool
}

// ChunkStoreOption configures optional ChunkStore behaviour.
type ChunkStoreOption func(*ChunkStore)

func WithMaxChunkBytes(n int64) ChunkStoreOption {
	return func(s *ChunkStore) { s.maxChunkBytes = n }
}

func WithCommitWindow(d time.Duration) ChunkStoreOption {
	return func(s *ChunkStore) { s.commitWindow = d }
}

// WithMaxChunks caps a worker's oplog at n chunk files; Append returns
// types.ErrOplogFull once a new chunk would be needed beyond the cap and
// the active one is already full. Zero (the default) leaves the oplog
// unbounded.
func WithMaxChunks(n int) ChunkStoreOption {
	return func(s *ChunkStore) { s.maxChunks = n }
}

// NewChunkStore opens (creating if necessary) the oplog directory for one
// worker, replaying any existing chunk files to rebuild the in-memory index.
func NewChunkStore(dir string, opts ...ChunkStoreOption) (*ChunkStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("oplog: create dir %s: %w", dir, err)
	}

	s := &ChunkStore{
		dir:           dir,
		maxChunkBytes: defaultMaxChunkBytes,
		commitWindow:  defaultCommitWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadChunks(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChunkStore) loadChunks() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("oplog: read dir %s: %w", s.dir, err)
	}

	var seqs []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), chunkFileSuffix) {
			continue
		}
		seqStr := strings.TrimSuffix(e.Name(), chunkFileSuffix)
		seq, err := strconv.Atoi(seqStr)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	for _, seq := range seqs {
		path := s.chunkPath(seq)
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("oplog: open chunk %s: %w", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("oplog: stat chunk %s: %w", path, err)
		}
		cf := &chunkFile{seq: seq, path: path, file: f, size: info.Size()}
		s.chunks = append(s.chunks, cf)

		if err := s.replayChunk(cf); err != nil {
			return err
		}
	}

	if len(s.chunks) == 0 {
		cf, err := s.createChunk(0)
		if err != nil {
			return err
		}
		s.active = cf
	} else {
		last := s.chunks[len(s.chunks)-1]
		if last.size < s.maxChunkBytes {
			s.active = last
		} else {
			cf, err := s.createChunk(last.seq + 1)
			if err != nil {
				return err
			}
			s.active = cf
		}
	}
	return nil
}

// replayChunk decodes every entry in cf sequentially to extend s.index.
func (s *ChunkStore) replayChunk(cf *chunkFile) error {
	buf := make([]byte, cf.size)
	if _, err := cf.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("oplog: read chunk %s: %w", cf.path, err)
	}

	var offset int64
	for offset < int64(len(buf)) {
		_, n, err := Decode(buf[offset:])
		if err != nil {
			// A partially-written tail record from an unclean shutdown is
			// truncated, not treated as corruption of committed data.
			cf.size = offset
			if truncErr := cf.file.Truncate(offset); truncErr != nil {
				return fmt.Errorf("oplog: truncate torn tail of %s: %w", cf.path, truncErr)
			}
			break
		}
		s.index = append(s.index, indexEntry{chunkSeq: cf.seq, offset: offset})
		offset += int64(n)
	}
	return nil
}

func (s *ChunkStore) chunkPath(seq int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%05d%s", seq, chunkFileSuffix))
}

func (s *ChunkStore) createChunk(seq int) (*chunkFile, error) {
	path := s.chunkPath(seq)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("oplog: create chunk %s: %w", path, err)
	}
	cf := &chunkFile{seq: seq, path: path, file: f}
	s.chunks = append(s.chunks, cf)
	return cf, nil
}

func isForcedFlush(e Entry) bool {
	switch e.Payload.(type) {
	case *BeginRemoteWrite, *EndRemoteWrite:
		return true
	case *ImportedFunctionInvoked:
		p := e.Payload.(*ImportedFunctionInvoked)
		return p.WrappedFunctionType == types.WriteRemote || p.WrappedFunctionType == types.WriteRemoteBatched
	}
	return false
}

// Append implements Store.
func (s *ChunkStore) Append(entry Entry) (types.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("oplog: store closed")
	}

	entry.Index = types.OplogIndex(len(s.index) + 1)
	entry.SchemaVersion = CurrentSchemaVersion
	buf, err := Encode(entry)
	if err != nil {
		return 0, err
	}

	if s.active.size+int64(len(buf)) > s.maxChunkBytes && s.active.size > 0 {
		if s.maxChunks > 0 && len(s.chunks) >= s.maxChunks {
			return 0, types.ErrOplogFull
		}
		if err := s.active.file.Sync(); err != nil {
			return 0, fmt.Errorf("oplog: seal chunk %s: %w", s.active.path, err)
		}
		cf, err := s.createChunk(s.active.seq + 1)
		if err != nil {
			return 0, err
		}
		s.active = cf
	}

	offset := s.active.size
	if _, err := s.active.file.WriteAt(buf, offset); err != nil {
		return 0, fmt.Errorf("oplog: write chunk %s: %w", s.active.path, err)
	}
	s.active.size += int64(len(buf))
	s.active.dirty = true

	s.index = append(s.index, indexEntry{chunkSeq: s.active.seq, offset: offset})

	if isForcedFlush(entry) || time.Since(s.lastSync) >= s.commitWindow {
		if err := s.active.file.Sync(); err != nil {
			return 0, fmt.Errorf("oplog: fsync %s: %w", s.active.path, err)
		}
		s.active.dirty = false
		s.lastSync = time.Now()
	}

	return entry.Index, nil
}

func (s *ChunkStore) chunkBySeq(seq int) *chunkFile {
	for _, cf := range s.chunks {
		if cf.seq == seq {
			return cf
		}
	}
	return nil
}

// Read implements Store.
func (s *ChunkStore) Read(index types.OplogIndex) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 1 || int(index) > len(s.index) {
		return Entry{}, fmt.Errorf("%w: index %d", types.ErrNotFound, index)
	}

	ie := s.index[index-1]
	cf := s.chunkBySeq(ie.chunkSeq)
	if cf == nil {
		return Entry{}, fmt.Errorf("oplog: missing chunk for index %d", index)
	}

	remaining := cf.size - ie.offset
	buf := make([]byte, remaining)
	if _, err := cf.file.ReadAt(buf, ie.offset); err != nil {
		return Entry{}, fmt.Errorf("oplog: read entry %d: %w", index, err)
	}

	entry, _, err := Decode(buf)
	if err != nil {
		return Entry{}, err
	}
	entry.Index = index
	return entry, nil
}

// Scan implements Store.
func (s *ChunkStore) Scan(from, to types.OplogIndex) ([]Entry, error) {
	if from < 1 {
		from = 1
	}
	last := s.LastIndex()
	if to > last {
		to = last
	}

	var out []Entry
	for i := from; i <= to; i++ {
		e, err := s.Read(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// TruncateTo implements Store. Used only by revert/update-rollback.
func (s *ChunkStore) TruncateTo(index types.OplogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(index) >= len(s.index) {
		return nil
	}
	if index < 1 {
		index = 0
	}

	var cutSeq int
	var cutOffset int64
	if index == 0 {
		cutSeq = s.chunks[0].seq
		cutOffset = 0
	} else {
		ie := s.index[index-1]
		cf := s.chunkBySeq(ie.chunkSeq)
		buf := make([]byte, cf.size-ie.offset)
		if _, err := cf.file.ReadAt(buf, ie.offset); err != nil {
			return fmt.Errorf("oplog: read entry %d: %w", index, err)
		}
		_, n, err := Decode(buf)
		if err != nil {
			return err
		}
		cutSeq = cf.seq
		cutOffset = ie.offset + int64(n)
	}

	var kept []*chunkFile
	for _, cf := range s.chunks {
		switch {
		case cf.seq < cutSeq:
			kept = append(kept, cf)
		case cf.seq == cutSeq:
			if err := cf.file.Truncate(cutOffset); err != nil {
				return fmt.Errorf("oplog: truncate %s: %w", cf.path, err)
			}
			cf.size = cutOffset
			kept = append(kept, cf)
		default:
			if err := cf.file.Close(); err != nil {
				return err
			}
			if err := os.Remove(cf.path); err != nil {
				return fmt.Errorf("oplog: remove sealed chunk %s: %w", cf.path, err)
			}
		}
	}
	s.chunks = kept
	s.active = kept[len(kept)-1]
	s.index = s.index[:index]
	return nil
}

// LastIndex implements Store.
func (s *ChunkStore) LastIndex() types.OplogIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.OplogIndex(len(s.index))
}

// Close implements Store.
func (s *ChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, cf := range s.chunks {
		if cf.dirty {
			if err := cf.file.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := cf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
