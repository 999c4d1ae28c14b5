package oplog

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/durawasm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketWorkerMeta = []byte("worker_meta")

// BoltMetaStore implements MetaStore on top of bbolt, one shared database
// file per node holding every worker's small metadata record keyed by
// WorkerId -- the same bucket-per-entity, JSON-value pattern as the
// teacher's node/service/container buckets, just with a single bucket
// since WorkerMeta is the only record kind this store needs.
type BoltMetaStore struct {
	db *bolt.DB
}

// NewBoltMetaStore opens (creating if necessary) the node-wide metadata
// database under dataDir.
func NewBoltMetaStore(dataDir string) (*BoltMetaStore, error) {
	dbPath := filepath.Join(dataDir, "oplog-meta.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("oplog: open meta database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWorkerMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: create worker_meta bucket: %w", err)
	}

	return &BoltMetaStore{db: db}, nil
}

func metaKey(id types.WorkerId) []byte {
	return []byte(id.String())
}

func (s *BoltMetaStore) Get(id types.WorkerId) (WorkerMeta, error) {
	var meta WorkerMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkerMeta)
		data := b.Get(metaKey(id))
		if data == nil {
			return fmt.Errorf("%w: worker %s", types.ErrNoSuchWorker, id)
		}
		return json.Unmarshal(data, &meta)
	})
	return meta, err
}

func (s *BoltMetaStore) Put(meta WorkerMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkerMeta)
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put(metaKey(meta.WorkerId), data)
	})
}

func (s *BoltMetaStore) Delete(id types.WorkerId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkerMeta)
		return b.Delete(metaKey(id))
	})
}

func (s *BoltMetaStore) List() ([]WorkerMeta, error) {
	var out []WorkerMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkerMeta)
		return b.ForEach(func(k, v []byte) error {
			var meta WorkerMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			out = append(out, meta)
			return nil
		})
	})
	return out, err
}

func (s *BoltMetaStore) Close() error {
	return s.db.Close()
}
