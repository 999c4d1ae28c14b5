package hostcall

import (
	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/types"
)

// KVStore is the pluggable backend behind the KV/blob/RDBMS catalog
// entry ("KV/blob/RDBMS: ReadRemote/WriteRemote"). A real
// deployment supplies one backed by an actual datastore; durawasm ships
// no concrete implementation, matching its "no concrete WASM engine"
// Non-goal's spirit of leaving embedder-specific backends to the host.
type KVStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// KV wraps guest reads and writes against a key/value backend.
type KV struct {
	wrapper *durability.Wrapper
	store   KVStore
}

func NewKV(w *durability.Wrapper, store KVStore) *KV {
	return &KV{wrapper: w, store: store}
}

type kvGetRequest struct {
	Key string
}

type kvGetResponse struct {
	Value []byte
	Found bool
}

// Get reads key. ReadRemote: a backend error is classified transient or
// permanent and, if transient, retried with backoff inside the
// durability wrapper before surfacing to the guest.
func (k *KV) Get(key string) ([]byte, bool, error) {
	resp, err := durability.Call(k.wrapper, "kv::get", types.ReadRemote, kvGetRequest{Key: key}, func(req kvGetRequest) (kvGetResponse, error) {
		value, found, err := k.store.Get(req.Key)
		if err != nil {
			return kvGetResponse{}, classifyRemoteErr(err)
		}
		return kvGetResponse{Value: value, Found: found}, nil
	})
	return resp.Value, resp.Found, err
}

type kvSetRequest struct {
	Key   string
	Value []byte
}

func (k *KV) Set(key string, value []byte) error {
	_, err := durability.Call(k.wrapper, "kv::set", types.WriteRemote, kvSetRequest{Key: key, Value: value}, func(req kvSetRequest) (struct{}, error) {
		return struct{}{}, k.store.Set(req.Key, req.Value)
	})
	return err
}

type kvDeleteRequest struct {
	Key string
}

func (k *KV) Delete(key string) error {
	_, err := durability.Call(k.wrapper, "kv::delete", types.WriteRemote, kvDeleteRequest{Key: key}, func(req kvDeleteRequest) (struct{}, error) {
		return struct{}{}, k.store.Delete(req.Key)
	})
	return err
}
