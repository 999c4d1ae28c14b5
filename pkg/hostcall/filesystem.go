package hostcall

import (
	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/types"
)

// FileStore is the pluggable backing for a worker's initial filesystem
// ("opens, reads, writes against the worker's initial
// filesystem ... an alternative persistent FS backing is outside the
// core"). This package ships no implementation of it.
type FileStore interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
}

// Filesystem wraps guest file opens/reads/writes. Reads are ReadLocal;
// writes are WriteLocal since the write's content is itself the
// recorded input that replay reproduces from, not a live filesystem
// round trip.
type Filesystem struct {
	wrapper *durability.Wrapper
	files   FileStore
}

func NewFilesystem(w *durability.Wrapper, files FileStore) *Filesystem {
	return &Filesystem{wrapper: w, files: files}
}

type fsReadRequest struct {
	Path string
}

func (f *Filesystem) Read(path string) ([]byte, error) {
	return durability.Call(f.wrapper, "filesystem::read", types.ReadLocal, fsReadRequest{Path: path}, func(req fsReadRequest) ([]byte, error) {
		return f.files.Read(req.Path)
	})
}

type fsWriteRequest struct {
	Path string
	Data []byte
}

func (f *Filesystem) Write(path string, data []byte) error {
	_, err := durability.Call(f.wrapper, "filesystem::write", types.WriteLocal, fsWriteRequest{Path: path, Data: data}, func(req fsWriteRequest) (struct{}, error) {
		return struct{}{}, f.files.Write(req.Path, req.Data)
	})
	return err
}
