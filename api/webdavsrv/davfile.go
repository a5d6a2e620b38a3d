package webdavsrv

import (
	"context"
	"io"
	"os"

	"github.com/cloudgateway/gateway/storagedriver"
)

// davFile is the read-side webdav.File used by PROPFIND's walk and any
// other stock plumbing that only needs Stat/Readdir — content is opened
// lazily and never via this type for GET, which server.go's servePut/serveGet
// intercept ahead of the stock webdav.Handler dispatch.
type davFile struct {
	ctx  context.Context
	fs   *davFS
	name string

	stream  io.ReadCloser
	entries []storagedriver.FileEntry
	listed  bool
}

func (f *davFile) ensureStream() error {
	if f.stream != nil {
		return nil
	}
	desc, _, err := f.fs.facade.Download(f.ctx, f.name, f.fs.who, nil)
	if err != nil {
		return toPathError("open", f.name, err)
	}
	body, err := desc.Open(f.ctx, nil)
	if err != nil {
		return toPathError("open", f.name, err)
	}
	f.stream = body
	return nil
}

func (f *davFile) Read(p []byte) (int, error) {
	if err := f.ensureStream(); err != nil {
		return 0, err
	}
	return f.stream.Read(p)
}

// Seek supports only rewinding to the start, which is all the stock
// plumbing that still reaches this type ever needs.
func (f *davFile) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && (whence == io.SeekStart || whence == io.SeekCurrent) {
		return 0, nil
	}
	return 0, os.ErrInvalid
}

func (f *davFile) Write(p []byte) (int, error) {
	return 0, os.ErrPermission
}

func (f *davFile) Readdir(count int) ([]os.FileInfo, error) {
	if !f.listed {
		entries, err := f.fs.facade.List(f.ctx, f.name, f.fs.who, nil)
		if err != nil {
			return nil, toPathError("readdir", f.name, err)
		}
		f.entries = entries
		f.listed = true
	}
	if count <= 0 {
		out := make([]os.FileInfo, len(f.entries))
		for i, e := range f.entries {
			out[i] = fileInfo{entry: e}
		}
		f.entries = nil
		return out, nil
	}
	if len(f.entries) == 0 {
		return nil, io.EOF
	}
	n := count
	if n > len(f.entries) {
		n = len(f.entries)
	}
	out := make([]os.FileInfo, n)
	for i := 0; i < n; i++ {
		out[i] = fileInfo{entry: f.entries[i]}
	}
	f.entries = f.entries[n:]
	return out, nil
}

func (f *davFile) Stat() (os.FileInfo, error) {
	return f.fs.Stat(f.ctx, f.name)
}

func (f *davFile) Close() error {
	if f.stream != nil {
		return f.stream.Close()
	}
	return nil
}
