// Package webdavsrv adapts the unified fsfacade.FileSystem to an RFC 4918
// WebDAV surface (spec §6.2), grounded on golang.org/x/net/webdav's
// FileSystem/File/Handler contract. The adapter, Handler, and PROPFIND/header
// plumbing are the stock x/net/webdav pieces; only the lock table
// (memLockSystem) and the GET/PUT/COPY dispatch — which need the
// link-resolver tiers, the request's Content-Length, and the facade's
// same-driver-vs-streaming copy policy rather than x/net/webdav's generic
// walk-copy — are custom.
package webdavsrv

import (
	"context"
	"io/fs"
	"os"
	"time"

	"golang.org/x/net/webdav"

	"github.com/cloudgateway/gateway/fsfacade"
	"github.com/cloudgateway/gateway/gwerrors"
	"github.com/cloudgateway/gateway/storagedriver"
)

// davFS adapts one request's fsfacade view to webdav.FileSystem. A fresh
// value is built per request since the caller identity varies per API key.
// PUT never reaches this type (server.go's servePut intercepts it ahead of
// the stock webdav.Handler dispatch), so davFS carries no upload-mode state.
type davFS struct {
	facade *fsfacade.FileSystem
	who    fsfacade.CallerIdentity
}

func (d *davFS) Mkdir(ctx context.Context, name string, _ os.FileMode) error {
	_, err := d.facade.Mkdir(ctx, name, d.who, nil)
	return toPathError("mkdir", name, err)
}

// OpenFile always returns a read-side projection: PUT is intercepted ahead
// of the stock webdav.Handler dispatch (see server.go's servePut) precisely
// because it needs the request's Content-Length to choose how to call
// Driver.Upload, which OpenFile's (ctx, name, flag, perm) signature can't
// carry. Everything that still reaches OpenFile (PROPFIND's walk, LOCK's
// existence checks) only ever reads.
func (d *davFS) OpenFile(ctx context.Context, name string, _ int, _ os.FileMode) (webdav.File, error) {
	return &davFile{ctx: ctx, fs: d, name: name}, nil
}

// RemoveAll implements DELETE (spec §6.2: "recursive; forbidden at mount
// root").
func (d *davFS) RemoveAll(ctx context.Context, name string) error {
	if name == "" || name == "/" {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrPermission}
	}
	return toPathError("remove", name, d.facade.Remove(ctx, name, d.who, nil))
}

// Rename implements MOVE's semantics (spec §6.2: "MOVE = COPY + DELETE
// source, with rollback of the created destination on delete failure").
// Same-mount moves delegate to the facade's native Rename; cross-mount moves
// fall back to copy-then-delete since no single driver Rename call spans two
// provider credentials.
func (d *davFS) Rename(ctx context.Context, oldName, newName string) error {
	err := d.facade.Rename(ctx, oldName, newName, d.who, nil)
	if err == nil {
		return nil
	}
	if !isCrossMountError(err) {
		return toPathError("rename", oldName, err)
	}

	if _, cerr := d.facade.Copy(ctx, oldName, newName, storagedriver.CopyOptions{}, d.who, nil); cerr != nil {
		return toPathError("rename", oldName, cerr)
	}
	if rerr := d.facade.Remove(ctx, oldName, d.who, nil); rerr != nil {
		_ = d.facade.Remove(ctx, newName, d.who, nil)
		return toPathError("rename", oldName, rerr)
	}
	return nil
}

func (d *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	entry, err := d.facade.Stat(ctx, name, d.who, nil)
	if err != nil {
		return nil, toPathError("stat", name, err)
	}
	return fileInfo{entry: entry}, nil
}

func isCrossMountError(err error) bool {
	ge, ok := gwerrors.As(err)
	return ok && ge.Code == gwerrors.CodeValidation
}

func toPathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	ge, ok := gwerrors.As(err)
	if !ok {
		return &fs.PathError{Op: op, Path: name, Err: err}
	}
	switch ge.Code {
	case gwerrors.CodeNotFound:
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	case gwerrors.CodeConflict:
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrExist}
	default:
		return &fs.PathError{Op: op, Path: name, Err: ge}
	}
}

// fileInfo projects a storagedriver.FileEntry as os.FileInfo.
type fileInfo struct {
	entry storagedriver.FileEntry
}

func (fi fileInfo) Name() string       { return fi.entry.Name }
func (fi fileInfo) Size() int64        { return fi.entry.Size }
func (fi fileInfo) ModTime() time.Time { return fi.entry.Modified }
func (fi fileInfo) IsDir() bool        { return fi.entry.IsDirectory }
func (fi fileInfo) Sys() interface{}   { return nil }
func (fi fileInfo) Mode() os.FileMode {
	if fi.entry.IsDirectory {
		return os.ModeDir | 0755
	}
	return 0644
}
