// Package fsfacade implements the unified FileSystem facade (spec §4.2): a
// thin dispatcher that resolves mounts, gates every call on the driver's
// declared capability set, forwards a context bundle to the driver, and
// emits a cache-invalidation event on every successful mutation. Grounded
// on cmd/registry's wiring of storage driver + registry into one façade
// type and on the capability-gating idiom already established by
// storagedriver.Capabilities.
package fsfacade

import (
	"context"
	"io"
	"path"

	"github.com/cloudgateway/gateway/cachebus"
	"github.com/cloudgateway/gateway/gwerrors"
	"github.com/cloudgateway/gateway/mount"
	"github.com/cloudgateway/gateway/session"
	"github.com/cloudgateway/gateway/storagedriver"
)

// CallerIdentity is the subset of a caller's identity the facade forwards
// into OpContext (spec §4.2's context bundle).
type CallerIdentity struct {
	UserRef   string
	UserKind  string
	BasicPath string
}

// RequestInfo mirrors storagedriver.RequestInfo at the facade boundary.
type RequestInfo = storagedriver.RequestInfo

// FileSystem is the facade (spec §4.2).
type FileSystem struct {
	mounts  *mount.Manager
	bus     *cachebus.Bus
	session *session.Manager
}

// New constructs a FileSystem facade over the given mount manager, cache
// bus, and session manager.
func New(mounts *mount.Manager, bus *cachebus.Bus, sessions *session.Manager) *FileSystem {
	return &FileSystem{mounts: mounts, bus: bus, session: sessions}
}

// resolved bundles everything a single facade call needs after mount
// resolution.
type resolved struct {
	mount.Resolved
	opCtx storagedriver.OpContext
}

func (fs *FileSystem) resolve(ctx context.Context, virtualPath string, who CallerIdentity, req *RequestInfo) (resolved, error) {
	r, err := fs.mounts.Resolve(virtualPath)
	if err != nil {
		return resolved{}, mapResolveErr(err)
	}
	return resolved{
		Resolved: r,
		opCtx: storagedriver.OpContext{
			Context: ctx, MountID: r.Mount.ID, StorageConfigID: r.Mount.StorageConfigID, StorageType: r.Driver.Name(),
			UserRef: who.UserRef, UserKind: who.UserKind, Request: req,
		},
	}, nil
}

func mapResolveErr(err error) error {
	switch err.(type) {
	case mount.ErrNoMount:
		return gwerrors.New(gwerrors.CodeNotFound)
	case mount.ConfigDisabledError:
		return gwerrors.Newf(gwerrors.CodeDriverError, "%v", err)
	default:
		return gwerrors.Wrap(err)
	}
}

func requireCapability(drv storagedriver.Driver, cap storagedriver.Capability) error {
	if !drv.Capabilities().Has(cap) {
		return gwerrors.New(gwerrors.CodeNotImplemented)
	}
	return nil
}

func (fs *FileSystem) publish(r resolved, reason cachebus.Reason, paths ...string) {
	if fs.bus == nil {
		return
	}
	fs.bus.Publish(cachebus.Event{MountID: r.Mount.ID, StorageConfigID: r.Mount.StorageConfigID, Paths: paths, Reason: reason})
}

// List dispatches to Driver.List after a Reader capability check.
func (fs *FileSystem) List(ctx context.Context, virtualPath string, who CallerIdentity, req *RequestInfo) ([]storagedriver.FileEntry, error) {
	r, err := fs.resolve(ctx, virtualPath, who, req)
	if err != nil {
		return nil, err
	}
	if err := requireCapability(r.Driver, storagedriver.Reader); err != nil {
		return nil, err
	}
	entries, err := r.Driver.List(r.opCtx, r.SubPath)
	return annotate(entries, r), wrapOrNil(err)
}

func annotate(entries []storagedriver.FileEntry, r resolved) []storagedriver.FileEntry {
	for i := range entries {
		entries[i].MountID = r.Mount.ID
		entries[i].StorageType = r.Driver.Name()
	}
	return entries
}

func wrapOrNil(err error) error {
	if err == nil {
		return nil
	}
	return gwerrors.Wrap(err)
}

// Stat dispatches to Driver.Stat.
func (fs *FileSystem) Stat(ctx context.Context, virtualPath string, who CallerIdentity, req *RequestInfo) (storagedriver.FileEntry, error) {
	r, err := fs.resolve(ctx, virtualPath, who, req)
	if err != nil {
		return storagedriver.FileEntry{}, err
	}
	if err := requireCapability(r.Driver, storagedriver.Reader); err != nil {
		return storagedriver.FileEntry{}, err
	}
	entry, err := r.Driver.Stat(r.opCtx, r.SubPath)
	if err != nil {
		return storagedriver.FileEntry{}, gwerrors.Wrap(err)
	}
	entry.MountID = r.Mount.ID
	entry.StorageType = r.Driver.Name()
	return entry, nil
}

// Exists dispatches to Driver.Exists.
func (fs *FileSystem) Exists(ctx context.Context, virtualPath string, who CallerIdentity, req *RequestInfo) (bool, error) {
	r, err := fs.resolve(ctx, virtualPath, who, req)
	if err != nil {
		return false, err
	}
	if err := requireCapability(r.Driver, storagedriver.Reader); err != nil {
		return false, err
	}
	exists, err := r.Driver.Exists(r.opCtx, r.SubPath)
	return exists, wrapOrNil(err)
}

// Download dispatches to Driver.Download.
func (fs *FileSystem) Download(ctx context.Context, virtualPath string, who CallerIdentity, req *RequestInfo) (*storagedriver.StreamDescriptor, storagedriver.Driver, error) {
	r, err := fs.resolve(ctx, virtualPath, who, req)
	if err != nil {
		return nil, nil, err
	}
	if err := requireCapability(r.Driver, storagedriver.Reader); err != nil {
		return nil, nil, err
	}
	desc, err := r.Driver.Download(r.opCtx, r.SubPath)
	if err != nil {
		return nil, nil, gwerrors.Wrap(err)
	}
	return desc, r.Driver, nil
}

// Upload dispatches to Driver.Upload and publishes an invalidation.
func (fs *FileSystem) Upload(ctx context.Context, virtualPath string, body io.Reader, opts storagedriver.UploadOptions, who CallerIdentity, req *RequestInfo) (storagedriver.UploadResult, error) {
	r, err := fs.resolve(ctx, virtualPath, who, req)
	if err != nil {
		return storagedriver.UploadResult{}, err
	}
	if err := requireCapability(r.Driver, storagedriver.Writer); err != nil {
		return storagedriver.UploadResult{}, err
	}
	result, err := r.Driver.Upload(r.opCtx, r.SubPath, body, opts)
	if err != nil {
		return storagedriver.UploadResult{}, gwerrors.Wrap(err)
	}
	fs.publish(r, cachebus.ReasonUpload, virtualPath)
	return result, nil
}

// UpdateFile is Upload's alias for overwriting an existing file in place
// (spec §4.2 exposes both "upload" and "updateFile" as facade entry points;
// they share one driver-level operation).
func (fs *FileSystem) UpdateFile(ctx context.Context, virtualPath string, body io.Reader, opts storagedriver.UploadOptions, who CallerIdentity, req *RequestInfo) (storagedriver.UploadResult, error) {
	return fs.Upload(ctx, virtualPath, body, opts, who, req)
}

// Mkdir dispatches to Driver.Mkdir and publishes an invalidation.
func (fs *FileSystem) Mkdir(ctx context.Context, virtualPath string, who CallerIdentity, req *RequestInfo) (storagedriver.MkdirResult, error) {
	r, err := fs.resolve(ctx, virtualPath, who, req)
	if err != nil {
		return storagedriver.MkdirResult{}, err
	}
	if err := requireCapability(r.Driver, storagedriver.Writer); err != nil {
		return storagedriver.MkdirResult{}, err
	}
	result, err := r.Driver.Mkdir(r.opCtx, r.SubPath)
	if err != nil {
		return storagedriver.MkdirResult{}, gwerrors.Wrap(err)
	}
	if !result.AlreadyExists {
		fs.publish(r, cachebus.ReasonMkdir, virtualPath)
	}
	return result, nil
}

// Remove dispatches to Driver.Remove and publishes an invalidation.
func (fs *FileSystem) Remove(ctx context.Context, virtualPath string, who CallerIdentity, req *RequestInfo) error {
	r, err := fs.resolve(ctx, virtualPath, who, req)
	if err != nil {
		return err
	}
	if err := requireCapability(r.Driver, storagedriver.Writer); err != nil {
		return err
	}
	if err := r.Driver.Remove(r.opCtx, r.SubPath); err != nil {
		return gwerrors.Wrap(err)
	}
	fs.publish(r, cachebus.ReasonRemove, virtualPath)
	return nil
}

// Rename dispatches to Driver.Rename when both paths share a driver;
// cross-mount rename is rejected since no driver's Rename contract spans
// two provider credentials (spec §4.2 only defines rename within one
// mount — a cross-mount move is expressed as copy+remove by the caller).
func (fs *FileSystem) Rename(ctx context.Context, oldPath, newPath string, who CallerIdentity, req *RequestInfo) error {
	rOld, err := fs.resolve(ctx, oldPath, who, req)
	if err != nil {
		return err
	}
	rNew, err := fs.resolve(ctx, newPath, who, req)
	if err != nil {
		return err
	}
	if rOld.Mount.ID != rNew.Mount.ID {
		return gwerrors.Newf(gwerrors.CodeValidation, "rename across mounts is not supported; use copy then remove")
	}
	if err := requireCapability(rOld.Driver, storagedriver.Writer); err != nil {
		return err
	}
	if err := rOld.Driver.Rename(rOld.opCtx, rOld.SubPath, rNew.SubPath); err != nil {
		return gwerrors.Wrap(err)
	}
	fs.publish(rOld, cachebus.ReasonRename, oldPath, newPath)
	return nil
}

// Copy implements spec §4.2's copy policy: same-driver ATOMIC copy is
// delegated; otherwise the facade streams src.Download into dst.Upload.
func (fs *FileSystem) Copy(ctx context.Context, srcPath, dstPath string, opts storagedriver.CopyOptions, who CallerIdentity, req *RequestInfo) (storagedriver.CopyResult, error) {
	rSrc, err := fs.resolve(ctx, srcPath, who, req)
	if err != nil {
		return storagedriver.CopyResult{}, err
	}
	rDst, err := fs.resolve(ctx, dstPath, who, req)
	if err != nil {
		return storagedriver.CopyResult{}, err
	}

	if rSrc.Mount.ID == rDst.Mount.ID && rSrc.Driver.Capabilities().Has(storagedriver.Atomic) {
		result, err := rSrc.Driver.Copy(rSrc.opCtx, rSrc.SubPath, rDst.SubPath, opts)
		if err != nil {
			return storagedriver.CopyResult{}, gwerrors.Wrap(err)
		}
		if result.Status == storagedriver.CopySuccess {
			fs.publish(rDst, cachebus.ReasonCopy, dstPath)
		}
		return result, nil
	}

	return fs.crossDriverCopy(rSrc, rDst, opts)
}

// crossDriverCopy performs a streaming copy (spec §4.2: "src.download()
// piped into dst.upload() with a contentLength known up front"),
// recursing directories itself since neither driver owns both ends.
func (fs *FileSystem) crossDriverCopy(rSrc, rDst resolved, opts storagedriver.CopyOptions) (storagedriver.CopyResult, error) {
	if err := requireCapability(rSrc.Driver, storagedriver.Reader); err != nil {
		return storagedriver.CopyResult{}, err
	}
	if err := requireCapability(rDst.Driver, storagedriver.Writer); err != nil {
		return storagedriver.CopyResult{}, err
	}

	srcEntry, err := rSrc.Driver.Stat(rSrc.opCtx, rSrc.SubPath)
	if err != nil {
		return storagedriver.CopyResult{}, gwerrors.Wrap(err)
	}

	if opts.SkipExisting {
		if exists, _ := rDst.Driver.Exists(rDst.opCtx, rDst.SubPath); exists {
			return storagedriver.CopyResult{Status: storagedriver.CopySkipped, Reason: "destination already exists"}, nil
		}
	}

	if srcEntry.IsDirectory {
		return fs.crossDriverCopyDir(rSrc, rDst, opts)
	}

	desc, err := rSrc.Driver.Download(rSrc.opCtx, rSrc.SubPath)
	if err != nil {
		return storagedriver.CopyResult{}, gwerrors.Wrap(err)
	}
	stream, err := desc.Open(rSrc.opCtx.Context, nil)
	if err != nil {
		return storagedriver.CopyResult{}, gwerrors.Wrap(err)
	}
	defer stream.Close()

	var reader io.Reader = stream
	if opts.Progress != nil {
		reader = &progressReader{r: stream, progress: opts.Progress}
	}

	_, err = rDst.Driver.Upload(rDst.opCtx, rDst.SubPath, reader, storagedriver.UploadOptions{ContentLength: desc.Size, ContentType: desc.ContentType})
	if err != nil {
		return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, gwerrors.Wrap(err)
	}
	return storagedriver.CopyResult{Status: storagedriver.CopySuccess}, nil
}

func (fs *FileSystem) crossDriverCopyDir(rSrc, rDst resolved, opts storagedriver.CopyOptions) (storagedriver.CopyResult, error) {
	if _, err := rDst.Driver.Mkdir(rDst.opCtx, rDst.SubPath); err != nil {
		return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, gwerrors.Wrap(err)
	}
	children, err := rSrc.Driver.List(rSrc.opCtx, rSrc.SubPath)
	if err != nil {
		return storagedriver.CopyResult{}, gwerrors.Wrap(err)
	}
	for _, c := range children {
		childSrc := rSrc
		childSrc.SubPath = c.FSPath
		childDst := rDst
		childDst.SubPath = path.Join(rDst.SubPath, c.Name)
		if _, err := fs.crossDriverCopy(childSrc, childDst, opts); err != nil {
			return storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}, err
		}
	}
	return storagedriver.CopyResult{Status: storagedriver.CopySuccess}, nil
}

type progressReader struct {
	r        io.Reader
	total    int64
	progress func(int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.total += int64(n)
		p.progress(p.total)
	}
	return n, err
}

// BatchRemove dispatches to Driver.BatchRemove when every path shares one
// mount, else removes path-by-path (cross-mount batches are rare but the
// API doesn't forbid them).
func (fs *FileSystem) BatchRemove(ctx context.Context, virtualPaths []string, who CallerIdentity, req *RequestInfo) (storagedriver.BatchRemoveResult, error) {
	byMount := make(map[string][]string)
	resolvedByMount := make(map[string]resolved)
	var result storagedriver.BatchRemoveResult

	for _, p := range virtualPaths {
		r, err := fs.resolve(ctx, p, who, req)
		if err != nil {
			result.Failed = append(result.Failed, storagedriver.BatchItemError{Path: p, Error: err.Error()})
			continue
		}
		byMount[r.Mount.ID] = append(byMount[r.Mount.ID], r.SubPath)
		resolvedByMount[r.Mount.ID] = r
	}

	for mountID, subPaths := range byMount {
		r := resolvedByMount[mountID]
		if err := requireCapability(r.Driver, storagedriver.Writer); err != nil {
			for _, sp := range subPaths {
				result.Failed = append(result.Failed, storagedriver.BatchItemError{Path: sp, Error: err.Error()})
			}
			continue
		}
		sub, err := r.Driver.BatchRemove(r.opCtx, subPaths)
		if err != nil {
			return storagedriver.BatchRemoveResult{}, gwerrors.Wrap(err)
		}
		result.Success = append(result.Success, sub.Success...)
		result.Failed = append(result.Failed, sub.Failed...)
		if len(sub.Success) > 0 {
			fs.publish(r, cachebus.ReasonRemove, sub.Success...)
		}
	}
	return result, nil
}

// BatchCopy copies every (src, dst) pair via Copy, continuing past
// individual failures (spec §4.2 "batchCopy").
func (fs *FileSystem) BatchCopy(ctx context.Context, pairs [][2]string, opts storagedriver.CopyOptions, who CallerIdentity, req *RequestInfo) ([]storagedriver.CopyResult, error) {
	out := make([]storagedriver.CopyResult, len(pairs))
	for i, pair := range pairs {
		result, err := fs.Copy(ctx, pair[0], pair[1], opts, who, req)
		if err != nil && result.Status == "" {
			result = storagedriver.CopyResult{Status: storagedriver.CopyFailed, Reason: err.Error()}
		}
		out[i] = result
	}
	return out, nil
}

// Search dispatches to Driver.Search after a Search capability check.
func (fs *FileSystem) Search(ctx context.Context, virtualPath, query string, maxResults int, who CallerIdentity, req *RequestInfo) ([]storagedriver.FileEntry, error) {
	r, err := fs.resolve(ctx, virtualPath, who, req)
	if err != nil {
		return nil, err
	}
	if err := requireCapability(r.Driver, storagedriver.Search); err != nil {
		return nil, err
	}
	entries, err := r.Driver.Search(r.opCtx, query, storagedriver.SearchOptions{SearchPath: r.SubPath, MaxResults: maxResults})
	if err != nil {
		return nil, gwerrors.Wrap(err)
	}
	return annotate(entries, r), nil
}

// ResolveMount exposes the underlying mount resolution for callers (the
// link resolver, the multipart endpoints) that need the (driver, mount,
// subPath) tuple directly rather than a dispatched operation result.
func (fs *FileSystem) ResolveMount(virtualPath string) (mount.Resolved, error) {
	r, err := fs.mounts.Resolve(virtualPath)
	if err != nil {
		return mount.Resolved{}, mapResolveErr(err)
	}
	return r, nil
}

// Sessions exposes the multipart session manager so the HTTP layer can
// drive its entry points with a resolved driver in hand.
func (fs *FileSystem) Sessions() *session.Manager { return fs.session }
