package storagedriver

import (
	"context"
	"io"
)

// RequestInfo is the subset of the inbound HTTP request a driver may need
// (e.g. to build a redirect for WebDAV's native_proxy fallback). It is
// deliberately narrow — drivers must not reach into the full *http.Request.
type RequestInfo struct {
	Method    string
	UserAgent string
	Header    map[string][]string
}

// OpContext is the bundle the FileSystem facade forwards to every driver
// call (spec §4.2: "{mount, subPath, db, userRef, userKind, request}").
// MountID/StorageConfigID/StorageType let a driver report FileEntry
// provenance without importing the mount package (which imports drivers),
// avoiding an import cycle.
type OpContext struct {
	Context context.Context

	MountID         string
	StorageConfigID string
	StorageType     string

	UserRef  string
	UserKind string

	Request *RequestInfo
}

// Driver is the contract every storage backend implements (spec §4.3).
// Not every driver implements every method meaningfully — the facade only
// invokes a method after checking the driver declares the Capability that
// method requires; a driver may return ErrNotImplementedByDriver from a
// method its capability set excludes as a defensive fallback.
type Driver interface {
	// Name returns the provider type discriminator (e.g. "s3", "gdrive").
	Name() string

	// Capabilities returns this driver instance's declared capability
	// set, fixed at construction.
	Capabilities() Capabilities

	List(ctx OpContext, subPath string) ([]FileEntry, error)
	Stat(ctx OpContext, subPath string) (FileEntry, error)
	Exists(ctx OpContext, subPath string) (bool, error)
	Download(ctx OpContext, subPath string) (*StreamDescriptor, error)
	Upload(ctx OpContext, subPath string, body io.Reader, opts UploadOptions) (UploadResult, error)
	Mkdir(ctx OpContext, subPath string) (MkdirResult, error)
	Remove(ctx OpContext, subPath string) error
	Rename(ctx OpContext, oldPath, newPath string) error
	Copy(ctx OpContext, srcPath, dstPath string, opts CopyOptions) (CopyResult, error)
	BatchRemove(ctx OpContext, paths []string) (BatchRemoveResult, error)
	Search(ctx OpContext, query string, opts SearchOptions) ([]FileEntry, error)

	// GenerateDownloadURL returns a provider-authoritative direct link
	// (tier 2 of spec §4.6). Only called when Capabilities().Has(DirectLink).
	GenerateDownloadURL(ctx OpContext, subPath string, expiresIn int) (url string, expiresInActual int, err error)
	// GenerateProxyURL returns the gateway's own proxy endpoint for
	// subPath (tier 1/3 of spec §4.6). Only called when
	// Capabilities().Has(Proxy).
	GenerateProxyURL(ctx OpContext, subPath string) (url string, err error)

	// Multipart returns the provider's multipart session driver, or nil
	// if Capabilities() lacks Multipart.
	Multipart() MultipartDriver
}

// MultipartDriver is implemented by drivers whose capability set includes
// Multipart (spec §4.5 — the session manager calls into the driver, never
// the reverse).
type MultipartDriver interface {
	// Align normalizes a requested part size to the provider's alignment
	// (spec §4.5 step 1), returning the effective part size.
	Align(requestedPartSize int64) int64

	// OpenSession resolves the parent directory and opens the provider
	// resumable session, returning provider-specific artifacts to store
	// on the UploadSession row.
	OpenSession(ctx OpContext, subPath string, fileSize int64, partSize int64) (providerUploadID, providerUploadURL string, providerMeta map[string]string, err error)

	// ProxyChunk forwards one client chunk to the provider (spec §4.3.3
	// proxyFrontendMultipartChunk). It returns the provider's view of
	// progress so the session manager can reconcile.
	ProxyChunk(ctx OpContext, session MultipartSessionView, chunk ChunkRequest) (ChunkResult, error)

	// ProbeStatus asks the provider for the session's current offset
	// (spec §4.5 "List parts" / "Refresh" — a status-probe PUT with
	// Content-Range: bytes */T).
	ProbeStatus(ctx OpContext, session MultipartSessionView) (ChunkResult, error)

	// Complete finalizes the upload. For chunk-is-completion providers
	// (Drive, OneDrive) this is a no-op returning the known size; for
	// S3 it issues CompleteMultipartUpload with the supplied part ETags.
	Complete(ctx OpContext, session MultipartSessionView, parts []CompletedPart) (size int64, etag string, err error)

	// Abort best-effort cancels the provider-side session.
	Abort(ctx OpContext, session MultipartSessionView) error
}

// MultipartSessionView is the read-only projection of an UploadSession a
// driver needs to act on it, decoupling MultipartDriver from the session
// package (which would otherwise import storagedriver, creating a cycle).
type MultipartSessionView struct {
	UploadID          string
	SubPath           string
	FileName          string
	FileSize          int64
	PartSize          int64
	TotalParts        int
	BytesUploaded     int64
	NextExpectedRange string
	ProviderUploadID  string
	ProviderUploadURL string
	ProviderMeta      map[string]string
}

// ChunkRequest is one client PUT carrying part of the upload.
type ChunkRequest struct {
	ContentRangeStart int64
	ContentRangeEnd   int64
	TotalSize         int64
	Body              io.Reader
	BodyLength        int64
}

// ChunkResult is the provider's authoritative reply to a chunk or probe.
type ChunkResult struct {
	// Done is true once the provider considers the upload complete.
	Done bool
	// BytesUploaded is the provider's authoritative offset, when known.
	BytesUploaded int64
	// NextExpectedRange mirrors the provider's "Range"/"308" convention,
	// e.g. "524288-" (spec §4.5).
	NextExpectedRange string
	// NotFound is true when the provider reports the session expired
	// (404), which the manager turns into UPLOAD_SESSION_NOT_FOUND.
	NotFound bool
	ETag     string
}

// CompletedPart is a client-supplied part descriptor for providers (S3)
// whose Complete call needs explicit part ETags.
type CompletedPart struct {
	PartNumber int
	ETag       string
}
