package storagedriver

import (
	"context"
	"io"
	"time"
)

// DirectoryMimeType is the mimetype reported for directory FileEntry values
// (spec §3).
const DirectoryMimeType = "application/x-directory"

// FileEntry is the common projection every driver returns for list/stat
// (spec §3 "FileEntry (projection)").
type FileEntry struct {
	FSPath      string
	Name        string
	IsDirectory bool
	Size        int64
	Modified    time.Time
	Mimetype    string
	ETag        string
	IsVirtual   bool
	MountID     string
	StorageType string
}

// ByteRange is an inclusive byte range [Start, End]. End == -1 means "to
// EOF".
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes the range covers given a total size,
// resolving an open-ended End.
func (r ByteRange) Len(size int64) int64 {
	end := r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	if end < r.Start {
		return 0
	}
	return end - r.Start + 1
}

// StreamDescriptor defers network I/O until Open is called, so that
// HEAD/conditional-GET can short-circuit without reading any bytes (spec
// §3 "Stream descriptor").
type StreamDescriptor struct {
	Size          int64
	ContentType   string
	ETag          string
	LastModified  time.Time
	SupportsRange bool

	// Open begins the transfer. rng is nil for a full-content request.
	// Implementations whose driver can't serve rng natively should ignore
	// it, return the full body, and leave SupportsRange false so the
	// caller falls back to software byte-slicing (spec §4.6).
	Open func(ctx context.Context, rng *ByteRange) (io.ReadCloser, error)
}

// UploadOptions carries the metadata a caller must supply to Upload (spec
// §4.3 "upload(subPath, body, ctx)"). ContentLength is mandatory; 0 is a
// valid, supported value (empty-file fast path).
type UploadOptions struct {
	ContentLength int64
	ContentType   string
	// StorageFirst selects "storage-first" semantics (parent directories
	// auto-created) vs "mount-view" semantics (parent must already
	// exist) — spec §4.3 upload contract.
	StorageFirst bool
}

// UploadResult is returned by a successful Upload.
type UploadResult struct {
	StoragePath string
	ETag        string
	Size        int64
}

// MkdirResult reports whether mkdir found the directory already present
// (spec §4.3: "Exists is success, not error").
type MkdirResult struct {
	AlreadyExists bool
}

// CopyStatus is the outcome of a single-item Copy (spec §4.3).
type CopyStatus string

const (
	CopySuccess CopyStatus = "success"
	CopySkipped CopyStatus = "skipped"
	CopyFailed  CopyStatus = "failed"
)

// CopyResult is the per-item result of Copy.
type CopyResult struct {
	Status CopyStatus
	Reason string
}

// CopyOptions parametrizes Copy/cross-driver copy.
type CopyOptions struct {
	SkipExisting bool
	// Progress, if set, is invoked with cumulative bytes transferred
	// during a cross-driver streaming copy (spec §4.2 "reporting
	// bytesTransferred via an optional progress callback").
	Progress func(bytesTransferred int64)
}

// BatchItemError pairs a path with the error removing/copying it produced.
type BatchItemError struct {
	Path  string
	Error string
}

// BatchRemoveResult is the outcome of a BatchRemove (spec §4.3).
type BatchRemoveResult struct {
	Success []string
	Failed  []BatchItemError
}

// SearchOptions parametrizes Search (spec §4.3).
type SearchOptions struct {
	SearchPath string
	MaxResults int
}
