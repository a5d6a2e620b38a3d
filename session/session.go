// Package session implements the resumable multipart upload session manager
// (spec §4.5): a table-backed service that drivers call into (via their
// storagedriver.MultipartDriver contract) but which never calls back into a
// driver that isn't handed to it explicitly — the provider-facing methods
// are plain parameters, not an import of the drivers packages.
package session

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/cloudgateway/gateway/gwerrors"
	"github.com/cloudgateway/gateway/mount"
	"github.com/cloudgateway/gateway/repository"
	"github.com/cloudgateway/gateway/storagedriver"
)

// Manager owns the lifecycle described in spec §4.5.
type Manager struct {
	repo repository.Repository
}

// NewManager constructs a session Manager over repo.
func NewManager(repo repository.Repository) *Manager {
	return &Manager{repo: repo}
}

// InitializeInput bundles Initialize's parameters (spec §4.5 "Initialize").
type InitializeInput struct {
	Mount           mount.Mount
	StorageConfigID string
	Driver          storagedriver.Driver
	FSPath          string
	FileName        string
	FileSize        int64
	PartSize        int64 // 0 = let the driver choose
	UserRef         string
	UserKind        string
	Fingerprint     string
}

// InitializeResult is the session descriptor returned to the caller.
type InitializeResult struct {
	UploadID   string
	FileSize   int64
	PartSize   int64
	PartCount  int
	UploadURL  string // gateway-relative chunk-upload endpoint
	ProviderURL string
	Reused     bool
}

// Initialize opens (or reuses, by fingerprint) a resumable upload session.
func (m *Manager) Initialize(ctx context.Context, in InitializeInput) (InitializeResult, error) {
	if in.Fingerprint != "" {
		existing, ok, err := m.repo.FindActiveUploadSession(in.UserRef, in.UserKind, in.StorageConfigID, in.FSPath, in.FileName, in.FileSize, in.Fingerprint)
		if err != nil {
			return InitializeResult{}, gwerrors.Wrap(err)
		}
		if ok {
			return InitializeResult{
				UploadID: existing.UploadID, FileSize: existing.FileSize, PartSize: existing.PartSize,
				PartCount: existing.TotalParts, UploadURL: uploadURL(existing.UploadID),
				ProviderURL: existing.ProviderUploadURL, Reused: true,
			}, nil
		}
	}

	mp := in.Driver.Multipart()
	if mp == nil {
		return InitializeResult{}, gwerrors.New(gwerrors.CodeNotImplemented)
	}

	partSize := mp.Align(in.PartSize)
	totalParts := int((in.FileSize + partSize - 1) / partSize)
	if totalParts < 1 {
		totalParts = 1
	}

	opCtx := storagedriver.OpContext{Context: ctx, MountID: in.Mount.ID, StorageConfigID: in.StorageConfigID, UserRef: in.UserRef, UserKind: in.UserKind}
	providerUploadID, providerUploadURL, providerMeta, err := mp.OpenSession(opCtx, in.FSPath, in.FileSize, partSize)
	if err != nil {
		return InitializeResult{}, gwerrors.Wrap(err)
	}

	uploadID := uuid.NewString()
	row := repository.UploadSession{
		UploadID: uploadID, MountID: in.Mount.ID, StorageConfigID: in.StorageConfigID,
		FSPath: in.FSPath, FileName: in.FileName, FileSize: in.FileSize, PartSize: partSize, TotalParts: totalParts,
		Status: repository.UploadActive, ProviderUploadID: providerUploadID, ProviderUploadURL: providerUploadURL,
		ProviderMeta: providerMeta, UserRef: in.UserRef, UserKind: in.UserKind, Fingerprint: in.Fingerprint,
		CompletedParts: make(map[int]string),
	}
	if err := m.repo.CreateUploadSession(row); err != nil {
		return InitializeResult{}, gwerrors.Wrap(err)
	}

	return InitializeResult{
		UploadID: uploadID, FileSize: in.FileSize, PartSize: partSize, PartCount: totalParts,
		UploadURL: uploadURL(uploadID), ProviderURL: providerUploadURL,
	}, nil
}

func uploadURL(uploadID string) string {
	return fmt.Sprintf("/api/fs/multipart/upload-chunk?upload_id=%s", uploadID)
}

func (m *Manager) toView(s repository.UploadSession) storagedriver.MultipartSessionView {
	return storagedriver.MultipartSessionView{
		UploadID: s.UploadID, SubPath: s.FSPath, FileName: s.FileName, FileSize: s.FileSize,
		PartSize: s.PartSize, TotalParts: s.TotalParts, BytesUploaded: s.BytesUploaded,
		NextExpectedRange: s.NextExpectedRange, ProviderUploadID: s.ProviderUploadID,
		ProviderUploadURL: s.ProviderUploadURL, ProviderMeta: s.ProviderMeta,
	}
}

// loadActive fetches an upload session and confirms it is still in the
// active status Proxy/Probe/Complete require.
func (m *Manager) loadActive(uploadID string) (repository.UploadSession, error) {
	s, ok, err := m.repo.GetUploadSession(uploadID)
	if err != nil {
		return repository.UploadSession{}, gwerrors.Wrap(err)
	}
	if !ok {
		return repository.UploadSession{}, gwerrors.New(gwerrors.CodeUploadSessionNotFound)
	}
	if s.Status != repository.UploadActive {
		return repository.UploadSession{}, gwerrors.Newf(gwerrors.CodeUploadSessionNotFound, "upload session %s is %s", uploadID, s.Status)
	}
	return s, nil
}

// ProxyChunkInput carries one client chunk PUT (spec §4.5 "Proxy chunk").
type ProxyChunkInput struct {
	UploadID          string
	Driver            storagedriver.Driver
	ContentRangeStart int64
	ContentRangeEnd   int64
	TotalSize         int64
	Body              io.Reader
	BodyLength        int64
}

// ProxyChunkResult is returned to the PUT caller.
type ProxyChunkResult struct {
	Status string // "uploading" | "done"
	Done   bool
}

func (m *Manager) ProxyChunk(ctx context.Context, in ProxyChunkInput) (ProxyChunkResult, error) {
	s, err := m.loadActive(in.UploadID)
	if err != nil {
		return ProxyChunkResult{}, err
	}

	mp := in.Driver.Multipart()
	if mp == nil {
		return ProxyChunkResult{}, gwerrors.New(gwerrors.CodeNotImplemented)
	}

	opCtx := storagedriver.OpContext{Context: ctx, MountID: s.MountID, StorageConfigID: s.StorageConfigID, UserRef: s.UserRef, UserKind: s.UserKind}
	result, err := mp.ProxyChunk(opCtx, m.toView(s), storagedriver.ChunkRequest{
		ContentRangeStart: in.ContentRangeStart, ContentRangeEnd: in.ContentRangeEnd,
		TotalSize: in.TotalSize, Body: in.Body, BodyLength: in.BodyLength,
	})
	if err != nil {
		return ProxyChunkResult{}, gwerrors.Wrap(err)
	}

	if result.NotFound {
		s.Status = repository.UploadError
		s.ErrorCode = string(gwerrors.CodeUploadSessionNotFound)
		_ = m.repo.UpdateUploadSession(s)
		return ProxyChunkResult{}, gwerrors.New(gwerrors.CodeUploadSessionNotFound)
	}

	if result.BytesUploaded > s.BytesUploaded {
		s.BytesUploaded = result.BytesUploaded
	} else if !result.Done {
		s.BytesUploaded = in.ContentRangeEnd + 1
	}
	if result.NextExpectedRange != "" {
		s.NextExpectedRange = result.NextExpectedRange
	} else if !result.Done {
		s.NextExpectedRange = fmt.Sprintf("%d-", in.ContentRangeEnd+1)
	}

	partNumber := int(in.ContentRangeStart/s.PartSize) + 1
	if result.ETag != "" {
		s.CompletedParts[partNumber] = result.ETag
	}

	status := "uploading"
	if result.Done {
		status = "done"
		s.Status = repository.UploadCompleted
	}
	if err := m.repo.UpdateUploadSession(s); err != nil {
		return ProxyChunkResult{}, gwerrors.Wrap(err)
	}

	return ProxyChunkResult{Status: status, Done: result.Done}, nil
}

// PartInfo is one reconciled completed part (spec §4.5 "List parts").
type PartInfo struct {
	PartNumber int
	ETag       string
}

// ListParts reconciles against the provider's authoritative offset and
// reports which whole parts are done; the final partial part is always
// re-uploaded by the client.
func (m *Manager) ListParts(ctx context.Context, uploadID string, drv storagedriver.Driver) ([]PartInfo, error) {
	s, err := m.reconcile(ctx, uploadID, drv)
	if err != nil {
		return nil, err
	}
	doneParts := int(s.BytesUploaded / s.PartSize)
	out := make([]PartInfo, 0, doneParts)
	for p := 1; p <= doneParts; p++ {
		out = append(out, PartInfo{PartNumber: p, ETag: s.CompletedParts[p]})
	}
	return out, nil
}

// RefreshResult is returned by Refresh (spec §4.5 "Refresh").
type RefreshResult struct {
	BytesUploaded     int64
	NextExpectedRange string
	Done              bool
}

// Refresh re-probes the provider and returns the reconciled offset.
func (m *Manager) Refresh(ctx context.Context, uploadID string, drv storagedriver.Driver) (RefreshResult, error) {
	s, err := m.reconcile(ctx, uploadID, drv)
	if err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{BytesUploaded: s.BytesUploaded, NextExpectedRange: s.NextExpectedRange, Done: s.Status == repository.UploadCompleted}, nil
}

func (m *Manager) reconcile(ctx context.Context, uploadID string, drv storagedriver.Driver) (repository.UploadSession, error) {
	s, err := m.loadActive(uploadID)
	if err != nil {
		return repository.UploadSession{}, err
	}

	mp := drv.Multipart()
	if mp == nil {
		return repository.UploadSession{}, gwerrors.New(gwerrors.CodeNotImplemented)
	}

	opCtx := storagedriver.OpContext{Context: ctx, MountID: s.MountID, StorageConfigID: s.StorageConfigID, UserRef: s.UserRef, UserKind: s.UserKind}
	result, err := mp.ProbeStatus(opCtx, m.toView(s))
	if err != nil {
		return repository.UploadSession{}, gwerrors.Wrap(err)
	}

	if result.NotFound {
		s.Status = repository.UploadError
		s.ErrorCode = string(gwerrors.CodeUploadSessionNotFound)
		_ = m.repo.UpdateUploadSession(s)
		return repository.UploadSession{}, gwerrors.New(gwerrors.CodeUploadSessionNotFound)
	}

	s.BytesUploaded = result.BytesUploaded
	s.NextExpectedRange = result.NextExpectedRange
	if result.Done {
		s.Status = repository.UploadCompleted
	}
	if err := m.repo.UpdateUploadSession(s); err != nil {
		return repository.UploadSession{}, gwerrors.Wrap(err)
	}
	return s, nil
}

// CompleteInput carries the client-supplied part ETags S3-style providers
// need (spec §4.5 "Complete").
type CompleteInput struct {
	UploadID string
	Driver   storagedriver.Driver
	Parts    []storagedriver.CompletedPart
}

// CompleteResult reports the finalized object.
type CompleteResult struct {
	Size int64
	ETag string
}

func (m *Manager) Complete(ctx context.Context, in CompleteInput) (CompleteResult, error) {
	s, err := m.loadActive(in.UploadID)
	if err != nil {
		return CompleteResult{}, err
	}

	mp := in.Driver.Multipart()
	if mp == nil {
		return CompleteResult{}, gwerrors.New(gwerrors.CodeNotImplemented)
	}

	opCtx := storagedriver.OpContext{Context: ctx, MountID: s.MountID, StorageConfigID: s.StorageConfigID, UserRef: s.UserRef, UserKind: s.UserKind}
	size, etag, err := mp.Complete(opCtx, m.toView(s), in.Parts)
	if err != nil {
		return CompleteResult{}, gwerrors.Wrap(err)
	}

	s.Status = repository.UploadCompleted
	s.BytesUploaded = size
	if err := m.repo.UpdateUploadSession(s); err != nil {
		return CompleteResult{}, gwerrors.Wrap(err)
	}
	return CompleteResult{Size: size, ETag: etag}, nil
}

// Abort best-effort cancels the provider-side session and marks the row
// aborted (spec §4.5 "Abort").
func (m *Manager) Abort(ctx context.Context, uploadID string, drv storagedriver.Driver) error {
	s, ok, err := m.repo.GetUploadSession(uploadID)
	if err != nil {
		return gwerrors.Wrap(err)
	}
	if !ok {
		return gwerrors.New(gwerrors.CodeUploadSessionNotFound)
	}
	if s.Status != repository.UploadActive {
		return nil
	}

	if mp := drv.Multipart(); mp != nil {
		opCtx := storagedriver.OpContext{Context: ctx, MountID: s.MountID, StorageConfigID: s.StorageConfigID, UserRef: s.UserRef, UserKind: s.UserKind}
		_ = mp.Abort(opCtx, m.toView(s)) // best-effort per spec §4.5
	}

	s.Status = repository.UploadAborted
	return gwerrors.Wrap(m.repo.UpdateUploadSession(s))
}

// ListByPrefix lists active sessions under a path prefix (spec §6.1
// "multipart/list").
func (m *Manager) ListByPrefix(storageConfigID, pathPrefix string) ([]repository.UploadSession, error) {
	sessions, err := m.repo.ListUploadSessionsByPrefix(storageConfigID, pathPrefix)
	if err != nil {
		return nil, gwerrors.Wrap(err)
	}
	var active []repository.UploadSession
	for _, s := range sessions {
		if s.Status == repository.UploadActive {
			active = append(active, s)
		}
	}
	return active, nil
}
