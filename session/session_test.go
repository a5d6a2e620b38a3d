package session

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudgateway/gateway/mount"
	"github.com/cloudgateway/gateway/repository"
	"github.com/cloudgateway/gateway/storagedriver"
)

// fakeMultipart is a minimal storagedriver.MultipartDriver used to exercise
// the session manager's lifecycle bookkeeping without any real provider.
type fakeMultipart struct {
	partSize   int64
	uploadID   string
	chunkResult storagedriver.ChunkResult
	probeResult storagedriver.ChunkResult
	completeSize int64
	completeETag string
	aborted    bool
}

func (f *fakeMultipart) Align(requested int64) int64 {
	if requested > 0 {
		return requested
	}
	return f.partSize
}

func (f *fakeMultipart) OpenSession(ctx storagedriver.OpContext, subPath string, fileSize, partSize int64) (string, string, map[string]string, error) {
	return f.uploadID, "https://provider.example/" + f.uploadID, map[string]string{}, nil
}

func (f *fakeMultipart) ProxyChunk(ctx storagedriver.OpContext, s storagedriver.MultipartSessionView, chunk storagedriver.ChunkRequest) (storagedriver.ChunkResult, error) {
	return f.chunkResult, nil
}

func (f *fakeMultipart) ProbeStatus(ctx storagedriver.OpContext, s storagedriver.MultipartSessionView) (storagedriver.ChunkResult, error) {
	return f.probeResult, nil
}

func (f *fakeMultipart) Complete(ctx storagedriver.OpContext, s storagedriver.MultipartSessionView, parts []storagedriver.CompletedPart) (int64, string, error) {
	return f.completeSize, f.completeETag, nil
}

func (f *fakeMultipart) Abort(ctx storagedriver.OpContext, s storagedriver.MultipartSessionView) error {
	f.aborted = true
	return nil
}

type fakeDriver struct {
	mp *fakeMultipart
}

func (d *fakeDriver) Name() string                             { return "fake" }
func (d *fakeDriver) Capabilities() storagedriver.Capabilities { return storagedriver.NewCapabilities(storagedriver.Multipart) }
func (d *fakeDriver) List(storagedriver.OpContext, string) ([]storagedriver.FileEntry, error) {
	return nil, nil
}
func (d *fakeDriver) Stat(storagedriver.OpContext, string) (storagedriver.FileEntry, error) {
	return storagedriver.FileEntry{}, nil
}
func (d *fakeDriver) Exists(storagedriver.OpContext, string) (bool, error) { return false, nil }
func (d *fakeDriver) Download(storagedriver.OpContext, string) (*storagedriver.StreamDescriptor, error) {
	return nil, nil
}
func (d *fakeDriver) Upload(storagedriver.OpContext, string, io.Reader, storagedriver.UploadOptions) (storagedriver.UploadResult, error) {
	return storagedriver.UploadResult{}, nil
}
func (d *fakeDriver) Mkdir(storagedriver.OpContext, string) (storagedriver.MkdirResult, error) {
	return storagedriver.MkdirResult{}, nil
}
func (d *fakeDriver) Remove(storagedriver.OpContext, string) error         { return nil }
func (d *fakeDriver) Rename(storagedriver.OpContext, string, string) error { return nil }
func (d *fakeDriver) Copy(storagedriver.OpContext, string, string, storagedriver.CopyOptions) (storagedriver.CopyResult, error) {
	return storagedriver.CopyResult{}, nil
}
func (d *fakeDriver) BatchRemove(storagedriver.OpContext, []string) (storagedriver.BatchRemoveResult, error) {
	return storagedriver.BatchRemoveResult{}, nil
}
func (d *fakeDriver) Search(storagedriver.OpContext, string, storagedriver.SearchOptions) ([]storagedriver.FileEntry, error) {
	return nil, nil
}
func (d *fakeDriver) GenerateDownloadURL(storagedriver.OpContext, string, int) (string, int, error) {
	return "", 0, nil
}
func (d *fakeDriver) GenerateProxyURL(storagedriver.OpContext, string) (string, error) { return "", nil }
func (d *fakeDriver) Multipart() storagedriver.MultipartDriver                          { return d.mp }

func TestInitializeCreatesActiveSession(t *testing.T) {
	repo := repository.NewInMemory()
	m := NewManager(repo)
	drv := &fakeDriver{mp: &fakeMultipart{partSize: 1024, uploadID: "prov-1"}}

	res, err := m.Initialize(context.Background(), InitializeInput{
		Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: drv,
		FSPath: "/dir", FileName: "a.bin", FileSize: 2048,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.UploadID)
	require.Equal(t, 2, res.PartCount)
	require.False(t, res.Reused)
}

func TestInitializeReusesActiveSessionByFingerprint(t *testing.T) {
	repo := repository.NewInMemory()
	m := NewManager(repo)
	drv := &fakeDriver{mp: &fakeMultipart{partSize: 1024, uploadID: "prov-1"}}

	first, err := m.Initialize(context.Background(), InitializeInput{
		Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: drv,
		FSPath: "/dir", FileName: "a.bin", FileSize: 2048, Fingerprint: "fp1",
	})
	require.NoError(t, err)

	second, err := m.Initialize(context.Background(), InitializeInput{
		Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: drv,
		FSPath: "/dir", FileName: "a.bin", FileSize: 2048, Fingerprint: "fp1",
	})
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Equal(t, first.UploadID, second.UploadID)
}

func TestInitializeRejectsNonMultipartDriver(t *testing.T) {
	repo := repository.NewInMemory()
	m := NewManager(repo)
	drv := &fakeDriver{mp: nil}

	_, err := m.Initialize(context.Background(), InitializeInput{
		Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: drv,
		FSPath: "/dir", FileName: "a.bin", FileSize: 10,
	})
	require.Error(t, err)
}

func TestProxyChunkMarksSessionCompletedOnDone(t *testing.T) {
	repo := repository.NewInMemory()
	m := NewManager(repo)
	mp := &fakeMultipart{partSize: 1024, uploadID: "prov-1"}
	drv := &fakeDriver{mp: mp}

	init, err := m.Initialize(context.Background(), InitializeInput{
		Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: drv,
		FSPath: "/dir", FileName: "a.bin", FileSize: 1024,
	})
	require.NoError(t, err)

	mp.chunkResult = storagedriver.ChunkResult{Done: true, BytesUploaded: 1024, ETag: "etag-1"}
	res, err := m.ProxyChunk(context.Background(), ProxyChunkInput{
		UploadID: init.UploadID, Driver: drv, ContentRangeStart: 0, ContentRangeEnd: 1023, TotalSize: 1024,
	})
	require.NoError(t, err)
	require.True(t, res.Done)
	require.Equal(t, "done", res.Status)

	s, ok, err := repo.GetUploadSession(init.UploadID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, repository.UploadCompleted, s.Status)
}

func TestProxyChunkOnMissingSessionMarksError(t *testing.T) {
	repo := repository.NewInMemory()
	m := NewManager(repo)
	mp := &fakeMultipart{partSize: 1024, uploadID: "prov-1"}
	drv := &fakeDriver{mp: mp}

	init, err := m.Initialize(context.Background(), InitializeInput{
		Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: drv,
		FSPath: "/dir", FileName: "a.bin", FileSize: 1024,
	})
	require.NoError(t, err)

	mp.chunkResult = storagedriver.ChunkResult{NotFound: true}
	_, err = m.ProxyChunk(context.Background(), ProxyChunkInput{UploadID: init.UploadID, Driver: drv})
	require.Error(t, err)

	s, ok, _ := repo.GetUploadSession(init.UploadID)
	require.True(t, ok)
	require.Equal(t, repository.UploadError, s.Status)
}

func TestCompleteFinalizesSession(t *testing.T) {
	repo := repository.NewInMemory()
	m := NewManager(repo)
	mp := &fakeMultipart{partSize: 1024, uploadID: "prov-1", completeSize: 2048, completeETag: "final-etag"}
	drv := &fakeDriver{mp: mp}

	init, err := m.Initialize(context.Background(), InitializeInput{
		Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: drv,
		FSPath: "/dir", FileName: "a.bin", FileSize: 2048,
	})
	require.NoError(t, err)

	res, err := m.Complete(context.Background(), CompleteInput{UploadID: init.UploadID, Driver: drv, Parts: []storagedriver.CompletedPart{{PartNumber: 1, ETag: "p1"}}})
	require.NoError(t, err)
	require.Equal(t, int64(2048), res.Size)
	require.Equal(t, "final-etag", res.ETag)

	_, err = m.Complete(context.Background(), CompleteInput{UploadID: init.UploadID, Driver: drv})
	require.Error(t, err, "completing an already-completed session must fail")
}

func TestAbortMarksSessionAborted(t *testing.T) {
	repo := repository.NewInMemory()
	m := NewManager(repo)
	mp := &fakeMultipart{partSize: 1024, uploadID: "prov-1"}
	drv := &fakeDriver{mp: mp}

	init, err := m.Initialize(context.Background(), InitializeInput{
		Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: drv,
		FSPath: "/dir", FileName: "a.bin", FileSize: 1024,
	})
	require.NoError(t, err)

	require.NoError(t, m.Abort(context.Background(), init.UploadID, drv))
	require.True(t, mp.aborted)

	s, ok, _ := repo.GetUploadSession(init.UploadID)
	require.True(t, ok)
	require.Equal(t, repository.UploadAborted, s.Status)

	require.NoError(t, m.Abort(context.Background(), init.UploadID, drv), "aborting a non-active session is a no-op")
}

func TestListByPrefixFiltersActiveSessions(t *testing.T) {
	repo := repository.NewInMemory()
	m := NewManager(repo)
	drv := &fakeDriver{mp: &fakeMultipart{partSize: 1024, uploadID: "prov-1"}}

	_, err := m.Initialize(context.Background(), InitializeInput{
		Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: drv,
		FSPath: "/dir/a.bin", FileName: "a.bin", FileSize: 1024,
	})
	require.NoError(t, err)

	out, err := m.ListByPrefix("sc1", "/dir")
	require.NoError(t, err)
	require.Len(t, out, 1)
}
