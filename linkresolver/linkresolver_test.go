package linkresolver

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudgateway/gateway/cachebus"
	"github.com/cloudgateway/gateway/mount"
	"github.com/cloudgateway/gateway/storagedriver"
)

// fakeDriver is a minimal storagedriver.Driver exercising only the
// capability bits and URL-generation methods the resolver consults.
type fakeDriver struct {
	caps        storagedriver.Capabilities
	downloadURL string
	proxyURL    string
}

func (d *fakeDriver) Name() string                             { return "fake" }
func (d *fakeDriver) Capabilities() storagedriver.Capabilities { return d.caps }
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
func (d *fakeDriver) Remove(storagedriver.OpContext, string) error                { return nil }
func (d *fakeDriver) Rename(storagedriver.OpContext, string, string) error        { return nil }
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
	return d.downloadURL, 300, nil
}
func (d *fakeDriver) GenerateProxyURL(storagedriver.OpContext, string) (string, error) {
	return d.proxyURL, nil
}

func TestResolveDirectTierWhenCapable(t *testing.T) {
	r := New(nil, 64)
	driver := &fakeDriver{caps: storagedriver.NewCapabilities(storagedriver.DirectLink), downloadURL: "https://s3.example/signed"}

	res, err := r.Resolve(Request{Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: driver, SubPath: "/a.txt"})
	require.NoError(t, err)
	require.Equal(t, KindDirect, res.Kind)
	require.Equal(t, "https://s3.example/signed", res.URL)
}

func TestResolveForceProxySkipsDirectTier(t *testing.T) {
	r := New(nil, 64)
	driver := &fakeDriver{caps: storagedriver.NewCapabilities(storagedriver.DirectLink), downloadURL: "https://s3.example/signed"}

	res, err := r.Resolve(Request{Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: driver, SubPath: "/a.txt", ForceProxy: true})
	require.NoError(t, err)
	require.Equal(t, KindProxy, res.Kind)
	require.Equal(t, "/api/p/a.txt", res.URL)
}

func TestResolveFallsBackToGatewayProxyWithoutProxyCapability(t *testing.T) {
	r := New(nil, 64)
	driver := &fakeDriver{caps: 0}

	res, err := r.Resolve(Request{Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: driver, SubPath: "/a.txt"})
	require.NoError(t, err)
	require.Equal(t, KindProxy, res.Kind)
	require.Equal(t, "/api/p/a.txt", res.URL)
}

func TestResolveWebDAVUseProxyURLIgnoresDriverCapabilities(t *testing.T) {
	r := New(nil, 64)
	driver := &fakeDriver{caps: storagedriver.NewCapabilities(storagedriver.DirectLink), downloadURL: "https://should-not-be-used"}

	res, err := r.Resolve(Request{
		Mount:   mount.Mount{ID: "m1", WebDAVPolicy: mount.WebDAVUseProxyURL},
		StorageConfigID: "sc1", Driver: driver, SubPath: "/a.txt",
	})
	require.NoError(t, err)
	require.Equal(t, KindProxy, res.Kind)
	require.Equal(t, "/api/p/a.txt", res.URL)
}

func TestResolveWebDAVUseProxyURLBuildsURLProxyForm(t *testing.T) {
	r := New(nil, 64)
	driver := &fakeDriver{caps: storagedriver.NewCapabilities(storagedriver.DirectLink), downloadURL: "https://should-not-be-used"}

	res, err := r.Resolve(Request{
		Mount:    mount.Mount{ID: "m1", WebDAVPolicy: mount.WebDAVUseProxyURL},
		StorageConfigID: "sc1", Driver: driver, SubPath: "/a.txt",
		URLProxy: "https://worker.example/proxy/",
	})
	require.NoError(t, err)
	require.Equal(t, KindProxy, res.Kind)
	require.Equal(t, "https://worker.example/proxy/a.txt", res.URL)
}

func TestResolveCachesWithinExpiry(t *testing.T) {
	r := New(nil, 64)
	calls := 0
	driver := &fakeDriver{caps: storagedriver.NewCapabilities(storagedriver.DirectLink), downloadURL: "https://s3.example/signed"}
	_ = calls

	req := Request{Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: driver, SubPath: "/cached.txt"}
	first, err := r.Resolve(req)
	require.NoError(t, err)

	// Mutate the driver's URL; a cache hit should still return the first URL.
	driver.downloadURL = "https://s3.example/changed"
	second, err := r.Resolve(req)
	require.NoError(t, err)
	require.Equal(t, first.URL, second.URL)
}

func TestOnInvalidateEvictsCacheEntry(t *testing.T) {
	bus := cachebus.New()
	defer bus.Close()
	r := New(bus, 64)
	driver := &fakeDriver{caps: storagedriver.NewCapabilities(storagedriver.DirectLink), downloadURL: "https://s3.example/v1"}

	req := Request{Mount: mount.Mount{ID: "m1"}, StorageConfigID: "sc1", Driver: driver, SubPath: "/x.txt"}
	_, err := r.Resolve(req)
	require.NoError(t, err)

	r.onInvalidate(cachebus.Event{StorageConfigID: "sc1", Paths: []string{"/x.txt"}})

	driver.downloadURL = "https://s3.example/v2"
	res, err := r.Resolve(req)
	require.NoError(t, err)
	require.Equal(t, "https://s3.example/v2", res.URL)
}
