package mount

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudgateway/gateway/storagedriver"
	"github.com/cloudgateway/gateway/storagedriver/factory"
)

type fakeSource struct {
	mounts  []Mount
	configs map[string]StorageConfig
}

func (s *fakeSource) ListMounts() ([]Mount, error) { return s.mounts, nil }
func (s *fakeSource) GetStorageConfig(id string) (StorageConfig, bool, error) {
	c, ok := s.configs[id]
	return c, ok, nil
}

// noopDriver is a minimal storagedriver.Driver used only to exercise mount
// resolution without any real provider wiring.
type noopDriver struct{ name string }

func (d *noopDriver) Name() string                             { return d.name }
func (d *noopDriver) Capabilities() storagedriver.Capabilities { return 0 }
func (d *noopDriver) List(storagedriver.OpContext, string) ([]storagedriver.FileEntry, error) {
	return nil, nil
}
func (d *noopDriver) Stat(storagedriver.OpContext, string) (storagedriver.FileEntry, error) {
	return storagedriver.FileEntry{}, nil
}
func (d *noopDriver) Exists(storagedriver.OpContext, string) (bool, error) { return false, nil }
func (d *noopDriver) Download(storagedriver.OpContext, string) (*storagedriver.StreamDescriptor, error) {
	return nil, nil
}
func (d *noopDriver) Upload(storagedriver.OpContext, string, io.Reader, storagedriver.UploadOptions) (storagedriver.UploadResult, error) {
	return storagedriver.UploadResult{}, nil
}
func (d *noopDriver) Mkdir(storagedriver.OpContext, string) (storagedriver.MkdirResult, error) {
	return storagedriver.MkdirResult{}, nil
}
func (d *noopDriver) Remove(storagedriver.OpContext, string) error { return nil }
func (d *noopDriver) Rename(storagedriver.OpContext, string, string) error { return nil }
func (d *noopDriver) Copy(storagedriver.OpContext, string, string, storagedriver.CopyOptions) (storagedriver.CopyResult, error) {
	return storagedriver.CopyResult{}, nil
}
func (d *noopDriver) BatchRemove(storagedriver.OpContext, []string) (storagedriver.BatchRemoveResult, error) {
	return storagedriver.BatchRemoveResult{}, nil
}
func (d *noopDriver) Search(storagedriver.OpContext, string, storagedriver.SearchOptions) ([]storagedriver.FileEntry, error) {
	return nil, nil
}
func (d *noopDriver) GenerateDownloadURL(storagedriver.OpContext, string, int) (string, int, error) {
	return "", 0, nil
}
func (d *noopDriver) GenerateProxyURL(storagedriver.OpContext, string) (string, error) { return "", nil }
func (d *noopDriver) Multipart() storagedriver.MultipartDriver                         { return nil }

func init() {
	factory.Register("noop-mount-test", func(params map[string]interface{}) (storagedriver.Driver, error) {
		name, _ := params["name"].(string)
		return &noopDriver{name: name}, nil
	})
}

func newManager(t *testing.T, mounts []Mount) *Manager {
	t.Helper()
	configs := map[string]StorageConfig{}
	for _, mt := range mounts {
		configs[mt.StorageConfigID] = StorageConfig{ID: mt.StorageConfigID, Type: "noop-mount-test", Params: map[string]interface{}{"name": mt.StorageConfigID}}
	}
	mgr, err := NewManager(&fakeSource{mounts: mounts, configs: configs}, 8)
	require.NoError(t, err)
	return mgr
}

func TestResolveLongestPrefix(t *testing.T) {
	mounts := []Mount{
		{ID: "1", MountPath: "/", StorageConfigID: "root", Active: true},
		{ID: "2", MountPath: "/docs", StorageConfigID: "docs", Active: true},
		{ID: "3", MountPath: "/docs/archive", StorageConfigID: "archive", Active: true},
	}
	mgr := newManager(t, mounts)

	cases := []struct {
		path    string
		wantCfg string
		wantSub string
	}{
		{"/docs/archive/2020/file.txt", "archive", "/2020/file.txt"},
		{"/docs/readme.txt", "docs", "/readme.txt"},
		{"/other/file", "root", "/other/file"},
		{"/docs", "docs", "/"},
		{"/docs/archive", "archive", "/"},
	}

	for _, c := range cases {
		res, err := mgr.Resolve(c.path)
		require.NoError(t, err, c.path)
		require.Equal(t, c.wantCfg, res.Mount.StorageConfigID, c.path)
		require.Equal(t, c.wantSub, res.SubPath, c.path)
	}
}

func TestResolveDeterminismUnderRemoval(t *testing.T) {
	full := []Mount{
		{ID: "1", MountPath: "/", StorageConfigID: "root", Active: true},
		{ID: "2", MountPath: "/a", StorageConfigID: "a", Active: true},
		{ID: "3", MountPath: "/a/b", StorageConfigID: "ab", Active: true},
		{ID: "4", MountPath: "/unrelated", StorageConfigID: "u", Active: true},
	}
	mgr := newManager(t, full)
	res, err := mgr.Resolve("/a/b/c")
	require.NoError(t, err)
	require.Equal(t, "ab", res.Mount.StorageConfigID)

	reduced := []Mount{full[0], full[1], full[2]} // drop the unrelated mount
	mgr2 := newManager(t, reduced)
	res2, err := mgr2.Resolve("/a/b/c")
	require.NoError(t, err)
	require.Equal(t, res.Mount.StorageConfigID, res2.Mount.StorageConfigID)
	require.Equal(t, res.SubPath, res2.SubPath)
}

func TestResolveNoMatch(t *testing.T) {
	mgr := newManager(t, []Mount{{ID: "1", MountPath: "/only", StorageConfigID: "only", Active: true}})
	_, err := mgr.Resolve("/elsewhere")
	require.Error(t, err)
	require.IsType(t, ErrNoMount{}, err)
}

func TestResolveCarriesStorageConfigURLProxy(t *testing.T) {
	mounts := []Mount{{ID: "1", MountPath: "/", StorageConfigID: "sc1", Active: true}}
	configs := map[string]StorageConfig{
		"sc1": {ID: "sc1", Type: "noop-mount-test", Params: map[string]interface{}{"name": "sc1"}, URLProxy: "https://worker.example/proxy"},
	}
	mgr, err := NewManager(&fakeSource{mounts: mounts, configs: configs}, 8)
	require.NoError(t, err)

	res, err := mgr.Resolve("/a.txt")
	require.NoError(t, err)
	require.Equal(t, "https://worker.example/proxy", res.StorageConfig.URLProxy)
}

func TestResolveSkipsInactiveMounts(t *testing.T) {
	mounts := []Mount{
		{ID: "1", MountPath: "/x", StorageConfigID: "active", Active: true},
		{ID: "2", MountPath: "/x/y", StorageConfigID: "inactive", Active: false},
	}
	mgr := newManager(t, mounts)
	res, err := mgr.Resolve("/x/y/z")
	require.NoError(t, err)
	require.Equal(t, "active", res.Mount.StorageConfigID)
}
