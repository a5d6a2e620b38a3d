package fsfacade

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/cloudgateway/gateway/drivers/localfs"
	"github.com/cloudgateway/gateway/cachebus"
	"github.com/cloudgateway/gateway/mount"
	"github.com/cloudgateway/gateway/repository"
	"github.com/cloudgateway/gateway/session"
	"github.com/cloudgateway/gateway/storagedriver"
)

func newLocalMountRepo(t *testing.T, mounts ...mount.Mount) *repository.InMemory {
	t.Helper()
	repo := repository.NewInMemory()
	for _, m := range mounts {
		root := t.TempDir()
		require.NoError(t, repo.PutStorageConfig(mount.StorageConfig{ID: m.StorageConfigID, Type: "localfs", Params: map[string]interface{}{"rootdirectory": root}}))
		require.NoError(t, repo.PutMount(m))
	}
	return repo
}

func newFacade(t *testing.T, repo *repository.InMemory) (*FileSystem, *cachebus.Bus) {
	t.Helper()
	mounts, err := mount.NewManager(repo, 8)
	require.NoError(t, err)
	bus := cachebus.New()
	fs := New(mounts, bus, session.NewManager(repo))
	return fs, bus
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	repo := newLocalMountRepo(t, mount.Mount{ID: "m1", MountPath: "/", StorageConfigID: "sc1", Active: true})
	fs, bus := newFacade(t, repo)
	defer bus.Close()
	who := CallerIdentity{UserRef: "u1", UserKind: "user"}

	_, err := fs.Upload(context.Background(), "/a.txt", strings.NewReader("hello"), storagedriver.UploadOptions{}, who, nil)
	require.NoError(t, err)

	desc, _, err := fs.Download(context.Background(), "/a.txt", who, nil)
	require.NoError(t, err)
	require.Equal(t, int64(5), desc.Size)

	rc, err := desc.Open(context.Background(), nil)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestListSucceedsWithoutError(t *testing.T) {
	repo := newLocalMountRepo(t, mount.Mount{ID: "m1", MountPath: "/", StorageConfigID: "sc1", Active: true})
	fs, bus := newFacade(t, repo)
	defer bus.Close()
	who := CallerIdentity{}

	require.NoError(t, mustUpload(fs, "/a.txt", "x"))

	entries, err := fs.List(context.Background(), "/", who, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a.txt", entries[0].Name)
}

func TestListUnknownMountReturnsNotFound(t *testing.T) {
	repo := repository.NewInMemory()
	fs, bus := newFacade(t, repo)
	defer bus.Close()

	_, err := fs.List(context.Background(), "/nowhere/file.txt", CallerIdentity{}, nil)
	require.Error(t, err)
}

func TestSameMountCopyIsAtomic(t *testing.T) {
	repo := newLocalMountRepo(t, mount.Mount{ID: "m1", MountPath: "/", StorageConfigID: "sc1", Active: true})
	fs, bus := newFacade(t, repo)
	defer bus.Close()
	who := CallerIdentity{}

	_, err := fs.Upload(context.Background(), "/src.txt", strings.NewReader("payload"), storagedriver.UploadOptions{}, who, nil)
	require.NoError(t, err)

	result, err := fs.Copy(context.Background(), "/src.txt", "/dst.txt", storagedriver.CopyOptions{}, who, nil)
	require.NoError(t, err)
	require.Equal(t, storagedriver.CopySuccess, result.Status)

	desc, _, err := fs.Download(context.Background(), "/dst.txt", who, nil)
	require.NoError(t, err)
	require.Equal(t, int64(len("payload")), desc.Size)
}

func TestCrossMountCopyStreamsThroughTheFacade(t *testing.T) {
	repo := newLocalMountRepo(t,
		mount.Mount{ID: "m1", MountPath: "/one", StorageConfigID: "sc1", Active: true},
		mount.Mount{ID: "m2", MountPath: "/two", StorageConfigID: "sc2", Active: true},
	)
	fs, bus := newFacade(t, repo)
	defer bus.Close()
	who := CallerIdentity{}

	_, err := fs.Upload(context.Background(), "/one/src.txt", strings.NewReader("cross-mount"), storagedriver.UploadOptions{}, who, nil)
	require.NoError(t, err)

	result, err := fs.Copy(context.Background(), "/one/src.txt", "/two/dst.txt", storagedriver.CopyOptions{}, who, nil)
	require.NoError(t, err)
	require.Equal(t, storagedriver.CopySuccess, result.Status)

	desc, _, err := fs.Download(context.Background(), "/two/dst.txt", who, nil)
	require.NoError(t, err)
	require.Equal(t, int64(len("cross-mount")), desc.Size)
}

func TestCrossMountCopySkipsExistingWhenRequested(t *testing.T) {
	repo := newLocalMountRepo(t,
		mount.Mount{ID: "m1", MountPath: "/one", StorageConfigID: "sc1", Active: true},
		mount.Mount{ID: "m2", MountPath: "/two", StorageConfigID: "sc2", Active: true},
	)
	fs, bus := newFacade(t, repo)
	defer bus.Close()
	who := CallerIdentity{}

	require.NoError(t, mustUpload(fs, "/one/src.txt", "a"))
	require.NoError(t, mustUpload(fs, "/two/dst.txt", "b"))

	result, err := fs.Copy(context.Background(), "/one/src.txt", "/two/dst.txt", storagedriver.CopyOptions{SkipExisting: true}, who, nil)
	require.NoError(t, err)
	require.Equal(t, storagedriver.CopySkipped, result.Status)
}

func mustUpload(fs *FileSystem, path, content string) error {
	_, err := fs.Upload(context.Background(), path, strings.NewReader(content), storagedriver.UploadOptions{}, CallerIdentity{}, nil)
	return err
}

func TestRemovePublishesInvalidationEvent(t *testing.T) {
	repo := newLocalMountRepo(t, mount.Mount{ID: "m1", MountPath: "/", StorageConfigID: "sc1", Active: true})
	fs, bus := newFacade(t, repo)
	defer bus.Close()
	who := CallerIdentity{}

	require.NoError(t, mustUpload(fs, "/a.txt", "x"))

	events := make(chan cachebus.Event, 1)
	bus.Subscribe(func(ev cachebus.Event) { events <- ev })

	require.NoError(t, fs.Remove(context.Background(), "/a.txt", who, nil))

	select {
	case ev := <-events:
		require.Equal(t, cachebus.ReasonRemove, ev.Reason)
		require.Contains(t, ev.Paths, "/a.txt")
	case <-time.After(time.Second):
		t.Fatal("no invalidation event published on remove")
	}
}
