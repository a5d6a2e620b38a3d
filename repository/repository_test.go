package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudgateway/gateway/mount"
)

func TestMountRoundTrip(t *testing.T) {
	r := NewInMemory()
	require.NoError(t, r.PutMount(mount.Mount{ID: "m1", MountPath: "/a", Active: true}))

	got, ok, err := r.GetMount("m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/a", got.MountPath)

	all, err := r.ListAllMounts()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, r.DeleteMount("m1"))
	_, ok, _ = r.GetMount("m1")
	require.False(t, ok)
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r := NewInMemory()
	require.NoError(t, r.PutAPIKey(APIKey{ID: "k1", Key: "secret", BasicPath: "/drive", Active: true}))

	got, ok, err := r.GetAPIKey("secret")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/drive", got.BasicPath)

	_, ok, err = r.GetAPIKey("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateUploadSessionRejectsDuplicateID(t *testing.T) {
	r := NewInMemory()
	s := UploadSession{UploadID: "u1", Status: UploadActive, CreatedAt: time.Now()}
	require.NoError(t, r.CreateUploadSession(s))
	require.Error(t, r.CreateUploadSession(s))
}

func TestUpdateUploadSessionRequiresExisting(t *testing.T) {
	r := NewInMemory()
	require.Error(t, r.UpdateUploadSession(UploadSession{UploadID: "missing"}))
}

func TestFindActiveUploadSessionMatchesFingerprintAndScope(t *testing.T) {
	r := NewInMemory()
	require.NoError(t, r.CreateUploadSession(UploadSession{
		UploadID: "u1", Status: UploadActive, UserRef: "u", UserKind: "user",
		StorageConfigID: "sc1", FSPath: "/dir", FileName: "a.bin", FileSize: 100,
		Fingerprint: "fp1", CreatedAt: time.Now(),
	}))

	found, ok, err := r.FindActiveUploadSession("u", "user", "sc1", "/dir", "a.bin", 100, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", found.UploadID)

	_, ok, err = r.FindActiveUploadSession("u", "user", "sc1", "/dir", "a.bin", 100, "different-fp")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListUploadSessionsByPrefixFiltersByStorageConfigAndPath(t *testing.T) {
	r := NewInMemory()
	require.NoError(t, r.CreateUploadSession(UploadSession{UploadID: "u1", StorageConfigID: "sc1", FSPath: "/a/b.bin", CreatedAt: time.Now()}))
	require.NoError(t, r.CreateUploadSession(UploadSession{UploadID: "u2", StorageConfigID: "sc1", FSPath: "/c/d.bin", CreatedAt: time.Now()}))
	require.NoError(t, r.CreateUploadSession(UploadSession{UploadID: "u3", StorageConfigID: "sc2", FSPath: "/a/e.bin", CreatedAt: time.Now()}))

	out, err := r.ListUploadSessionsByPrefix("sc1", "/a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "u1", out[0].UploadID)
}
