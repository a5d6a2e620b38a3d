package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudgateway/gateway/cachebus"
	_ "github.com/cloudgateway/gateway/drivers/localfs"
	"github.com/cloudgateway/gateway/mount"
	"github.com/cloudgateway/gateway/repository"
	"github.com/cloudgateway/gateway/session"

	"github.com/cloudgateway/gateway/fsfacade"
	"github.com/cloudgateway/gateway/linkresolver"
)

func newTestServer(t *testing.T, basicPath string) (*Server, string) {
	t.Helper()
	repo := repository.NewInMemory()
	require.NoError(t, repo.PutStorageConfig(mount.StorageConfig{ID: "sc1", Type: "localfs", Params: map[string]interface{}{"rootdirectory": t.TempDir()}}))
	require.NoError(t, repo.PutMount(mount.Mount{ID: "m1", MountPath: "/", StorageConfigID: "sc1", Active: true}))
	require.NoError(t, repo.PutAPIKey(repository.APIKey{ID: "k1", Key: "testkey", BasicPath: basicPath, UserRef: "u1", UserKind: "user", Active: true}))

	mounts, err := mount.NewManager(repo, 8)
	require.NoError(t, err)
	bus := cachebus.New()
	t.Cleanup(bus.Close)
	fs := fsfacade.New(mounts, bus, session.NewManager(repo))
	resolver := linkresolver.New(bus, 64)

	return NewServer(fs, resolver, repo), "testkey"
}

func doReq(s *Server, method, path, apiKey string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestUploadDirectThenListThenDownload(t *testing.T) {
	s, key := newTestServer(t, "/")

	rec := doReq(s, http.MethodPost, "/api/fs/upload-direct?path=/a.txt", key, []byte("hello"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(s, http.MethodGet, "/api/fs/list?path=/", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)

	rec = doReq(s, http.MethodGet, "/api/fs/download?path=/a.txt", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	s, _ := newTestServer(t, "/")
	rec := doReq(s, http.MethodGet, "/api/fs/list?path=/", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInvalidAPIKeyIsRejected(t *testing.T) {
	s, _ := newTestServer(t, "/")
	rec := doReq(s, http.MethodGet, "/api/fs/list?path=/", "bogus", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBasicPathScopeForbidsOutsideQueryPaths(t *testing.T) {
	s, key := newTestServer(t, "/scoped")
	rec := doReq(s, http.MethodGet, "/api/fs/list?path=/other", key, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBasicPathScopeForbidsOutsideBodyPaths(t *testing.T) {
	s, key := newTestServer(t, "/scoped")

	rec := doReq(s, http.MethodPost, "/api/fs/upload-direct?path=/scoped/a.txt", key, []byte("x"))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := json.Marshal(renameRequest{OldPath: "/scoped/a.txt", NewPath: "/elsewhere/a.txt"})
	require.NoError(t, err)
	rec = doReq(s, http.MethodPost, "/api/fs/rename", key, body)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMkdirRenameCopyRoundTrip(t *testing.T) {
	s, key := newTestServer(t, "/")

	rec := doReq(s, http.MethodPost, "/api/fs/mkdir?path=/dir", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(s, http.MethodPost, "/api/fs/upload-direct?path=/dir/a.txt", key, []byte("payload"))
	require.Equal(t, http.StatusOK, rec.Code)

	renameBody, err := json.Marshal(renameRequest{OldPath: "/dir/a.txt", NewPath: "/dir/b.txt"})
	require.NoError(t, err)
	rec = doReq(s, http.MethodPost, "/api/fs/rename", key, renameBody)
	require.Equal(t, http.StatusOK, rec.Code)

	copyBody, err := json.Marshal(copyRequest{SrcPath: "/dir/b.txt", DstPath: "/dir/c.txt"})
	require.NoError(t, err)
	rec = doReq(s, http.MethodPost, "/api/fs/copy", key, copyBody)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(s, http.MethodGet, "/api/fs/download?path=/dir/c.txt", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "payload", rec.Body.String())
}

func TestBatchDeleteRemovesAllPaths(t *testing.T) {
	s, key := newTestServer(t, "/")

	require.Equal(t, http.StatusOK, doReq(s, http.MethodPost, "/api/fs/upload-direct?path=/a.txt", key, []byte("1")).Code)
	require.Equal(t, http.StatusOK, doReq(s, http.MethodPost, "/api/fs/upload-direct?path=/b.txt", key, []byte("2")).Code)

	body, err := json.Marshal(batchDeleteRequest{Paths: []string{"/a.txt", "/b.txt"}})
	require.NoError(t, err)
	rec := doReq(s, http.MethodPost, "/api/fs/batch-delete", key, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(s, http.MethodGet, "/api/fs/download?path=/a.txt", key, nil)
	require.NotEqual(t, http.StatusOK, rec.Code)
}

func TestMultipartInitAbortLifecycle(t *testing.T) {
	s, key := newTestServer(t, "/")

	initBody, err := json.Marshal(multipartInitRequest{Path: "/big.bin", FileName: "big.bin", FileSize: 10})
	require.NoError(t, err)
	rec := doReq(s, http.MethodPost, "/api/fs/multipart/init", key, initBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	uploadID := data["UploadID"].(string)
	require.NotEmpty(t, uploadID)

	abortBody, err := json.Marshal(multipartPathRequest{UploadID: uploadID, Path: "/big.bin"})
	require.NoError(t, err)
	rec = doReq(s, http.MethodPost, "/api/fs/multipart/abort", key, abortBody)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLinkResolvesToProxyTierForLocalfs(t *testing.T) {
	s, key := newTestServer(t, "/")
	require.Equal(t, http.StatusOK, doReq(s, http.MethodPost, "/api/fs/upload-direct?path=/a.txt", key, []byte("x")).Code)

	rec := doReq(s, http.MethodGet, "/api/fs/link?path=/a.txt", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	data := env.Data.(map[string]interface{})
	require.Equal(t, "proxy", data["Kind"])
}
