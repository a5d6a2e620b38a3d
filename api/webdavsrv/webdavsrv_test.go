package webdavsrv

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"

	"github.com/cloudgateway/gateway/cachebus"
	"github.com/cloudgateway/gateway/config"
	_ "github.com/cloudgateway/gateway/drivers/localfs"
	"github.com/cloudgateway/gateway/fsfacade"
	"github.com/cloudgateway/gateway/linkresolver"
	"github.com/cloudgateway/gateway/mount"
	"github.com/cloudgateway/gateway/repository"
	"github.com/cloudgateway/gateway/session"
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
	sessions := session.NewManager(repo)
	facade := fsfacade.New(mounts, bus, sessions)
	resolver := linkresolver.New(bus, 64)

	return NewServer(facade, resolver, repo, config.PutModeChunked), "testkey"
}

func doReq(t *testing.T, s *Server, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, prefix+path, strings.NewReader(body))
		r.ContentLength = int64(len(body))
	} else {
		r = httptest.NewRequest(method, prefix+path, nil)
	}
	if apiKey != "" {
		r.Header.Set("X-Api-Key", apiKey)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func TestPutGetRoundTrip(t *testing.T) {
	s, key := newTestServer(t, "")

	w := doReq(t, s, "PUT", "/hello.txt", key, "hello world")
	require.Equal(t, http.StatusCreated, w.Code)

	w = doReq(t, s, "PUT", "/hello.txt", key, "goodbye")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doReq(t, s, http.MethodGet, "/hello.txt", key, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "goodbye", w.Body.String())
}

func TestUnauthorizedWithoutAPIKey(t *testing.T) {
	s, _ := newTestServer(t, "")
	w := doReq(t, s, http.MethodGet, "/hello.txt", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBasicPathForbidsOutsidePrefix(t *testing.T) {
	s, key := newTestServer(t, "/scoped")

	w := doReq(t, s, "PUT", "/other/file.txt", key, "x")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doReq(t, s, "PUT", "/scoped/file.txt", key, "x")
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestDeleteAtRootForbidden(t *testing.T) {
	s, key := newTestServer(t, "")
	w := doReq(t, s, http.MethodDelete, "/", key, "")
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCopyHonorsOverwriteHeader(t *testing.T) {
	s, key := newTestServer(t, "")
	require.Equal(t, http.StatusCreated, doReq(t, s, "PUT", "/a.txt", key, "one").Code)
	require.Equal(t, http.StatusCreated, doReq(t, s, "PUT", "/b.txt", key, "two").Code)

	r := httptest.NewRequest("COPY", prefix+"/a.txt", nil)
	r.Header.Set("X-Api-Key", key)
	r.Header.Set("Destination", "http://example.com"+prefix+"/b.txt")
	r.Header.Set("Overwrite", "F")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusPreconditionFailed, w.Code)

	r = httptest.NewRequest("COPY", prefix+"/a.txt", nil)
	r.Header.Set("X-Api-Key", key)
	r.Header.Set("Destination", "http://example.com"+prefix+"/b.txt")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doReq(t, s, http.MethodGet, "/b.txt", key, "")
	require.Equal(t, "one", w.Body.String())
}

func TestLockCreateAndUnlock(t *testing.T) {
	l := newMemLockSystem()
	now := time.Now()
	details := webdav.LockDetails{Root: "/x.txt", Duration: time.Minute}

	token, err := l.Create(now, details)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = l.Create(now, details)
	require.Error(t, err)

	require.NoError(t, l.Unlock(now, token))

	_, err = l.Create(now, details)
	require.NoError(t, err)
}
