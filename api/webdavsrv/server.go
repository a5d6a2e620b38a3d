package webdavsrv

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/webdav"

	"github.com/cloudgateway/gateway/config"
	"github.com/cloudgateway/gateway/fsfacade"
	"github.com/cloudgateway/gateway/gwerrors"
	"github.com/cloudgateway/gateway/linkresolver"
	"github.com/cloudgateway/gateway/repository"
	"github.com/cloudgateway/gateway/storagedriver"
)

// prefix is the URL path prefix of the WebDAV surface, which is served on
// its own listener (spec §6.2).
const prefix = "/dav"

// Server is the RFC 4918 WebDAV surface (spec §6.2), layered over the same
// fsfacade.FileSystem the JSON API uses. GET/HEAD and COPY are intercepted
// ahead of the stock golang.org/x/net/webdav dispatch because they need the
// link-resolver's tiered resolution and the facade's same-driver-vs-
// cross-driver copy policy, neither of which x/net/webdav's generic
// file-walk implementation knows about; PUT is intercepted because
// webdav.FileSystem.OpenFile cannot see the request's Content-Length, which
// backend drivers need up front. Everything else (OPTIONS, PROPFIND, MKCOL,
// DELETE, MOVE, LOCK, UNLOCK, PROPPATCH) is delegated to a stock
// webdav.Handler backed by davFS, except that a DELETE of the root "/" is
// answered with 403 before dispatch.
type Server struct {
	facade   *fsfacade.FileSystem
	resolver *linkresolver.Resolver
	keys     repository.Repository
	putMode  config.PutMode
	locks    webdav.LockSystem
}

// NewServer builds the WebDAV server described in spec §6.2.
func NewServer(facade *fsfacade.FileSystem, resolver *linkresolver.Resolver, keys repository.Repository, putMode config.PutMode) *Server {
	return &Server{facade: facade, resolver: resolver, keys: keys, putMode: putMode, locks: newMemLockSystem()}
}

// Handler returns the http.Handler to mount at /dav.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	who, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	virtualPath := strings.TrimPrefix(r.URL.Path, prefix)
	if virtualPath == "" {
		virtualPath = "/"
	}
	if !withinBasicPath(virtualPath, who.BasicPath) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("DAV", "1, 2")
	w.Header().Set("MS-Author-Via", "DAV")

	if r.Method == http.MethodDelete && virtualPath == "/" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.serveGet(w, r, who, virtualPath)
	case "PUT":
		s.servePut(w, r, who, virtualPath)
	case "COPY":
		s.serveCopy(w, r, who, virtualPath)
	default:
		fs := &davFS{facade: s.facade, who: who}
		(&webdav.Handler{Prefix: prefix, FileSystem: fs, LockSystem: s.locks}).ServeHTTP(w, r)
	}
}

// authenticate duplicates httpapi's X-Api-Key lookup rather than importing
// it: the two packages sit on either side of the same repository boundary
// but answer in different wire formats (JSON envelope vs. plain text), so
// sharing the helper would couple their response conventions together.
func (s *Server) authenticate(r *http.Request) (fsfacade.CallerIdentity, bool) {
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		return fsfacade.CallerIdentity{}, false
	}
	rec, ok, err := s.keys.GetAPIKey(key)
	if err != nil || !ok || !rec.Active {
		return fsfacade.CallerIdentity{}, false
	}
	return fsfacade.CallerIdentity{UserRef: rec.UserRef, UserKind: rec.UserKind, BasicPath: rec.BasicPath}, true
}

func withinBasicPath(p, basicPath string) bool {
	if basicPath == "" || basicPath == "/" {
		return true
	}
	return p == basicPath || strings.HasPrefix(p, basicPath+"/")
}

func davRequestInfo(r *http.Request) *storagedriver.RequestInfo {
	return &storagedriver.RequestInfo{Method: r.Method, UserAgent: r.UserAgent(), Header: map[string][]string(r.Header)}
}

// serveGet implements GET/HEAD (spec §6.2: "GET/HEAD follow the same
// link-resolver tiers as the JSON API's download/link endpoints, honoring
// each mount's WebDAVPolicy"). A KindDirect resolution redirects the client
// straight to the provider; everything else streams through the gateway
// with the same conditional/range handling the JSON API uses.
func (s *Server) serveGet(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity, virtualPath string) {
	resolved, err := s.facade.ResolveMount(virtualPath)
	if err != nil {
		writeDavError(w, err)
		return
	}
	res, err := s.resolver.Resolve(linkresolver.Request{
		Mount: resolved.Mount, StorageConfigID: resolved.Mount.StorageConfigID, Driver: resolved.Driver,
		SubPath: resolved.SubPath, UserAgent: r.UserAgent(), UserRef: who.UserRef, UserKind: who.UserKind,
		URLProxy: resolved.StorageConfig.URLProxy,
	})
	if err != nil {
		writeDavError(w, err)
		return
	}
	if res.Kind == linkresolver.KindDirect {
		http.Redirect(w, r, res.URL, http.StatusFound)
		return
	}

	desc, _, err := s.facade.Download(r.Context(), virtualPath, who, davRequestInfo(r))
	if err != nil {
		writeDavError(w, err)
		return
	}
	streamDavFile(w, r, desc)
}

func streamDavFile(w http.ResponseWriter, r *http.Request, desc *storagedriver.StreamDescriptor) {
	if desc.ETag != "" {
		w.Header().Set("ETag", desc.ETag)
	}
	if !desc.LastModified.IsZero() {
		w.Header().Set("Last-Modified", desc.LastModified.UTC().Format(http.TimeFormat))
	}
	if desc.ContentType != "" {
		w.Header().Set("Content-Type", desc.ContentType)
	}

	switch linkresolver.EvaluateConditional(r.Header, desc) {
	case linkresolver.ConditionalNotModified:
		w.WriteHeader(http.StatusNotModified)
		return
	case linkresolver.ConditionalPreconditionFailed:
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	var rng *storagedriver.ByteRange
	status := http.StatusOK
	if desc.SupportsRange {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	if h := r.Header.Get("Range"); h != "" && desc.Size > 0 {
		if parsed, ok := linkresolver.ParseRange(h, desc.Size); ok {
			rng = &parsed
			status = http.StatusPartialContent
			w.Header().Set("Content-Range", linkresolver.ContentRangeHeader(parsed, desc.Size))
			w.Header().Set("Content-Length", strconv.FormatInt(parsed.Len(desc.Size), 10))
		}
	}
	if rng == nil && desc.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
	}

	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	body, err := desc.Open(r.Context(), rng)
	if err != nil {
		return
	}
	defer body.Close()
	if rng != nil && !desc.SupportsRange {
		body = linkresolver.NewSoftSliceReader(body, *rng, desc.Size)
	}
	copyBody(w, body)
}

// servePut implements PUT (spec §6.2 "single-mode buffers the whole body
// before calling Upload; chunked-mode streams r.Body straight through,
// since WebDAV clients send a real Content-Length on every PUT"). Both
// modes read the body directly off the request rather than through
// davFS/davFile, which is exactly the limitation this split works around.
func (s *Server) servePut(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity, virtualPath string) {
	existed, _ := s.facade.Exists(r.Context(), virtualPath, who, davRequestInfo(r))

	opts := storagedriver.UploadOptions{ContentLength: r.ContentLength, ContentType: r.Header.Get("Content-Type"), StorageFirst: true}

	var body = r.Body
	if s.putMode == config.PutModeSingle {
		buffered, err := bufferBody(r)
		if err != nil {
			writeDavError(w, gwerrors.Wrap(err))
			return
		}
		opts.ContentLength = int64(len(buffered.Bytes()))
		_, err = s.facade.Upload(r.Context(), virtualPath, buffered, opts, who, davRequestInfo(r))
		if err != nil {
			writeDavError(w, err)
			return
		}
	} else {
		if _, err := s.facade.Upload(r.Context(), virtualPath, body, opts, who, davRequestInfo(r)); err != nil {
			writeDavError(w, err)
			return
		}
	}

	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

// serveCopy implements COPY (spec §6.2: "honors the same atomic-vs-streaming
// policy as the JSON API's /copy, rather than x/net/webdav's generic
// read-then-write walk").
func (s *Server) serveCopy(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity, virtualPath string) {
	dst, err := destinationPath(r.Header.Get("Destination"))
	if err != nil {
		http.Error(w, "bad destination", http.StatusBadRequest)
		return
	}
	if !withinBasicPath(dst, who.BasicPath) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	overwrite := r.Header.Get("Overwrite") != "F"
	existedBefore, _ := s.facade.Exists(r.Context(), dst, who, davRequestInfo(r))
	if !overwrite && existedBefore {
		http.Error(w, "destination exists", http.StatusPreconditionFailed)
		return
	}

	res, err := s.facade.Copy(r.Context(), virtualPath, dst, storagedriver.CopyOptions{SkipExisting: !overwrite}, who, davRequestInfo(r))
	if err != nil {
		writeDavError(w, err)
		return
	}
	switch res.Status {
	case storagedriver.CopySkipped:
		http.Error(w, "destination exists", http.StatusPreconditionFailed)
	case storagedriver.CopyFailed:
		http.Error(w, res.Reason, http.StatusBadGateway)
	default:
		if existedBefore {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
	}
}

// destinationPath parses the Destination header (an absolute URL per RFC
// 4918) and strips the /dav mount prefix to recover the virtual path.
func destinationPath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	p := strings.TrimPrefix(u.Path, prefix)
	if p == "" {
		p = "/"
	}
	return p, nil
}

func writeDavError(w http.ResponseWriter, err error) {
	status, env := gwerrors.Render(err)
	http.Error(w, env.Message, status)
}

// bufferBody reads the full request body into memory for single-upload
// mode, where the driver needs a final ContentLength before the first byte
// goes out (spec §3 config.PutModeSingle).
func bufferBody(r *http.Request) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, r.Body); err != nil {
		return nil, err
	}
	return buf, nil
}

func copyBody(w http.ResponseWriter, r io.Reader) {
	_, _ = io.Copy(w, r)
}
