package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cloudgateway/gateway/fsfacade"
	"github.com/cloudgateway/gateway/gwerrors"
	"github.com/cloudgateway/gateway/linkresolver"
	"github.com/cloudgateway/gateway/session"
	"github.com/cloudgateway/gateway/storagedriver"
)

func requestInfo(r *http.Request) *fsfacade.RequestInfo {
	return &fsfacade.RequestInfo{Method: r.Method, UserAgent: r.UserAgent(), Header: map[string][]string(r.Header)}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "1" || strings.EqualFold(v, "true")
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return gwerrors.Newf(gwerrors.CodeValidation, "malformed request body: %v", err)
	}
	return nil
}

// handleList implements GET /api/fs/list (spec §6.1).
func (s *Server) handleList(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	entries, err := s.fs.List(r.Context(), pathParam(r), who, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, entries)
}

// handleStat implements GET /api/fs/stat.
func (s *Server) handleStat(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	entry, err := s.fs.Stat(r.Context(), pathParam(r), who, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, entry)
}

// handleDownload implements GET/HEAD /api/fs/download, streaming the file
// through the gateway (the KindProxy tier — handleProxy serves the same
// stream off /api/p/{path}).
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	desc, drv, err := s.fs.Download(r.Context(), pathParam(r), who, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	streamFile(w, r, desc, drv)
}

func streamFile(w http.ResponseWriter, r *http.Request, desc *storagedriver.StreamDescriptor, _ storagedriver.Driver) {
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
		gwLogger().WithError(err).Warn("opening stream failed after headers were sent")
		return
	}
	defer body.Close()

	if rng != nil && !desc.SupportsRange {
		body = linkresolver.NewSoftSliceReader(body, *rng, desc.Size)
	}
	_, _ = io.Copy(w, body)
}

// handleMkdir implements POST /api/fs/mkdir.
func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	result, err := s.fs.Mkdir(r.Context(), pathParam(r), who, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

type renameRequest struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

// handleRename implements POST /api/fs/rename.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	var body renameRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if !withinBasicPath(body.OldPath, who.BasicPath) || !withinBasicPath(body.NewPath, who.BasicPath) {
		writeError(w, gwerrors.New(gwerrors.CodeForbidden))
		return
	}
	if err := s.fs.Rename(r.Context(), body.OldPath, body.NewPath, who, requestInfo(r)); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, nil)
}

type copyRequest struct {
	SrcPath      string `json:"srcPath"`
	DstPath      string `json:"dstPath"`
	SkipExisting bool   `json:"skipExisting"`
}

// handleCopy implements POST /api/fs/copy.
func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	var body copyRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if !withinBasicPath(body.SrcPath, who.BasicPath) || !withinBasicPath(body.DstPath, who.BasicPath) {
		writeError(w, gwerrors.New(gwerrors.CodeForbidden))
		return
	}
	result, err := s.fs.Copy(r.Context(), body.SrcPath, body.DstPath, storagedriver.CopyOptions{SkipExisting: body.SkipExisting}, who, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

type batchDeleteRequest struct {
	Paths []string `json:"paths"`
}

// handleBatchDelete implements POST /api/fs/batch-delete.
func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	var body batchDeleteRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	for _, p := range body.Paths {
		if !withinBasicPath(p, who.BasicPath) {
			writeError(w, gwerrors.New(gwerrors.CodeForbidden))
			return
		}
	}
	result, err := s.fs.BatchRemove(r.Context(), body.Paths, who, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

// handleUploadDirect implements POST /api/fs/upload-direct — a single-shot
// body upload for files small enough to not need the multipart session flow
// (spec §4.5 distinguishes this from the resumable path; small uploads skip
// straight to Driver.Upload).
func (s *Server) handleUploadDirect(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	if r.ContentLength < 0 {
		writeError(w, gwerrors.Newf(gwerrors.CodeValidation, "Content-Length is required"))
		return
	}
	opts := storagedriver.UploadOptions{
		ContentLength: r.ContentLength,
		ContentType:   r.Header.Get("Content-Type"),
		StorageFirst:  queryBool(r, "storageFirst"),
	}
	result, err := s.fs.Upload(r.Context(), pathParam(r), r.Body, opts, who, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

// handleSearch implements GET /api/fs/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	query := r.URL.Query().Get("q")
	maxResults := queryInt(r, "maxResults", 0)
	entries, err := s.fs.Search(r.Context(), pathParam(r), query, maxResults, who, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, entries)
}

// handleLink implements GET /api/fs/link (spec §4.6's three-tier policy).
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	virtualPath := pathParam(r)
	resolved, err := s.fs.ResolveMount(virtualPath)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.resolver.Resolve(linkresolver.Request{
		Mount: resolved.Mount, StorageConfigID: resolved.Mount.StorageConfigID, Driver: resolved.Driver,
		SubPath: resolved.SubPath, ForceProxy: queryBool(r, "proxy"), ForceDownload: queryBool(r, "download"),
		ExpiresIn: queryInt(r, "expiresIn", 0), UserAgent: r.UserAgent(), UserRef: who.UserRef, UserKind: who.UserKind,
		URLProxy: resolved.StorageConfig.URLProxy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, res)
}

type multipartInitRequest struct {
	Path        string `json:"path"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	PartSize    int64  `json:"partSize"`
	Fingerprint string `json:"fingerprint"`
}

// handleMultipartInit implements POST /api/fs/multipart/init (spec §4.5
// "Initialize").
func (s *Server) handleMultipartInit(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	var body multipartInitRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if !withinBasicPath(body.Path, who.BasicPath) {
		writeError(w, gwerrors.New(gwerrors.CodeForbidden))
		return
	}
	resolved, err := s.fs.ResolveMount(body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.fs.Sessions().Initialize(r.Context(), session.InitializeInput{
		Mount: resolved.Mount, StorageConfigID: resolved.Mount.StorageConfigID, Driver: resolved.Driver,
		FSPath: resolved.SubPath, FileName: body.FileName, FileSize: body.FileSize, PartSize: body.PartSize,
		UserRef: who.UserRef, UserKind: who.UserKind, Fingerprint: body.Fingerprint,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

// multipartDriver re-resolves the mount+driver for an in-flight upload
// session's path so subsequent chunk/list/refresh/complete/abort calls don't
// need to trust a client-supplied mount id, and re-checks the caller's
// basicPath scope against the path carried in the request body.
func (s *Server) multipartDriver(who fsfacade.CallerIdentity, virtualPath string) (storagedriver.Driver, error) {
	if !withinBasicPath(virtualPath, who.BasicPath) {
		return nil, gwerrors.New(gwerrors.CodeForbidden)
	}
	resolved, err := s.fs.ResolveMount(virtualPath)
	if err != nil {
		return nil, err
	}
	return resolved.Driver, nil
}

// handleMultipartUploadChunk implements PUT /api/fs/multipart/upload-chunk
// (spec §4.5 "Proxy chunk").
func (s *Server) handleMultipartUploadChunk(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	uploadID := r.URL.Query().Get("upload_id")
	if uploadID == "" {
		writeError(w, gwerrors.Newf(gwerrors.CodeValidation, "upload_id is required"))
		return
	}
	drv, err := s.multipartDriver(who, pathParam(r))
	if err != nil {
		writeError(w, err)
		return
	}

	start, end, total, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.CodeValidation, "%v", err))
		return
	}

	result, err := s.fs.Sessions().ProxyChunk(r.Context(), session.ProxyChunkInput{
		UploadID: uploadID, Driver: drv, ContentRangeStart: start, ContentRangeEnd: end,
		TotalSize: total, Body: r.Body, BodyLength: r.ContentLength,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

// parseContentRange parses "bytes A-B/T" per spec §4.5's chunk PUT contract.
func parseContentRange(header string) (start, end, total int64, err error) {
	const prefix = "bytes "
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, 0, gwerrors.Newf(gwerrors.CodeValidation, "Content-Range header is required")
	}
	rest := strings.TrimPrefix(header, prefix)
	slashIdx := strings.IndexByte(rest, '/')
	if slashIdx < 0 {
		return 0, 0, 0, gwerrors.Newf(gwerrors.CodeValidation, "malformed Content-Range %q", header)
	}
	rangePart, totalPart := rest[:slashIdx], rest[slashIdx+1:]
	dashIdx := strings.IndexByte(rangePart, '-')
	if dashIdx < 0 {
		return 0, 0, 0, gwerrors.Newf(gwerrors.CodeValidation, "malformed Content-Range %q", header)
	}
	start, serr := strconv.ParseInt(rangePart[:dashIdx], 10, 64)
	end2, eerr := strconv.ParseInt(rangePart[dashIdx+1:], 10, 64)
	total2, terr := strconv.ParseInt(totalPart, 10, 64)
	if serr != nil || eerr != nil || terr != nil {
		return 0, 0, 0, gwerrors.Newf(gwerrors.CodeValidation, "malformed Content-Range %q", header)
	}
	return start, end2, total2, nil
}

type completedPartInput struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

type multipartCompleteRequest struct {
	UploadID string                `json:"uploadId"`
	Path     string                `json:"path"`
	Parts    []completedPartInput `json:"parts"`
}

// handleMultipartComplete implements POST /api/fs/multipart/complete.
func (s *Server) handleMultipartComplete(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	var body multipartCompleteRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	drv, err := s.multipartDriver(who, body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	parts := make([]storagedriver.CompletedPart, 0, len(body.Parts))
	for _, p := range body.Parts {
		parts = append(parts, storagedriver.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	result, err := s.fs.Sessions().Complete(r.Context(), session.CompleteInput{UploadID: body.UploadID, Driver: drv, Parts: parts})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

type multipartPathRequest struct {
	UploadID string `json:"uploadId"`
	Path     string `json:"path"`
}

// handleMultipartAbort implements POST /api/fs/multipart/abort.
func (s *Server) handleMultipartAbort(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	var body multipartPathRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	drv, err := s.multipartDriver(who, body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.fs.Sessions().Abort(r.Context(), body.UploadID, drv); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, nil)
}

// handleMultipartList implements GET /api/fs/multipart/list — active
// sessions under a path prefix (spec §6.1).
func (s *Server) handleMultipartList(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	resolved, err := s.fs.ResolveMount(pathParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := s.fs.Sessions().ListByPrefix(resolved.Mount.StorageConfigID, resolved.SubPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, sessions)
}

// handleMultipartParts implements GET /api/fs/multipart/parts (spec §4.5
// "List parts").
func (s *Server) handleMultipartParts(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	uploadID := r.URL.Query().Get("upload_id")
	drv, err := s.multipartDriver(who, pathParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	parts, err := s.fs.Sessions().ListParts(r.Context(), uploadID, drv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, parts)
}

// handleMultipartRefresh implements POST /api/fs/multipart/refresh-urls
// (spec §4.5 "Refresh").
func (s *Server) handleMultipartRefresh(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	var body multipartPathRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	drv, err := s.multipartDriver(who, body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.fs.Sessions().Refresh(r.Context(), body.UploadID, drv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

// handleProxy implements GET/HEAD /api/p/{path} — the gateway-proxied
// download tier (spec §4.6 KindProxy). It sits behind the same X-Api-Key
// check as /api/fs; because authenticated only sees the `path` query
// parameter, the virtual path carried in the URL is checked against the
// key's basicPath here.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, who fsfacade.CallerIdentity) {
	virtualPath := "/" + mux.Vars(r)["path"]
	if !withinBasicPath(virtualPath, who.BasicPath) {
		writeError(w, gwerrors.New(gwerrors.CodeForbidden))
		return
	}
	desc, drv, err := s.fs.Download(r.Context(), virtualPath, who, requestInfo(r))
	if err != nil {
		writeError(w, err)
		return
	}
	streamFile(w, r, desc, drv)
}
