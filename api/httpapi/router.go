// Package httpapi implements the JSON/HTTP file-system API of spec §6.1,
// grounded on the gorilla/mux + gorilla/handlers wiring the teacher uses
// for its v2 API router (registry/api/v2, app.go's app.router), adapted
// from manifest/blob/tag routes to the gateway's fs/multipart/link routes.
package httpapi

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/cloudgateway/gateway/fsfacade"
	"github.com/cloudgateway/gateway/linkresolver"
	"github.com/cloudgateway/gateway/repository"
)

// Server is the JSON/HTTP facade surface (spec §6.1).
type Server struct {
	fs       *fsfacade.FileSystem
	resolver *linkresolver.Resolver
	keys     repository.Repository
	router   *mux.Router
}

// NewServer builds the route table described in spec §6.1.
func NewServer(fs *fsfacade.FileSystem, resolver *linkresolver.Resolver, keys repository.Repository) *Server {
	s := &Server{fs: fs, resolver: resolver, keys: keys, router: mux.NewRouter()}

	api := s.router.PathPrefix("/api/fs").Subrouter()
	api.HandleFunc("/list", s.authenticated(s.handleList)).Methods(http.MethodGet)
	api.HandleFunc("/stat", s.authenticated(s.handleStat)).Methods(http.MethodGet)
	api.HandleFunc("/download", s.authenticated(s.handleDownload)).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/mkdir", s.authenticated(s.handleMkdir)).Methods(http.MethodPost)
	api.HandleFunc("/rename", s.authenticated(s.handleRename)).Methods(http.MethodPost)
	api.HandleFunc("/copy", s.authenticated(s.handleCopy)).Methods(http.MethodPost)
	api.HandleFunc("/batch-delete", s.authenticated(s.handleBatchDelete)).Methods(http.MethodPost)
	api.HandleFunc("/upload-direct", s.authenticated(s.handleUploadDirect)).Methods(http.MethodPost)
	api.HandleFunc("/search", s.authenticated(s.handleSearch)).Methods(http.MethodGet)
	api.HandleFunc("/link", s.authenticated(s.handleLink)).Methods(http.MethodGet)

	api.HandleFunc("/multipart/init", s.authenticated(s.handleMultipartInit)).Methods(http.MethodPost)
	api.HandleFunc("/multipart/upload-chunk", s.authenticated(s.handleMultipartUploadChunk)).Methods(http.MethodPut)
	api.HandleFunc("/multipart/complete", s.authenticated(s.handleMultipartComplete)).Methods(http.MethodPost)
	api.HandleFunc("/multipart/abort", s.authenticated(s.handleMultipartAbort)).Methods(http.MethodPost)
	api.HandleFunc("/multipart/list", s.authenticated(s.handleMultipartList)).Methods(http.MethodGet)
	api.HandleFunc("/multipart/parts", s.authenticated(s.handleMultipartParts)).Methods(http.MethodGet)
	api.HandleFunc("/multipart/refresh-urls", s.authenticated(s.handleMultipartRefresh)).Methods(http.MethodPost)

	s.router.HandleFunc("/api/p/{path:.*}", s.authenticated(s.handleProxy)).Methods(http.MethodGet, http.MethodHead)

	return s
}

// Handler wraps the router with the teacher's combined-log-format access
// logging middleware (gorilla/handlers), the one piece of HTTP ambience the
// example pack uses directly by name.
func (s *Server) Handler() http.Handler {
	return handlers.CombinedLoggingHandler(logWriter{}, s.router)
}
