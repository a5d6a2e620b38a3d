package httpapi

import (
	"net/http"
	"strings"

	"github.com/cloudgateway/gateway/fsfacade"
	"github.com/cloudgateway/gateway/gwerrors"
)

// logWriter adapts the gateway's structured logger to io.Writer for
// gorilla/handlers' access-log middleware.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	gwLogger().Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// authenticated resolves the X-Api-Key header against the repository,
// enforces the key's basicPath scope (spec §6.2 "Path prefix rule"), and
// forwards CallerIdentity to the handler.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, fsfacade.CallerIdentity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			writeError(w, gwerrors.New(gwerrors.CodeUnauthorized))
			return
		}
		rec, ok, err := s.keys.GetAPIKey(key)
		if err != nil {
			writeError(w, gwerrors.Wrap(err))
			return
		}
		if !ok || !rec.Active {
			writeError(w, gwerrors.New(gwerrors.CodeUnauthorized))
			return
		}
		if p := pathParam(r); p != "" && !withinBasicPath(p, rec.BasicPath) {
			writeError(w, gwerrors.New(gwerrors.CodeForbidden))
			return
		}
		next(w, r, fsfacade.CallerIdentity{UserRef: rec.UserRef, UserKind: rec.UserKind, BasicPath: rec.BasicPath})
	}
}

func pathParam(r *http.Request) string {
	if p := r.URL.Query().Get("path"); p != "" {
		return p
	}
	return ""
}

func withinBasicPath(p, basicPath string) bool {
	if basicPath == "" || basicPath == "/" {
		return true
	}
	return p == basicPath || strings.HasPrefix(p, basicPath+"/")
}
