// Package gwerrors defines the gateway's stable error taxonomy (spec §7):
// a registered set of codes, each carrying an HTTP status and an Expose
// flag, plus the response envelope the JSON API and WebDAV surfaces render
// errors through. The registration pattern is grounded on
// registry/api/errcode.
package gwerrors

import (
	"fmt"
	"net/http"
	"sync"
)

// Code is a stable, comparable identifier for one error condition.
type Code string

// Descriptor is the static metadata registered for a Code.
type Descriptor struct {
	Code           Code
	Message        string
	HTTPStatusCode int
	// Expose indicates the message may be shown to end users as-is.
	// Codes with Expose=false (e.g. REPOSITORY_ERROR) must have their
	// message replaced with a generic one before leaving the process.
	Expose bool
}

var (
	registryMu sync.Mutex
	registry   = map[Code]Descriptor{}
)

func register(d Descriptor) Code {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[d.Code]; ok {
		panic(fmt.Sprintf("gwerrors: code %q already registered", d.Code))
	}
	registry[d.Code] = d
	return d.Code
}

// Descriptor looks up the metadata for a Code, returning the DRIVER_ERROR
// descriptor if c was never registered (defensive — should not happen for
// codes produced inside this module).
func (c Code) Descriptor() Descriptor {
	registryMu.Lock()
	defer registryMu.Unlock()
	if d, ok := registry[c]; ok {
		return d
	}
	return registry[CodeDriverError]
}

// Stable taxonomy from spec §7.
var (
	CodeValidation          = register(Descriptor{Code: "VALIDATION_ERROR", Message: "invalid request", HTTPStatusCode: http.StatusBadRequest, Expose: true})
	CodeUnauthorized        = register(Descriptor{Code: "UNAUTHORIZED", Message: "authentication required", HTTPStatusCode: http.StatusUnauthorized, Expose: true})
	CodeForbidden           = register(Descriptor{Code: "FORBIDDEN", Message: "access denied", HTTPStatusCode: http.StatusForbidden, Expose: true})
	CodeNotFound            = register(Descriptor{Code: "NOT_FOUND", Message: "not found", HTTPStatusCode: http.StatusNotFound, Expose: true})
	CodeConflict            = register(Descriptor{Code: "CONFLICT", Message: "conflict", HTTPStatusCode: http.StatusConflict, Expose: true})
	CodePreconditionFailed  = register(Descriptor{Code: "PRECONDITION_FAILED", Message: "precondition failed", HTTPStatusCode: http.StatusPreconditionFailed, Expose: true})
	CodeLocked              = register(Descriptor{Code: "LOCKED", Message: "resource locked", HTTPStatusCode: http.StatusLocked, Expose: true})
	CodeNotImplemented      = register(Descriptor{Code: "NOT_IMPLEMENTED", Message: "operation not supported by this mount", HTTPStatusCode: http.StatusNotImplemented, Expose: true})
	CodeDriverError         = register(Descriptor{Code: "DRIVER_ERROR", Message: "storage provider error", HTTPStatusCode: http.StatusInternalServerError, Expose: true})
	CodeDriverErrorS3       = register(Descriptor{Code: "DRIVER_ERROR.S3", Message: "S3 provider error", HTTPStatusCode: http.StatusInternalServerError, Expose: true})
	CodeDriverErrorGDriveNF = register(Descriptor{Code: "DRIVER_ERROR.GDRIVE.NOT_FOUND", Message: "file not found on Google Drive", HTTPStatusCode: http.StatusNotFound, Expose: true})
	CodeDriverErrorGDriveAuth = register(Descriptor{Code: "DRIVER_ERROR.GDRIVE_AUTH", Message: "Google Drive authentication failed", HTTPStatusCode: http.StatusInternalServerError, Expose: true})
	CodeDriverErrorGithubAPI  = register(Descriptor{Code: "DRIVER_ERROR.GITHUB_API", Message: "GitHub API error", HTTPStatusCode: http.StatusInternalServerError, Expose: true})
	CodeDriverErrorGithubCfg  = register(Descriptor{Code: "DRIVER_ERROR.GITHUB_RELEASES_INVALID_CONFIG", Message: "invalid repo_structure configuration", HTTPStatusCode: http.StatusInternalServerError, Expose: true})
	CodeUploadSessionNotFound = register(Descriptor{Code: "UPLOAD_SESSION_NOT_FOUND", Message: "upload session not found or expired", HTTPStatusCode: http.StatusNotFound, Expose: true})
	CodeRepositoryError       = register(Descriptor{Code: "REPOSITORY_ERROR", Message: "internal storage error", HTTPStatusCode: http.StatusInternalServerError, Expose: false})
	CodeUnavailable           = register(Descriptor{Code: "UNAVAILABLE", Message: "service unavailable", HTTPStatusCode: http.StatusServiceUnavailable, Expose: true})
)

// Error is the concrete error type carrying a Code, a human message, and an
// optional non-exposed details payload (e.g. provider status/body).
type Error struct {
	Code    Code
	Message string
	Details interface{} `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the status code to send for this error.
func (e *Error) HTTPStatus() int {
	return e.Code.Descriptor().HTTPStatusCode
}

// New constructs an Error for code with the descriptor's default message.
func New(code Code) *Error {
	return &Error{Code: code, Message: code.Descriptor().Message}
}

// Newf constructs an Error for code with a custom, exposable message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a non-exposed details payload and returns e.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// Wrap turns an arbitrary driver error into a DRIVER_ERROR, preserving the
// original error as non-exposed detail, per spec §7's propagation rule that
// errors already carrying a stable code pass through untouched.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*Error); ok {
		return ge
	}
	return &Error{Code: CodeDriverError, Message: "storage provider error", Details: err}
}

// As reports whether err is a *Error, returning it if so. It is a direct
// type assertion; a *Error wrapped inside another error is not found.
func As(err error) (*Error, bool) {
	ge, ok := err.(*Error)
	return ge, ok
}

// Envelope is the {success:false, code, message} shape from spec §6.1.
type Envelope struct {
	Success bool   `json:"success"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Render produces the wire envelope for err, substituting a generic message
// when the registered descriptor says the real message must not be exposed.
func Render(err error) (int, Envelope) {
	ge := Wrap(err)
	d := ge.Code.Descriptor()
	msg := ge.Message
	if !d.Expose {
		msg = "internal error"
	}
	return d.HTTPStatusCode, Envelope{Success: false, Code: ge.Code, Message: msg}
}
