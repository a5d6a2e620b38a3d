package storagedriver

import "fmt"

// PathNotFoundError is returned by drivers when an operation targets a path
// that doesn't exist. The facade maps it to gwerrors.CodeNotFound.
type PathNotFoundError struct {
	Path string
}

func (e PathNotFoundError) Error() string {
	return fmt.Sprintf("path not found: %s", e.Path)
}

// InvalidArgumentError is returned for malformed input (e.g. downloading a
// directory). Maps to gwerrors.CodeValidation.
type InvalidArgumentError struct {
	Reason string
}

func (e InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument: %s", e.Reason)
}

// NotADirectoryError/IsADirectoryError distinguish the two ways a path's
// kind can mismatch what an operation expects.
type NotADirectoryError struct {
	Path string
}

func (e NotADirectoryError) Error() string {
	return fmt.Sprintf("not a directory: %s", e.Path)
}

type IsADirectoryError struct {
	Path string
}

func (e IsADirectoryError) Error() string {
	return fmt.Sprintf("is a directory: %s", e.Path)
}

// ConflictError signals a name collision or a non-empty-directory removal
// refusal. Maps to gwerrors.CodeConflict.
type ConflictError struct {
	Path   string
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict at %s: %s", e.Path, e.Reason)
}

// Error is the generic provider-failure envelope described in spec §7
// ("DRIVER_ERROR; sub-codes include DRIVER_ERROR.S3, ..."). Provider is the
// dotted sub-code suffix (e.g. "S3", "GDRIVE.NOT_FOUND"); StatusCode/Body
// carry the raw provider response for the non-exposed details field.
type Error struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s driver error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s driver error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }
