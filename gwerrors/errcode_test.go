package gwerrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestWrapPassesThroughRegisteredError(t *testing.T) {
	original := New(CodeNotFound)
	wrapped := Wrap(original)
	require.Same(t, original, wrapped)
}

func TestWrapMasksArbitraryError(t *testing.T) {
	wrapped := Wrap(errors.New("boom"))
	require.Equal(t, CodeDriverError, wrapped.Code)
	require.Equal(t, errors.New("boom"), wrapped.Details)
}

func TestRenderSubstitutesMessageWhenNotExposed(t *testing.T) {
	err := Newf(CodeRepositoryError, "duplicate key on row 42")
	status, env := Render(err)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "internal error", env.Message)
	require.False(t, env.Success)
}

func TestRenderKeepsMessageWhenExposed(t *testing.T) {
	err := Newf(CodeValidation, "path must be absolute")
	status, env := Render(err)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "path must be absolute", env.Message)
}

func TestAsUnwrapsRegisteredError(t *testing.T) {
	ge, ok := As(New(CodeForbidden))
	require.True(t, ok)
	require.Equal(t, CodeForbidden, ge.Code)

	_, ok = As(errors.New("plain"))
	require.False(t, ok)
}

func TestRedactFieldsMasksSensitiveNames(t *testing.T) {
	out := RedactFields(logrus.Fields{
		"X-Api-Key":     "s3cr3t",
		"Authorization": "Bearer abc",
		"path":          "/a/b.txt",
	})
	require.Equal(t, masked, out["X-Api-Key"])
	require.Equal(t, masked, out["Authorization"])
	require.Equal(t, "/a/b.txt", out["path"])
}

func TestRedactFieldsMasksCredentialShapedValues(t *testing.T) {
	out := RedactFields(logrus.Fields{
		"note": "bearer AKIAIOSFODNN7EXAMPLEQWERTYUIOPASDF",
	})
	require.Equal(t, masked, out["note"])
}
