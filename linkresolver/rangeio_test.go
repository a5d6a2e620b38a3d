package linkresolver

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudgateway/gateway/storagedriver"
)

func TestParseRangeSuffix(t *testing.T) {
	rng, ok := ParseRange("bytes=-10", 100)
	require.True(t, ok)
	require.Equal(t, int64(90), rng.Start)
	require.Equal(t, int64(99), rng.End)
}

func TestParseRangeOpenEnded(t *testing.T) {
	rng, ok := ParseRange("bytes=50-", 100)
	require.True(t, ok)
	require.Equal(t, int64(50), rng.Start)
	require.Equal(t, int64(-1), rng.End)
	require.Equal(t, int64(50), rng.Len(100))
}

func TestParseRangeExplicit(t *testing.T) {
	rng, ok := ParseRange("bytes=10-19", 100)
	require.True(t, ok)
	require.Equal(t, int64(10), rng.Start)
	require.Equal(t, int64(19), rng.End)
	require.Equal(t, int64(10), rng.Len(100))
}

func TestParseRangeRejectsOutOfBounds(t *testing.T) {
	_, ok := ParseRange("bytes=500-600", 100)
	require.False(t, ok)
}

func TestParseRangeRejectsMalformed(t *testing.T) {
	_, ok := ParseRange("not-a-range", 100)
	require.False(t, ok)
}

func TestContentRangeHeader(t *testing.T) {
	require.Equal(t, "bytes 10-19/100", ContentRangeHeader(storagedriver.ByteRange{Start: 10, End: 19}, 100))
	require.Equal(t, "bytes 50-99/100", ContentRangeHeader(storagedriver.ByteRange{Start: 50, End: -1}, 100))
}

func TestSoftSliceReaderSlicesMiddle(t *testing.T) {
	src := io.NopCloser(strings.NewReader("0123456789"))
	r := NewSoftSliceReader(src, storagedriver.ByteRange{Start: 3, End: 6}, 10)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "3456", string(out))
}

func TestEvaluateConditionalIfNoneMatch(t *testing.T) {
	desc := &storagedriver.StreamDescriptor{ETag: `"abc"`}
	h := http.Header{"If-None-Match": []string{`"abc"`}}
	require.Equal(t, ConditionalNotModified, EvaluateConditional(h, desc))
}

func TestEvaluateConditionalIfMatchFails(t *testing.T) {
	desc := &storagedriver.StreamDescriptor{ETag: `"abc"`}
	h := http.Header{"If-Match": []string{`"xyz"`}}
	require.Equal(t, ConditionalPreconditionFailed, EvaluateConditional(h, desc))
}

func TestEvaluateConditionalIfUnmodifiedSinceFails(t *testing.T) {
	desc := &storagedriver.StreamDescriptor{LastModified: time.Now()}
	h := http.Header{"If-Unmodified-Since": []string{time.Now().Add(-time.Hour).Format(http.TimeFormat)}}
	require.Equal(t, ConditionalPreconditionFailed, EvaluateConditional(h, desc))
}

func TestEvaluateConditionalProceedsWithoutHeaders(t *testing.T) {
	desc := &storagedriver.StreamDescriptor{ETag: `"abc"`}
	require.Equal(t, ConditionalProceed, EvaluateConditional(http.Header{}, desc))
}
