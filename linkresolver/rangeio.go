package linkresolver

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudgateway/gateway/storagedriver"
)

// ParseRange parses a single-range "bytes=A-B" Range header against size,
// returning ok=false when absent or unparseable (spec §4.6 "Range
// handling" — multi-range requests are not supported, matching the single
// [start,end] descriptor contract).
func ParseRange(header string, size int64) (storagedriver.ByteRange, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return storagedriver.ByteRange{}, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		spec = strings.SplitN(spec, ",", 2)[0]
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return storagedriver.ByteRange{}, false
	}

	var start, end int64
	if parts[0] == "" {
		// suffix range "-N": last N bytes.
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return storagedriver.ByteRange{}, false
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		end = size - 1
		return storagedriver.ByteRange{Start: start, End: end}, true
	}

	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 || s >= size {
		return storagedriver.ByteRange{}, false
	}
	start = s
	if parts[1] == "" {
		end = -1
	} else {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || e < start {
			return storagedriver.ByteRange{}, false
		}
		end = e
	}
	return storagedriver.ByteRange{Start: start, End: end}, true
}

// ContentRangeHeader renders the Content-Range response header for rng
// against size (spec §4.6: "206 responses carry Content-Range,
// Content-Length, and Accept-Ranges: bytes").
func ContentRangeHeader(rng storagedriver.ByteRange, size int64) string {
	end := rng.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return fmt.Sprintf("bytes %d-%d/%d", rng.Start, end, size)
}

// SoftSliceReader wraps a full-content stream so only [rng.Start, end]
// bytes reach the caller, discarding (but still reading, to keep the
// upstream connection well-behaved) leading bytes and stopping promptly
// once the range is exhausted (spec §4.6 "software byte-slice transform").
type SoftSliceReader struct {
	src       io.ReadCloser
	toSkip    int64
	remaining int64
}

// NewSoftSliceReader builds a SoftSliceReader over src for rng, given the
// full content size (for resolving an open-ended End).
func NewSoftSliceReader(src io.ReadCloser, rng storagedriver.ByteRange, size int64) *SoftSliceReader {
	return &SoftSliceReader{src: src, toSkip: rng.Start, remaining: rng.Len(size)}
}

func (s *SoftSliceReader) Read(p []byte) (int, error) {
	for s.toSkip > 0 {
		discard := p
		if int64(len(discard)) > s.toSkip {
			discard = discard[:s.toSkip]
		}
		n, err := s.src.Read(discard)
		s.toSkip -= int64(n)
		if err != nil {
			return 0, err
		}
	}
	if s.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.src.Read(p)
	s.remaining -= int64(n)
	return n, err
}

// Close closes the underlying stream, promptly abandoning it once the
// caller is done with bytes past the requested range.
func (s *SoftSliceReader) Close() error { return s.src.Close() }

// ConditionalOutcome is the result of evaluating a request's conditional
// headers against a stream descriptor (spec §4.6 "Conditional requests").
type ConditionalOutcome int

const (
	ConditionalProceed ConditionalOutcome = iota
	ConditionalNotModified
	ConditionalPreconditionFailed
)

// EvaluateConditional implements If-None-Match/If-Modified-Since (→304) and
// If-Match/If-Unmodified-Since (→412) against desc.
func EvaluateConditional(header http.Header, desc *storagedriver.StreamDescriptor) ConditionalOutcome {
	if inm := header.Get("If-None-Match"); inm != "" && desc.ETag != "" {
		if etagMatches(inm, desc.ETag) {
			return ConditionalNotModified
		}
	} else if ims := header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !desc.LastModified.After(t) {
			return ConditionalNotModified
		}
	}

	if im := header.Get("If-Match"); im != "" && desc.ETag != "" {
		if !etagMatches(im, desc.ETag) {
			return ConditionalPreconditionFailed
		}
	}
	if ius := header.Get("If-Unmodified-Since"); ius != "" {
		if t, err := http.ParseTime(ius); err == nil && desc.LastModified.After(t) {
			return ConditionalPreconditionFailed
		}
	}

	return ConditionalProceed
}

func etagMatches(headerValue, etag string) bool {
	if headerValue == "*" {
		return true
	}
	for _, candidate := range strings.Split(headerValue, ",") {
		if strings.Trim(strings.TrimSpace(candidate), `"`) == strings.Trim(etag, `"`) {
			return true
		}
	}
	return false
}
