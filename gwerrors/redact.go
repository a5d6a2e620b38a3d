package gwerrors

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// sensitiveHeaderNames are masked wholesale regardless of value shape.
var sensitiveHeaderNames = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"set-cookie":    true,
}

// credentialLike flags values that look like bearer tokens, AWS keys, or
// long opaque secrets even when the field name itself isn't sensitive.
var credentialLike = regexp.MustCompile(`(?i)^(bearer\s+|basic\s+)?[a-z0-9/_\-+=.]{20,}$`)

const masked = "***REDACTED***"

// RedactHeaders returns a copy of headers with sensitive entries masked, for
// safe inclusion in a structured log record.
func RedactHeaders(headers map[string][]string) map[string][]string {
	out := make(map[string][]string, len(headers))
	for k, vs := range headers {
		lk := strings.ToLower(k)
		redactedVs := make([]string, len(vs))
		for i, v := range vs {
			if sensitiveHeaderNames[lk] || credentialLike.MatchString(v) {
				redactedVs[i] = masked
			} else {
				redactedVs[i] = v
			}
		}
		out[k] = redactedVs
	}
	return out
}

// RedactFields returns a scrubbed copy of a logrus.Fields map, masking
// any field whose name is a known-sensitive header or whose value looks
// credential-shaped.
func RedactFields(fields logrus.Fields) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for k, v := range fields {
		s, isString := v.(string)
		if sensitiveHeaderNames[strings.ToLower(k)] {
			out[k] = masked
			continue
		}
		if isString && credentialLike.MatchString(s) {
			out[k] = masked
			continue
		}
		out[k] = v
	}
	return out
}
