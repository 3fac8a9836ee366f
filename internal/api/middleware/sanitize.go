package middleware

import (
	"net/http"
	"strings"

	"github.com/beacon-iot/edgegate/internal/util"
)

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"x-auth-token":        {},
	"x-forwarded-for":     {},
	// Front-ends may pass the raw device identity through; it must never reach a log line.
	"x-device-id": {},
}

// SanitizeHeaders returns a copy of h safe for logging: credential and identity headers
// are redacted, everything else is sanitized and truncated.
func SanitizeHeaders(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vals := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			out[k] = []string{"<redacted>"}
			continue
		}
		clean := make([]string, 0, len(vals))
		for _, v := range vals {
			clean = append(clean, util.TruncateForLog(v))
		}
		out[k] = clean
	}
	return out
}

// SanitizePath drops the query string and control characters from a request path.
func SanitizePath(p string) string {
	if i := strings.Index(p, "?"); i != -1 {
		p = p[:i]
	}
	return util.TruncateForLog(p)
}
