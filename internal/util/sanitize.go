package util

import (
	"regexp"
	"strings"
)

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// maxLogField bounds caller-supplied values (resources, actions, protocol tags) written to logs.
const maxLogField = 200

// SanitizeForLog removes control characters and newlines from caller content before logging.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return controlChars.ReplaceAllString(s, " ")
}

// TruncateForLog sanitizes s and cuts it to a bounded length.
func TruncateForLog(s string) string {
	s = SanitizeForLog(s)
	if len(s) > maxLogField {
		return s[:maxLogField] + "..."
	}
	return s
}

// ShortHash returns the first 12 characters of a privacy hash followed by a marker,
// the only form of a device identity that is written to logs.
func ShortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12] + "***"
}
