package middleware

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer abc")
	h.Set("X-Device-Id", "sensor-0042")
	h.Set("User-Agent", "bridge\r\nInjected: yes")
	h.Set("X-Long", strings.Repeat("a", 500))

	out := SanitizeHeaders(h)
	assert.Equal(t, []string{"<redacted>"}, out["Authorization"])
	assert.Equal(t, []string{"<redacted>"}, out["X-Device-Id"])
	assert.NotContains(t, out["User-Agent"][0], "\n")
	assert.Less(t, len(out["X-Long"][0]), 250)

	assert.Nil(t, SanitizeHeaders(nil))
}

func TestSanitizePath(t *testing.T) {
	assert.Equal(t, "/api/v1/policies/p1", SanitizePath("/api/v1/policies/p1?token=x"))
	assert.Equal(t, "/a b", SanitizePath("/a\nb"))
}
