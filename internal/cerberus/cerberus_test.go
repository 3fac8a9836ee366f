package cerberus_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-iot/edgegate/internal/cerberus"
	"github.com/beacon-iot/edgegate/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doFrom(r http.Handler, remote string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = remote
	r.ServeHTTP(w, req)
	return w
}

func TestCerberus_AdminAllowed(t *testing.T) {
	c := cerberus.New(config.SecurityConfig{AdminWhitelist: "127.0.0.1, 10.0.0.0/8"})
	assert.True(t, c.AdminAllowed("127.0.0.1"))
	assert.True(t, c.AdminAllowed("10.20.30.40"))
	assert.False(t, c.AdminAllowed("8.8.8.8"))
	assert.False(t, c.AdminAllowed("not-an-ip"))

	open := cerberus.New(config.SecurityConfig{})
	assert.True(t, open.AdminAllowed("8.8.8.8"))
}

func TestCerberus_AdminGuard(t *testing.T) {
	c := cerberus.New(config.SecurityConfig{AdminWhitelist: "192.168.0.0/16"})
	r := newRouter(c.AdminGuard())

	assert.Equal(t, http.StatusOK, doFrom(r, "192.168.1.5:4000").Code)
	w := doFrom(r, "8.8.8.8:4000")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "whitelist")
}

func TestCerberus_RateLimitPerClient(t *testing.T) {
	c := cerberus.New(config.SecurityConfig{RateLimitRPS: 0.001, RateLimitBurst: 2})
	require.True(t, c.RateLimitEnabled())
	r := newRouter(c.RateLimit())

	assert.Equal(t, http.StatusOK, doFrom(r, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusOK, doFrom(r, "10.0.0.1:1").Code)
	w := doFrom(r, "10.0.0.1:1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// A different client has its own bucket.
	assert.Equal(t, http.StatusOK, doFrom(r, "10.0.0.2:1").Code)
	assert.Equal(t, 2, c.TrackedClients())
}

func TestCerberus_RateLimitDisabled(t *testing.T) {
	c := cerberus.New(config.SecurityConfig{})
	r := newRouter(c.RateLimit())
	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, doFrom(r, "10.0.0.1:1").Code)
	}
	assert.Zero(t, c.TrackedClients())
}
