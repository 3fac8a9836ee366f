package routes

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-iot/edgegate/internal/api/middleware"
	"github.com/beacon-iot/edgegate/internal/config"
	"github.com/beacon-iot/edgegate/internal/database"
	"github.com/beacon-iot/edgegate/internal/privacy"
	"github.com/beacon-iot/edgegate/internal/services"
)

const adminSecret = "routes-test-secret"

func setupRouter(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "policies.db")
	db, err := database.Connect(path)
	require.NoError(t, err)
	store := services.NewPolicyStore(db, path)
	t.Cleanup(func() { _ = store.Close() })

	hasher, err := privacy.NewDeviceHasher("gw-test")
	require.NoError(t, err)
	enforcer, err := services.NewPolicyEnforcer(store, hasher, services.EnforcerOptions{GatewayID: "gw-test"})
	require.NoError(t, err)
	validator, err := services.NewPolicyValidator(nil)
	require.NoError(t, err)

	router := gin.New()
	require.NoError(t, Register(router, cfg, Deps{
		Store:     store,
		Enforcer:  enforcer,
		Validator: validator,
		Gatherer:  prometheus.NewRegistry(),
	}))
	return router
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Gateway.ID = "gw-test"
	cfg.Security.AdminSecret = adminSecret
	cfg.Security.AdminWhitelist = "192.0.2.0/24"
	return cfg
}

func serve(router http.Handler, method, path, remote, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = remote
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRegister(t *testing.T) {
	router := setupRouter(t, testConfig())

	paths := map[string]bool{}
	for _, r := range router.Routes() {
		paths[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /api/v1/health",
		"GET /api/v1/status",
		"GET /metrics",
		"GET /api/v1/policies",
		"GET /api/v1/policies/:id",
		"POST /api/v1/policies/check",
		"PUT /api/v1/policies/:id",
		"DELETE /api/v1/policies/:id",
		"POST /api/v1/policies/sync",
		"POST /api/v1/policies/reload",
		"POST /api/v1/policies/cleanup",
	} {
		assert.True(t, paths[want], "missing route %s", want)
	}
}

func TestRegister_RequiresCoreDeps(t *testing.T) {
	assert.Error(t, Register(gin.New(), testConfig(), Deps{}))
}

func TestAdminRoutesAreGuarded(t *testing.T) {
	router := setupRouter(t, testConfig())
	token, err := middleware.IssueAdminToken(adminSecret, "ops", middleware.RoleAdmin, time.Minute)
	require.NoError(t, err)
	body := `{"name":"n","rules":{}}`

	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodPut, "/api/v1/policies/p1", "203.0.113.9:1", token, body).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodPut, "/api/v1/policies/p1", "192.0.2.10:1", "", body).Code)
	assert.Equal(t, http.StatusCreated, serve(router, http.MethodPut, "/api/v1/policies/p1", "192.0.2.10:1", token, body).Code)

	// Read routes stay open.
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/policies/p1", "203.0.113.9:1", "", "").Code)
}

func TestCheckRouteIsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimitRPS = 0.001
	cfg.Security.RateLimitBurst = 1
	router := setupRouter(t, cfg)
	body := `{"device_id":"d","action":"read","resource":"r"}`

	assert.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/api/v1/policies/check", "198.51.100.1:1", "", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodPost, "/api/v1/policies/check", "198.51.100.1:1", "", body).Code)
}

func TestMetricsAndNoRoute(t *testing.T) {
	router := setupRouter(t, testConfig())
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/metrics", "192.0.2.1:1", "", "").Code)

	w := serve(router, http.MethodGet, "/api/v1/nope", "192.0.2.1:1", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "route not found")
}
