package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-iot/edgegate/internal/api/routes"
	"github.com/beacon-iot/edgegate/internal/config"
	"github.com/beacon-iot/edgegate/internal/database"
	"github.com/beacon-iot/edgegate/internal/privacy"
	"github.com/beacon-iot/edgegate/internal/services"
)

func testDeps(t *testing.T) routes.Deps {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.db")
	db, err := database.Connect(path)
	require.NoError(t, err)
	store := services.NewPolicyStore(db, path)
	t.Cleanup(func() { _ = store.Close() })

	hasher, err := privacy.NewDeviceHasher("gw-server")
	require.NoError(t, err)
	enforcer, err := services.NewPolicyEnforcer(store, hasher, services.EnforcerOptions{GatewayID: "gw-server"})
	require.NoError(t, err)
	return routes.Deps{Store: store, Enforcer: enforcer, Gatherer: prometheus.NewRegistry()}
}

func TestNew(t *testing.T) {
	cfg := config.Defaults()
	cfg.Environment = "production"
	srv, err := New(cfg, testDeps(t))
	require.NoError(t, err)
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	srv.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestNew_MissingDeps(t *testing.T) {
	_, err := New(config.Defaults(), routes.Deps{})
	assert.Error(t, err)
	gin.SetMode(gin.TestMode)
}

func TestRun_StopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := config.Defaults()
	cfg.HTTPPort = strconv.Itoa(port)
	srv, err := New(cfg, testDeps(t))
	require.NoError(t, err)
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	url := "http://127.0.0.1:" + cfg.HTTPPort + "/api/v1/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down")
	}
}
