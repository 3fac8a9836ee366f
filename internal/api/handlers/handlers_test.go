package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/beacon-iot/edgegate/internal/database"
	"github.com/beacon-iot/edgegate/internal/models"
	"github.com/beacon-iot/edgegate/internal/privacy"
	"github.com/beacon-iot/edgegate/internal/services"
)

type testEnv struct {
	router   *gin.Engine
	store    *services.PolicyStore
	enforcer *services.PolicyEnforcer
}

type staticFetcher struct {
	delta *services.PolicyDelta
	err   error
}

func (f staticFetcher) FetchPolicyDelta(context.Context, *time.Time, bool) (*services.PolicyDelta, error) {
	return f.delta, f.err
}

func setupPolicyEnv(t *testing.T, fetcher services.PolicyFetcher) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "policies.db")
	db, err := database.Connect(path)
	require.NoError(t, err)
	store := services.NewPolicyStore(db, path)
	t.Cleanup(func() { _ = store.Close() })

	exprs, err := services.NewExpressionCompiler()
	require.NoError(t, err)
	validator, err := services.NewPolicyValidator(exprs)
	require.NoError(t, err)
	hasher, err := privacy.NewDeviceHasher("gw-test")
	require.NoError(t, err)
	enforcer, err := services.NewPolicyEnforcer(store, hasher, services.EnforcerOptions{
		GatewayID:       "gw-test",
		DefaultDecision: models.DecisionDeny,
		RefreshInterval: time.Hour,
		Expressions:     exprs,
	})
	require.NoError(t, err)

	var syncSvc *services.PolicySyncService
	if fetcher != nil {
		syncSvc = services.NewPolicySyncService(fetcher, store, validator, services.SyncOptions{Invalidator: enforcer})
	}

	r := gin.New()
	api := r.Group("/api/v1")
	NewPolicyHandler(store, enforcer, validator, syncSvc).RegisterRoutes(api, api, api)
	status := NewStatusHandler(StatusHandler{GatewayID: "gw-test", Store: store, Enforcer: enforcer, Sync: syncSvc})
	api.GET("/health", status.Health)
	api.GET("/status", status.Status)

	return &testEnv{router: r, store: store, enforcer: enforcer}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}
