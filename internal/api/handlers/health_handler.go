package handlers

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/beacon-iot/edgegate/internal/discovery"
	"github.com/beacon-iot/edgegate/internal/services"
	"github.com/beacon-iot/edgegate/internal/version"
)

// getLocalIP returns the non-loopback local IP of the host
func getLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, address := range addrs {
		if ipnet, ok := address.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return ""
}

// StatusHandler serves liveness and the aggregated gateway status. Every dependency
// except the store is optional.
type StatusHandler struct {
	GatewayID string
	Pool      *discovery.Pool
	Store     *services.PolicyStore
	Enforcer  *services.PolicyEnforcer
	Sync      *services.PolicySyncService
	Ledger    *services.LedgerService
	Audit     *services.AuditService

	started time.Time
}

// NewStatusHandler stamps the handler with the process start time.
func NewStatusHandler(h StatusHandler) *StatusHandler {
	h.started = time.Now()
	return &h
}

// Health handles GET /api/v1/health. It answers 200 while the backend is unreachable,
// since decisions keep working from the local store; status says "degraded" instead.
func (h *StatusHandler) Health(c *gin.Context) {
	status := "ok"
	healthy := 0
	if h.Pool != nil {
		healthy = h.Pool.HealthyCount()
		if healthy == 0 {
			status = "degraded"
		}
	}
	resp := gin.H{
		"status":            status,
		"service":           version.Name,
		"version":           version.Version,
		"git_commit":        version.GitCommit,
		"build_time":        version.BuildTime,
		"internal_ip":       getLocalIP(),
		"gateway_id":        h.GatewayID,
		"healthy_endpoints": healthy,
	}
	if h.Enforcer != nil {
		resp["engine_state"] = h.Enforcer.State()
	}
	c.JSON(http.StatusOK, resp)
}

// Status handles GET /api/v1/status.
func (h *StatusHandler) Status(c *gin.Context) {
	resp := gin.H{
		"gateway_id":     h.GatewayID,
		"version":        version.Full(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.Pool != nil {
		resp["endpoint_pool"] = h.Pool.Status()
	}
	if h.Store != nil {
		stats, err := h.Store.Stats()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read policy cache statistics"})
			return
		}
		resp["policy_cache"] = stats
	}
	if h.Enforcer != nil {
		resp["decision_engine"] = h.Enforcer.Stats()
	}
	if h.Sync != nil {
		resp["policy_sync"] = h.Sync.Stats()
	}
	if h.Ledger != nil {
		resp["ledger"] = h.Ledger.Stats()
	}
	if h.Audit != nil {
		resp["audit"] = h.Audit.Stats()
	}
	c.JSON(http.StatusOK, resp)
}
