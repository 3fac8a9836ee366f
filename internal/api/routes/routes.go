package routes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beacon-iot/edgegate/internal/api/handlers"
	"github.com/beacon-iot/edgegate/internal/api/middleware"
	"github.com/beacon-iot/edgegate/internal/cerberus"
	"github.com/beacon-iot/edgegate/internal/config"
	"github.com/beacon-iot/edgegate/internal/discovery"
	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/services"
)

// Deps are the objects the local API is built over. Store and Enforcer are required.
type Deps struct {
	Pool      *discovery.Pool
	Store     *services.PolicyStore
	Enforcer  *services.PolicyEnforcer
	Validator *services.PolicyValidator
	Sync      *services.PolicySyncService
	Ledger    *services.LedgerService
	Audit     *services.AuditService
	// Gatherer backs /metrics. Defaults to the global Prometheus registry.
	Gatherer prometheus.Gatherer
}

// Register wires up API routes.
func Register(router *gin.Engine, cfg config.Config, deps Deps) error {
	if deps.Store == nil || deps.Enforcer == nil {
		return errors.New("policy store and decision engine are required")
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")

	status := handlers.NewStatusHandler(handlers.StatusHandler{
		GatewayID: cfg.Gateway.ID,
		Pool:      deps.Pool,
		Store:     deps.Store,
		Enforcer:  deps.Enforcer,
		Sync:      deps.Sync,
		Ledger:    deps.Ledger,
		Audit:     deps.Audit,
	})
	api.GET("/health", status.Health)
	api.GET("/status", status.Status)

	cerb := cerberus.New(cfg.Security)
	check := api.Group("")
	check.Use(cerb.RateLimit())

	admin := api.Group("")
	admin.Use(cerb.AdminGuard(), middleware.AuthMiddleware(cfg.Security.AdminSecret), middleware.RequireRole(middleware.RoleAdmin))
	if cfg.Security.AdminSecret == "" {
		logger.Log().Warn("No admin secret configured; admin policy routes are disabled")
	}

	policyHandler := handlers.NewPolicyHandler(deps.Store, deps.Enforcer, deps.Validator, deps.Sync)
	policyHandler.RegisterRoutes(api, check, admin)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return nil
}
