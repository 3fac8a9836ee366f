package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/beacon-iot/edgegate/internal/api/middleware"
	"github.com/beacon-iot/edgegate/internal/models"
	"github.com/beacon-iot/edgegate/internal/services"
	"github.com/beacon-iot/edgegate/internal/util"
)

const maxPolicyBody = 1 << 20

// PolicyHandler exposes the policy store and the decision engine. Sync may be nil when
// no backend is configured.
type PolicyHandler struct {
	store     *services.PolicyStore
	enforcer  *services.PolicyEnforcer
	validator *services.PolicyValidator
	sync      *services.PolicySyncService
}

func NewPolicyHandler(store *services.PolicyStore, enforcer *services.PolicyEnforcer, validator *services.PolicyValidator, sync *services.PolicySyncService) *PolicyHandler {
	return &PolicyHandler{store: store, enforcer: enforcer, validator: validator, sync: sync}
}

// List handles GET /api/v1/policies. Expired policies are never listed.
func (h *PolicyHandler) List(c *gin.Context) {
	includeDisabled, _ := strconv.ParseBool(c.Query("include_disabled"))
	policies, err := h.store.List(!includeDisabled, true)
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("Failed to list policies")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list policies"})
		return
	}
	summaries := make([]models.PolicySummary, 0, len(policies))
	for i := range policies {
		summaries = append(summaries, policies[i].Summary())
	}
	c.JSON(http.StatusOK, gin.H{"policies": summaries, "count": len(summaries)})
}

// Get handles GET /api/v1/policies/:id
func (h *PolicyHandler) Get(c *gin.Context) {
	p, err := h.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Check handles POST /api/v1/policies/check. A well-formed request always gets a decision.
func (h *PolicyHandler) Check(c *gin.Context) {
	var req models.AccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id, action and resource are required"})
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	result := h.enforcer.Evaluate(req)
	c.JSON(http.StatusOK, gin.H{
		"allowed":            result.Allowed(),
		"decision":           result.Decision,
		"policy_id":          result.PolicyID,
		"rule_matched":       result.RuleMatched,
		"reason":             result.Reason,
		"confidence":         result.Confidence,
		"processing_time_ms": float64(result.ProcessingTime.Microseconds()) / 1000.0,
	})
}

// Put handles PUT /api/v1/policies/:id. The path id wins over any id in the body.
func (h *PolicyHandler) Put(c *gin.Context) {
	id := c.Param("id")
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPolicyBody)
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "policy must be a JSON object"})
		return
	}
	idJSON, _ := json.Marshal(id)
	doc["id"] = idJSON
	raw, _ = json.Marshal(doc)

	if h.validator != nil {
		if err := h.validator.ValidateRecord(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	p, err := services.DecodePolicyRecord(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p.SyncStatus = "local"

	outcome, err := h.store.Put(p)
	if err != nil {
		if errors.Is(err, services.ErrInvalidPolicy) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		middleware.GetRequestLogger(c).WithError(err).Error("Failed to store policy")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store policy"})
		return
	}
	if outcome != services.PutUnchanged {
		h.enforcer.Invalidate()
	}
	middleware.GetRequestLogger(c).WithFields(logrus.Fields{
		"policy_id": util.SanitizeForLog(id),
		"outcome":   outcome,
		"subject":   c.GetString("subject"),
	}).Info("Policy stored by admin")

	status := http.StatusOK
	if outcome == services.PutAdded {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"outcome": outcome, "policy": p})
}

// Delete handles DELETE /api/v1/policies/:id
func (h *PolicyHandler) Delete(c *gin.Context) {
	existed, err := h.store.Delete(c.Param("id"))
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("Failed to delete policy")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete policy"})
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
		return
	}
	h.enforcer.Invalidate()
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Sync handles POST /api/v1/policies/sync.
func (h *PolicyHandler) Sync(c *gin.Context) {
	if h.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no policy backend configured"})
		return
	}
	result, err := h.sync.SyncPolicies(c.Request.Context())
	switch {
	case errors.Is(err, services.ErrSyncInProgress):
		c.JSON(http.StatusConflict, result)
	case err != nil:
		c.JSON(http.StatusBadGateway, result)
	default:
		c.JSON(http.StatusOK, result)
	}
}

// Reload handles POST /api/v1/policies/reload.
func (h *PolicyHandler) Reload(c *gin.Context) {
	n, err := h.enforcer.Reload()
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("Failed to reload policies")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reload policies"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies_loaded": n})
}

// Cleanup handles POST /api/v1/policies/cleanup.
func (h *PolicyHandler) Cleanup(c *gin.Context) {
	n, err := h.store.CleanupExpired()
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("Failed to clean up expired policies")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clean up expired policies"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// RegisterRoutes mounts the read and check routes on api and the mutating routes on admin.
func (h *PolicyHandler) RegisterRoutes(api, check, admin *gin.RouterGroup) {
	api.GET("/policies", h.List)
	api.GET("/policies/:id", h.Get)
	check.POST("/policies/check", h.Check)

	admin.PUT("/policies/:id", h.Put)
	admin.DELETE("/policies/:id", h.Delete)
	admin.POST("/policies/sync", h.Sync)
	admin.POST("/policies/reload", h.Reload)
	admin.POST("/policies/cleanup", h.Cleanup)
}
