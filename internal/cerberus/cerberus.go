package cerberus

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/beacon-iot/edgegate/internal/config"
	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/metrics"
	"github.com/beacon-iot/edgegate/internal/util"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepSize = 4096
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Cerberus guards the local API: an address whitelist for admin routes and a
// per-client token bucket for the access check route.
type Cerberus struct {
	cfg config.SecurityConfig
	now func() time.Time

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

// New creates a new Cerberus instance
func New(cfg config.SecurityConfig) *Cerberus {
	return &Cerberus{
		cfg:      cfg,
		now:      time.Now,
		limiters: make(map[string]*clientLimiter),
	}
}

// RateLimitEnabled reports whether the check route is throttled.
func (c *Cerberus) RateLimitEnabled() bool {
	return c.cfg.RateLimitRPS > 0
}

// AdminAllowed reports whether clientIP may reach admin routes. An empty whitelist allows everyone.
func (c *Cerberus) AdminAllowed(clientIP string) bool {
	if strings.TrimSpace(c.cfg.AdminWhitelist) == "" {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	return util.IPInList(ip, c.cfg.AdminWhitelist)
}

// AdminGuard rejects admin requests from outside the whitelist.
func (c *Cerberus) AdminGuard() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		clientIP := ctx.ClientIP()
		if !c.AdminAllowed(clientIP) {
			logger.Log().WithFields(map[string]interface{}{
				"source":    "admin_whitelist",
				"decision":  "block",
				"client_ip": clientIP,
				"path":      ctx.Request.URL.Path,
			}).Warn("Admin request blocked by whitelist")
			metrics.IncRequestBlocked("admin_whitelist")
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Blocked by admin whitelist"})
			return
		}
		ctx.Next()
	}
}

// RateLimit throttles each client address independently.
func (c *Cerberus) RateLimit() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !c.RateLimitEnabled() {
			ctx.Next()
			return
		}
		lim := c.limiterFor(ctx.ClientIP())
		if !lim.Allow() {
			metrics.IncRequestBlocked("rate_limit")
			retry := int(math.Ceil(1 / c.cfg.RateLimitRPS))
			if retry < 1 {
				retry = 1
			}
			ctx.Header("Retry-After", strconv.Itoa(retry))
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		ctx.Next()
	}
}

func (c *Cerberus) limiterFor(key string) *rate.Limiter {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.limiters[key]; ok {
		cl.lastSeen = now
		return cl.limiter
	}
	if len(c.limiters) >= limiterSweepSize {
		for k, cl := range c.limiters {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(c.limiters, k)
			}
		}
	}
	burst := c.cfg.RateLimitBurst
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(c.cfg.RateLimitRPS)))
	}
	cl := &clientLimiter{limiter: rate.NewLimiter(rate.Limit(c.cfg.RateLimitRPS), burst), lastSeen: now}
	c.limiters[key] = cl
	return cl.limiter
}

// TrackedClients is the number of client addresses holding a limiter.
func (c *Cerberus) TrackedClients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.limiters)
}
