package system

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/messenger-service/internal/registry/route"
)

var (
	ready    atomic.Bool
	checksMu sync.RWMutex
	checks   = map[string]func(context.Context) error{}
)

// MarkReady signals that the service has finished initializing. Call this
// once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

// AddReadinessCheck registers a dependency probe run by /ready.
func AddReadinessCheck(name string, check func(context.Context) error) {
	checksMu.Lock()
	defer checksMu.Unlock()
	checks[name] = check
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine) error {
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})
			r.GET("/ready", readiness)
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))
			return nil
		},
	})
}

func readiness(c *gin.Context) {
	if !ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checksMu.RLock()
	defer checksMu.RUnlock()
	failed := gin.H{}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
