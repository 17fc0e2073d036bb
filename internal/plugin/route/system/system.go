package system

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lovediary/agent-service/internal/agent"
	registryroute "github.com/lovediary/agent-service/internal/registry/route"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
)

var (
	ready     atomic.Bool
	startTime = time.Now()
	// messagesProcessed mirrors the prometheus counter as a plain value for
	// the health payload.
	messagesProcessed atomic.Int64
)

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

// CountMessage bumps the health payload's message counter.
func CountMessage() {
	messagesProcessed.Add(1)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine) error {
			// Readiness: service has finished initializing
			r.GET("/ready", func(c *gin.Context) {
				if ready.Load() {
					c.JSON(http.StatusOK, gin.H{"status": "ready"})
				} else {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
				}
			})

			// Prometheus metrics
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}

// MountHealth mounts the health endpoint. Called after the manager and store
// are initialized so the payload can report live working-set stats.
func MountHealth(r *gin.Engine, mgr *agent.Manager, store registrystore.AgentStore) {
	r.GET("/health", func(c *gin.Context) {
		hibernated, err := store.HibernatedCount(c.Request.Context())
		if err != nil {
			log.Warn("Health: hibernated count unavailable", "err", err)
			hibernated = -1
		}
		c.JSON(http.StatusOK, gin.H{
			"status":                   "healthy",
			"active_agents":            mgr.ResidentCount(),
			"hibernated_agents":        hibernated,
			"total_messages_processed": messagesProcessed.Load(),
			"uptime_seconds":           int(time.Since(startTime).Seconds()),
		})
	})
}
