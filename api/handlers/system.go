package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgehook/forgehook/internal/plugin"
	"github.com/forgehook/forgehook/internal/store"
)

// Pinger is the liveness probe of an external dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandlers serves health, readiness and the metrics endpoint.
type SystemHandlers struct {
	manager    *plugin.Manager
	engine     Pinger
	gatherer   prometheus.Gatherer
	production bool
	version    string
	startedAt  time.Time
}

// NewSystemHandlers wires the operational routes. engine may be nil
// when the container runtime is disabled.
func NewSystemHandlers(m *plugin.Manager, engine Pinger, gatherer prometheus.Gatherer, production bool, version string) *SystemHandlers {
	return &SystemHandlers{
		manager:    m,
		engine:     engine,
		gatherer:   gatherer,
		production: production,
		version:    version,
		startedAt:  time.Now().UTC(),
	}
}

// RegisterRoutes attaches the operational routes at the engine root;
// they are reachable without an API key.
func (h *SystemHandlers) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/ready", h.ready)
	r.GET("/live", h.live)
	r.GET("/status", h.status)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}

func (h *SystemHandlers) health(c *gin.Context) {
	if _, err := h.manager.List(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "state store unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *SystemHandlers) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{"store": "ok"}
	ready := true
	if _, err := h.manager.List(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	}
	if h.engine != nil {
		checks["engine"] = "ok"
		if err := h.engine.Ping(ctx); err != nil {
			checks["engine"] = err.Error()
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

func (h *SystemHandlers) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

// status reports detailed runtime state. Disabled in production.
func (h *SystemHandlers) status(c *gin.Context) {
	if h.production {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"code":    "FORBIDDEN",
			"message": "status endpoint is disabled in production",
		}})
		return
	}

	plugins, err := h.manager.List(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	counts := map[store.Status]int{}
	for _, p := range plugins {
		counts[p.Status]++
	}
	c.JSON(http.StatusOK, gin.H{
		"version":   h.version,
		"uptime":    time.Since(h.startedAt).String(),
		"startedAt": h.startedAt,
		"plugins": gin.H{
			"total":   len(plugins),
			"running": counts[store.StatusRunning],
			"stopped": counts[store.StatusStopped],
			"error":   counts[store.StatusError],
		},
	})
}
