package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/auth"
	"github.com/forgehook/forgehook/internal/events"
	"github.com/forgehook/forgehook/internal/integrations"
	"github.com/forgehook/forgehook/internal/plugin"
	"github.com/forgehook/forgehook/internal/registry"
)

// Router assembles the HTTP surface from its wired components.
type Router struct {
	Manager      *plugin.Manager
	Invoker      *plugin.Invoker
	Registry     *registry.Aggregator
	Integrations *integrations.Service
	Keys         *auth.KeyService
	Hub          *events.Hub
	Engine       Pinger
	Gatherer     prometheus.Gatherer
	Production   bool
	Version      string
	StaticDir    string
	RateLimitRPS float64
	RateBurst    int
	Log          zerolog.Logger
}

// Build constructs the gin engine with all routes and middleware.
func (r *Router) Build() *gin.Engine {
	if r.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(requestLogger(r.Log), gin.Recovery())

	system := NewSystemHandlers(r.Manager, r.Engine, r.Gatherer, r.Production, r.Version)
	system.RegisterRoutes(engine)

	rps, burst := r.RateLimitRPS, r.RateBurst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}

	api := engine.Group("/api/v1")
	api.Use(auth.RateLimitMiddleware(rps, burst), auth.APIKeyMiddleware(r.Keys))

	NewPluginHandlers(r.Manager, r.Invoker, r.Integrations).RegisterRoutes(api)
	NewMarketplaceHandlers(r.Registry, r.Manager).RegisterRoutes(api)
	NewPackageHandlers(r.Manager).RegisterRoutes(api)
	NewIntegrationHandlers(r.Integrations).RegisterRoutes(api)
	NewAPIKeyHandlers(r.Keys).RegisterRoutes(api)

	api.GET("/events/ws", gin.WrapH(r.Hub))

	if r.StaticDir != "" {
		registerStatic(engine, r.StaticDir)
	}
	return engine
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		ev := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}

// registerStatic serves the bundled UI, falling back to index.html for
// client-side routes.
func registerStatic(engine *gin.Engine, dir string) {
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		return
	}
	engine.Static("/assets", filepath.Join(dir, "assets"))
	engine.StaticFile("/", index)
	engine.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodGet && !isAPIPath(c.Request.URL.Path) {
			c.File(index)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"code":    "NOT_FOUND",
			"message": "route not found",
		}})
	})
}

func isAPIPath(path string) bool {
	return len(path) >= 5 && path[:5] == "/api/"
}
