package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/integrations"
	"github.com/forgehook/forgehook/internal/plugin"
)

// PluginHandlers serves the plugin lifecycle and invocation routes.
type PluginHandlers struct {
	manager      *plugin.Manager
	invoker      *plugin.Invoker
	integrations *integrations.Service
}

// NewPluginHandlers wires the lifecycle routes.
func NewPluginHandlers(m *plugin.Manager, inv *plugin.Invoker, ints *integrations.Service) *PluginHandlers {
	return &PluginHandlers{manager: m, invoker: inv, integrations: ints}
}

// RegisterRoutes attaches the plugin routes to the API group.
func (h *PluginHandlers) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/plugins", h.list)
	g.POST("/plugins/install", h.install)
	g.GET("/plugins/:id", h.get)
	g.DELETE("/plugins/:id", h.uninstall)
	g.POST("/plugins/:id/start", h.start)
	g.POST("/plugins/:id/stop", h.stop)
	g.POST("/plugins/:id/restart", h.restart)
	g.GET("/plugins/:id/logs", h.logs)
	g.GET("/plugins/:id/functions", h.functions)
	g.GET("/plugins/:id/metrics", h.metrics)
	g.POST("/plugins/:id/update", h.update)
	g.POST("/plugins/:id/update/upload", h.uploadUpdate)
	g.POST("/plugins/:id/rollback", h.rollback)
	g.GET("/plugins/:id/updates", h.updates)
	g.POST("/plugins/:id/invoke/:function", h.invoke)
	g.Any("/plugins/:id/proxy/*path", h.proxy)
}

func (h *PluginHandlers) list(c *gin.Context) {
	plugins, err := h.manager.List(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	out := make([]gin.H, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, gin.H{
			"id":           p.ID,
			"forgehookId":  p.ForgehookID,
			"name":         p.Manifest.Name,
			"version":      p.InstalledVersion,
			"status":       p.Status,
			"runtime":      p.Runtime,
			"hostPort":     p.HostPort,
			"healthStatus": p.HealthStatus,
			"error":        p.Error,
			"manifest":     p.Manifest,
			"installedAt":  p.InstalledAt,
			"startedAt":    p.StartedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plugins": out})
}

func (h *PluginHandlers) get(c *gin.Context) {
	p, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type installBody struct {
	Manifest    json.RawMessage        `json:"manifest"`
	ManifestURL string                 `json:"manifestUrl"`
	Config      map[string]interface{} `json:"config"`
	Environment map[string]string      `json:"environment"`
	AutoStart   *bool                  `json:"autoStart"`
}

func (h *PluginHandlers) install(c *gin.Context) {
	var body installBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.manager.Install(c.Request.Context(), plugin.InstallRequest{
		Manifest:    body.Manifest,
		ManifestURL: body.ManifestURL,
		Config:      body.Config,
		Environment: body.Environment,
		AutoStart:   body.AutoStart,
	})
	if err != nil {
		if p != nil {
			// Installed but failed to start: surface both.
			c.JSON(http.StatusCreated, gin.H{
				"plugin": p,
				"warning": gin.H{
					"code":    string(errdefs.CodeOf(err)),
					"message": errdefs.AsError(err, errdefs.CodeStartFailed).Message,
				},
			})
			return
		}
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plugin": p})
}

func (h *PluginHandlers) start(c *gin.Context) {
	p, err := h.manager.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugin": p})
}

func (h *PluginHandlers) stop(c *gin.Context) {
	p, err := h.manager.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugin": p})
}

func (h *PluginHandlers) restart(c *gin.Context) {
	p, err := h.manager.Restart(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugin": p})
}

func (h *PluginHandlers) uninstall(c *gin.Context) {
	if err := h.manager.Uninstall(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *PluginHandlers) logs(c *gin.Context) {
	tail := 100
	if raw := c.Query("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}
	lines, err := h.manager.Logs(c.Request.Context(), c.Param("id"), tail)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": lines})
}

func (h *PluginHandlers) functions(c *gin.Context) {
	fns, err := h.manager.Functions(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"functions": fns})
}

func (h *PluginHandlers) metrics(c *gin.Context) {
	metric, err := h.invoker.Metrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pluginId":        metric.PluginID,
		"invocationCount": metric.InvocationCount,
		"errorCount":      metric.ErrorCount,
		"meanLatencyMs":   metric.MeanLatencyMS(),
		"lastInvoked":     metric.LastInvoked,
	})
}

type updateBody struct {
	ImageTag  string          `json:"imageTag"`
	BundleURL string          `json:"bundleUrl"`
	Manifest  json.RawMessage `json:"manifest"`
}

func (h *PluginHandlers) update(c *gin.Context) {
	var body updateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.manager.Update(c.Request.Context(), c.Param("id"), plugin.UpdateRequest{
		ImageTag:  body.ImageTag,
		BundleURL: body.BundleURL,
		Manifest:  body.Manifest,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugin": p})
}

type uploadUpdateBody struct {
	ModuleCode string          `json:"moduleCode"`
	Manifest   json.RawMessage `json:"manifest"`
}

func (h *PluginHandlers) uploadUpdate(c *gin.Context) {
	var body uploadUpdateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.manager.UploadUpdate(c.Request.Context(), c.Param("id"), body.ModuleCode, body.Manifest)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugin": p})
}

func (h *PluginHandlers) rollback(c *gin.Context) {
	p, err := h.manager.Rollback(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugin": p})
}

func (h *PluginHandlers) updates(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.manager.Get(ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	history, err := h.manager.History(ctx, p.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currentVersion":  p.InstalledVersion,
		"previousVersion": p.PreviousVersion,
		"canRollback":     p.CanRollback(),
		"history":         history,
	})
}

func (h *PluginHandlers) invoke(c *gin.Context) {
	ctx := c.Request.Context()

	// An integration header gates the call when the named integration
	// family is switched off.
	if integrationID := c.GetHeader("X-Integration-ID"); integrationID != "" {
		if err := h.integrations.Require(ctx, integrationID); err != nil {
			renderError(c, err)
			return
		}
	}

	var input map[string]interface{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	timeoutMS := 0
	if raw := c.Query("timeout"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			timeoutMS = n
		}
	}

	res, err := h.invoker.Invoke(ctx, c.Param("id"), plugin.InvokeRequest{
		Function:  c.Param("function"),
		Input:     input,
		Headers:   c.Request.Header,
		RequestID: requestID,
		ClientIP:  c.ClientIP(),
		TimeoutMS: timeoutMS,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *PluginHandlers) proxy(c *gin.Context) {
	prefix := "/api/v1/plugins/" + c.Param("id") + "/proxy"
	handler, err := h.invoker.ProxyHandler(c.Request.Context(), c.Param("id"), prefix)
	if err != nil {
		renderError(c, err)
		return
	}
	handler.ServeHTTP(c.Writer, c.Request)
}
