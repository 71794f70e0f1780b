package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/plugin"
	"github.com/forgehook/forgehook/internal/registry"
	"github.com/forgehook/forgehook/internal/store"
)

// MarketplaceHandlers serves the aggregated catalogue and source CRUD.
type MarketplaceHandlers struct {
	registry *registry.Aggregator
	manager  *plugin.Manager
}

// NewMarketplaceHandlers wires the marketplace routes.
func NewMarketplaceHandlers(reg *registry.Aggregator, m *plugin.Manager) *MarketplaceHandlers {
	return &MarketplaceHandlers{registry: reg, manager: m}
}

// RegisterRoutes attaches the marketplace routes to the API group.
func (h *MarketplaceHandlers) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/marketplace", h.listing)
	g.POST("/marketplace/refresh", h.refreshAll)
	g.POST("/marketplace/install", h.install)
	g.POST("/marketplace/install/github", h.installGitHub)
	g.GET("/marketplace/sources", h.listSources)
	g.POST("/marketplace/sources", h.addSource)
	g.PUT("/marketplace/sources/:id", h.updateSource)
	g.DELETE("/marketplace/sources/:id", h.deleteSource)
	g.POST("/marketplace/sources/:id/toggle", h.toggleSource)
	g.POST("/marketplace/sources/:id/refresh", h.refreshSource)
}

func (h *MarketplaceHandlers) listing(c *gin.Context) {
	filters := registry.Filters{
		Category: c.Query("category"),
		Search:   c.Query("search"),
		Featured: c.Query("featured") == "true",
		Verified: c.Query("verified") == "true",
	}
	entries, sources, err := h.registry.Marketplace(c.Request.Context(), filters)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": entries, "sources": sources})
}

func (h *MarketplaceHandlers) refreshAll(c *gin.Context) {
	if err := h.registry.RefreshAll(c.Request.Context()); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type marketplaceInstallBody struct {
	PluginID    string                 `json:"pluginId"`
	SourceID    string                 `json:"sourceId"`
	Config      map[string]interface{} `json:"config"`
	Environment map[string]string      `json:"environment"`
	AutoStart   *bool                  `json:"autoStart"`
}

func (h *MarketplaceHandlers) install(c *gin.Context) {
	var body marketplaceInstallBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.PluginID == "" {
		renderError(c, errdefs.New(errdefs.CodeValidation, "pluginId is required"))
		return
	}
	p, err := h.manager.Install(c.Request.Context(), plugin.InstallRequest{
		MarketplaceID: body.PluginID,
		SourceID:      body.SourceID,
		Config:        body.Config,
		Environment:   body.Environment,
		AutoStart:     body.AutoStart,
	})
	if err != nil && p == nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plugin": p})
}

type githubInstallBody struct {
	Repository   string                 `json:"repository"`
	Ref          string                 `json:"ref"`
	ManifestPath string                 `json:"manifestPath"`
	Config       map[string]interface{} `json:"config"`
	Environment  map[string]string      `json:"environment"`
	AutoStart    *bool                  `json:"autoStart"`
}

func (h *MarketplaceHandlers) installGitHub(c *gin.Context) {
	var body githubInstallBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.Repository == "" {
		renderError(c, errdefs.New(errdefs.CodeValidation, "repository is required"))
		return
	}
	req := plugin.InstallRequest{
		GithubRef:   body.Repository,
		Config:      body.Config,
		Environment: body.Environment,
		AutoStart:   body.AutoStart,
	}
	// Explicit ref or manifest path overrides whatever the repository
	// string carries.
	if body.Ref != "" || body.ManifestPath != "" {
		ref, err := registry.ParseGitHubRef(body.Repository)
		if err != nil {
			renderError(c, err)
			return
		}
		if body.Ref != "" {
			ref.Ref = body.Ref
		}
		req.GithubRef = ""
		req.ManifestURL = ref.RawURL(body.ManifestPath)
	}
	p, err := h.manager.Install(c.Request.Context(), req)
	if err != nil && p == nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plugin": p})
}

func (h *MarketplaceHandlers) listSources(c *gin.Context) {
	sources, err := h.registry.ListSources(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

type sourceBody struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
	Enabled  *bool  `json:"enabled"`
}

func (h *MarketplaceHandlers) addSource(c *gin.Context) {
	var body sourceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.Name == "" || body.URL == "" {
		renderError(c, errdefs.New(errdefs.CodeValidation, "name and url are required"))
		return
	}
	src := &store.RegistrySource{
		ID:         uuid.NewString(),
		Name:       body.Name,
		URL:        body.URL,
		SourceType: store.SourceType(body.Type),
		Priority:   body.Priority,
		Enabled:    body.Enabled == nil || *body.Enabled,
	}
	if err := h.registry.AddSource(c.Request.Context(), src); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"source": src})
}

func (h *MarketplaceHandlers) updateSource(c *gin.Context) {
	var body sourceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	src, err := h.registry.UpdateSource(c.Request.Context(), c.Param("id"), func(s *store.RegistrySource) {
		if body.Name != "" {
			s.Name = body.Name
		}
		if body.URL != "" {
			s.URL = body.URL
		}
		if body.Priority != 0 {
			s.Priority = body.Priority
		}
		if body.Enabled != nil {
			s.Enabled = *body.Enabled
		}
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": src})
}

func (h *MarketplaceHandlers) deleteSource(c *gin.Context) {
	if err := h.registry.DeleteSource(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *MarketplaceHandlers) toggleSource(c *gin.Context) {
	src, err := h.registry.UpdateSource(c.Request.Context(), c.Param("id"), func(s *store.RegistrySource) {
		s.Enabled = !s.Enabled
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": src})
}

func (h *MarketplaceHandlers) refreshSource(c *gin.Context) {
	if err := h.registry.RefreshSource(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
