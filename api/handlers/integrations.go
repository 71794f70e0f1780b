package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/integrations"
	"github.com/forgehook/forgehook/internal/store"
)

// IntegrationHandlers serves the integration switchboard.
type IntegrationHandlers struct {
	service *integrations.Service
}

// NewIntegrationHandlers wires the integration routes.
func NewIntegrationHandlers(s *integrations.Service) *IntegrationHandlers {
	return &IntegrationHandlers{service: s}
}

// RegisterRoutes attaches the integration routes to the API group.
func (h *IntegrationHandlers) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/integrations", h.list)
	g.GET("/integrations/:id", h.get)
	g.POST("/integrations", h.save)
	g.PUT("/integrations/:id", h.update)
	g.POST("/integrations/:id/toggle", h.toggle)
	g.DELETE("/integrations/:id", h.delete)
}

func (h *IntegrationHandlers) list(c *gin.Context) {
	items, err := h.service.List(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrations": items})
}

func (h *IntegrationHandlers) get(c *gin.Context) {
	item, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type integrationBody struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Icon             string                 `json:"icon"`
	DocumentationURL string                 `json:"documentationUrl"`
	IsEnabled        *bool                  `json:"isEnabled"`
	Config           map[string]interface{} `json:"config"`
}

func (h *IntegrationHandlers) save(c *gin.Context) {
	var body integrationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.ID == "" || body.Name == "" {
		renderError(c, errdefs.New(errdefs.CodeValidation, "id and name are required"))
		return
	}
	item := &store.Integration{
		ID:               body.ID,
		Name:             body.Name,
		Description:      body.Description,
		Icon:             body.Icon,
		DocumentationURL: body.DocumentationURL,
		IsEnabled:        body.IsEnabled == nil || *body.IsEnabled,
		Config:           body.Config,
	}
	if err := h.service.Save(c.Request.Context(), item); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *IntegrationHandlers) update(c *gin.Context) {
	var body integrationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	item, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if body.Name != "" {
		item.Name = body.Name
	}
	if body.Description != "" {
		item.Description = body.Description
	}
	if body.Icon != "" {
		item.Icon = body.Icon
	}
	if body.DocumentationURL != "" {
		item.DocumentationURL = body.DocumentationURL
	}
	if body.IsEnabled != nil {
		item.IsEnabled = *body.IsEnabled
	}
	if body.Config != nil {
		item.Config = body.Config
	}
	if err := h.service.Save(ctx, item); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *IntegrationHandlers) toggle(c *gin.Context) {
	ctx := c.Request.Context()
	item, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	item, err = h.service.SetEnabled(ctx, item.ID, !item.IsEnabled)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *IntegrationHandlers) delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
