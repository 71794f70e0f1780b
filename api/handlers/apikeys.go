package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgehook/forgehook/internal/auth"
	"github.com/forgehook/forgehook/internal/errdefs"
)

// APIKeyHandlers serves API key management. The plaintext key appears
// exactly once, in the create response.
type APIKeyHandlers struct {
	keys *auth.KeyService
}

// NewAPIKeyHandlers wires the key routes.
func NewAPIKeyHandlers(keys *auth.KeyService) *APIKeyHandlers {
	return &APIKeyHandlers{keys: keys}
}

// RegisterRoutes attaches the API key routes to the API group.
func (h *APIKeyHandlers) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/api-keys", h.list)
	g.POST("/api-keys", h.create)
	g.DELETE("/api-keys/:id", h.revoke)
}

func (h *APIKeyHandlers) list(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

type createKeyBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *APIKeyHandlers) create(c *gin.Context) {
	var body createKeyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.Name == "" {
		renderError(c, errdefs.New(errdefs.CodeValidation, "name is required"))
		return
	}
	key, plaintext, err := h.keys.Create(c.Request.Context(), body.Name, body.Description)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":        key.ID,
		"name":      key.Name,
		"prefix":    key.Prefix,
		"createdAt": key.CreatedAt,
		// Returned once; only the hash is stored.
		"key": plaintext,
	})
}

func (h *APIKeyHandlers) revoke(c *gin.Context) {
	if err := h.keys.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
