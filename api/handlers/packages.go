package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/fhk"
	"github.com/forgehook/forgehook/internal/plugin"
)

// PackageHandlers serves .fhk export, inspect and import.
type PackageHandlers struct {
	manager *plugin.Manager
}

// NewPackageHandlers wires the package routes.
func NewPackageHandlers(m *plugin.Manager) *PackageHandlers {
	return &PackageHandlers{manager: m}
}

// RegisterRoutes attaches the package routes to the API group.
func (h *PackageHandlers) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/plugins/:id/export", h.export)
	g.POST("/packages/inspect", h.inspect)
	g.POST("/packages/import", h.importPackage)
}

func (h *PackageHandlers) export(c *gin.Context) {
	p, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fhk.Filename(p.Manifest)))
	if _, err := h.manager.ExportPackage(c.Request.Context(), p.ID, c.Writer); err != nil {
		// Headers are already out; the truncated stream is all we can
		// signal with.
		c.Error(err)
	}
}

// packageFile opens the uploaded multipart archive.
func packageFile(c *gin.Context) (io.ReadCloser, error) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return nil, errdefs.New(errdefs.CodeNoFile, "request has no package file")
	}
	f, err := fileHeader.Open()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeNoFile, err, "failed to open uploaded file")
	}
	return f, nil
}

func (h *PackageHandlers) inspect(c *gin.Context) {
	f, err := packageFile(c)
	if err != nil {
		renderError(c, err)
		return
	}
	defer f.Close()

	info, installed, err := h.manager.InspectPackage(c.Request.Context(), f)
	if err != nil {
		renderError(c, err)
		return
	}
	body := gin.H{
		"manifest":  info.Manifest,
		"readme":    info.Readme,
		"checksums": info.Checksums,
		"imageSize": info.ImageSize,
		"installed": installed != nil,
	}
	if installed != nil {
		body["installedPluginId"] = installed.ID
		body["installedVersion"] = installed.InstalledVersion
	}
	c.JSON(http.StatusOK, body)
}

func (h *PackageHandlers) importPackage(c *gin.Context) {
	f, err := packageFile(c)
	if err != nil {
		renderError(c, err)
		return
	}
	defer f.Close()

	var opts plugin.ImportOptions
	if raw := c.PostForm("autoStart"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			opts.AutoStart = &v
		}
	}
	if raw := c.PostForm("config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Config); err != nil {
			renderError(c, errdefs.New(errdefs.CodeValidation, "config field is not valid JSON"))
			return
		}
	}
	if raw := c.PostForm("environment"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Environment); err != nil {
			renderError(c, errdefs.New(errdefs.CodeValidation, "environment field is not valid JSON"))
			return
		}
	}

	p, err := h.manager.ImportPackage(c.Request.Context(), f, opts)
	if err != nil && p == nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plugin": p})
}
