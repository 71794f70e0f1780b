// Package handlers provides the HTTP surface of the control plane.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/forgehook/forgehook/internal/errdefs"
)

// renderError maps any error to the {error:{code,message,...}} body and
// the status its code carries.
func renderError(c *gin.Context, err error) {
	e := errdefs.AsError(err, errdefs.CodeInternal)
	body := gin.H{
		"code":    string(e.Code),
		"message": e.Message,
	}
	for k, v := range e.Details {
		body[k] = v
	}
	c.AbortWithStatusJSON(e.HTTPStatus(), gin.H{"error": body})
}

// badRequest reports a request decoding failure.
func badRequest(c *gin.Context, err error) {
	renderError(c, errdefs.Wrap(errdefs.CodeValidation, err, "invalid request body"))
}
