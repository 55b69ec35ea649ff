// Package http defines how bounded-context modules attach to the monitoring
// server.
package http

import (
	"portal_intelligence/platform/logger"

	"github.com/gin-gonic/gin"
)

// Module is a bounded context with HTTP routes.
type Module interface {
	Name() string
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext is handed to each module during route registration.
type RouterContext struct {
	// V1 is /api/v1 without authentication.
	V1 *gin.RouterGroup
	// Admin is /api/v1/admin: operator token, admin role and per-IP rate limit.
	Admin *gin.RouterGroup
	Log   *logger.Logger
}
