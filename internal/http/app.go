package http

import (
	"context"

	"portal_intelligence/platform/config"
	"portal_intelligence/platform/logger"
)

// RouterConfig is the configuration the router reads.
type RouterConfig interface {
	config.HTTPConfig
	config.JWTConfig
}

// HealthChecker backs the readiness probe, usually the database pool.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// App is assembled by the composition root and turned into an engine by
// router.New.
type App struct {
	Config  RouterConfig
	Logger  *logger.Logger
	Health  HealthChecker
	Modules []Module
}
