package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultListLimit    = 100
	writeTimeout        = 10 * time.Second
)

var tracer = otel.Tracer("portal_intelligence/internal/scheduler")

// PoolConfig tunes a worker pool.
type PoolConfig struct {
	PollInterval time.Duration
	Concurrency  int
	Owner        string
	// Yield is the pause between consecutive items of one prospect.
	Yield time.Duration
}

func (c PoolConfig) withDefaults(concurrency int) PoolConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Concurrency < 1 {
		c.Concurrency = concurrency
	}
	if c.Owner == "" {
		c.Owner = "intelligence-worker"
	}
	return c
}

// writeContext detaches state writes from shutdown so a finished run is
// still recorded.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
