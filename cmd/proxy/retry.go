package main

import (
	"context"
	"time"

	"github.com/spectacles/proxy/logger"
)

// connectWithRetry retries connect on a fixed five-second backoff until it
// succeeds or ctx is done, logging each failed attempt. Dependency
// connections at startup either eventually succeed or the process should
// keep waiting for Redis/the bus to come up rather than exit.
func connectWithRetry[T any](ctx context.Context, log *logger.Logger, name string, connect func() (T, error)) (T, error) {
	const backoff = 5 * time.Second

	var attempt int
	for {
		attempt++
		v, err := connect()
		if err == nil {
			return v, nil
		}

		log.Warn("startup.connect_failed", "dependency", name, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}
}
