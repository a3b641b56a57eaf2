// Package health reports on the dependencies the proxy cannot function
// without: the shared rate-limit store and the message bus.
package health

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// busConn is the subset of *nats.Conn that CheckBus depends on, narrowed
// so a fake connection can stand in for tests.
type busConn interface {
	IsConnected() bool
	Status() nats.Status
}

// Checker performs health checks against the proxy's shared dependencies.
type Checker struct {
	redis redis.UniversalClient
	conn  busConn
}

// NewChecker builds a health checker. Either dependency may be nil, in
// which case its check is skipped and omitted from Report.
func NewChecker(redisClient redis.UniversalClient, conn *nats.Conn) *Checker {
	c := &Checker{redis: redisClient}
	if conn != nil {
		c.conn = conn
	}
	return c
}

// CheckRedis validates the shared store by round-tripping a PING.
func (h *Checker) CheckRedis(ctx context.Context) error {
	if h.redis == nil {
		return errors.New("redis client is not configured")
	}
	return h.redis.Ping(ctx).Err()
}

// CheckBus validates that the message bus connection reports itself
// connected; otherwise the error names the connection's current status.
func (h *Checker) CheckBus(ctx context.Context) error {
	if h.conn == nil {
		return errors.New("bus connection is not configured")
	}
	if !h.conn.IsConnected() {
		return errors.New("bus connection status: " + h.conn.Status().String())
	}
	return nil
}

// Report summarizes the results of every configured check.
type Report struct {
	Timestamp time.Time         `json:"timestamp"`
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
}

// Report executes every configured check and returns a consolidated
// status: "ok" if every check passed, "degraded" if any failed.
func (h *Checker) Report(ctx context.Context) *Report {
	checks := map[string]string{}
	status := "ok"

	if h.redis != nil {
		if err := h.CheckRedis(ctx); err != nil {
			checks["redis"] = err.Error()
			status = "degraded"
		} else {
			checks["redis"] = "ok"
		}
	}

	if h.conn != nil {
		if err := h.CheckBus(ctx); err != nil {
			checks["bus"] = err.Error()
			status = "degraded"
		} else {
			checks["bus"] = "ok"
		}
	}

	return &Report{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Checks:    checks,
	}
}
