package executor

import (
	"net"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"
)

// PoolConfig adjusts HTTP transport pooling behavior for the egress
// client shared by every message the executor handles.
type PoolConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultPoolConfig returns the pooling defaults, made explicit so callers
// can override a subset. Idle-connection count, idle timeout and
// expect-continue timeout match net/http's DefaultTransport; the per-host
// idle limit is 20 rather than net/http's 2.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

type poolStats struct {
	totalRequests     int64
	reusedConnections int64
}

func (ps *poolStats) record(reused bool) {
	atomic.AddInt64(&ps.totalRequests, 1)
	if reused {
		atomic.AddInt64(&ps.reusedConnections, 1)
	}
}

// PoolStats exposes connection pool reuse counters.
type PoolStats struct {
	TotalRequests     int64
	ReusedConnections int64
}

func (ps *poolStats) snapshot() PoolStats {
	return PoolStats{
		TotalRequests:     atomic.LoadInt64(&ps.totalRequests),
		ReusedConnections: atomic.LoadInt64(&ps.reusedConnections),
	}
}

func newPooledTransport(cfg PoolConfig) *http.Transport {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 20
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.ExpectContinueTimeout <= 0 {
		cfg.ExpectContinueTimeout = time.Second
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}
}

// withTrace attaches an httptrace.ClientTrace to req that records whether
// the underlying connection was reused, for PoolStats.
func withTrace(req *http.Request, stats *poolStats) *http.Request {
	if stats == nil {
		return req
	}
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			stats.record(info.Reused)
		},
	}
	return req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
}
