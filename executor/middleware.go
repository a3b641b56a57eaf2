package executor

import (
	"net/http"
	"time"

	"github.com/spectacles/proxy/logger"
)

// RequestHandler executes one outbound HTTP request.
type RequestHandler func(req *http.Request) (*http.Response, error)

// Middleware wraps a handler, onion-style: the outermost middleware in the
// chain runs first on the way in and last on the way out.
type Middleware func(next RequestHandler) RequestHandler

// Chain composes middlewares around base, in the order given — the first
// middleware is outermost.
func Chain(base RequestHandler, mws ...Middleware) RequestHandler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// LoggingMiddleware emits debug-level logs for request/response pairs.
func LoggingMiddleware(log *logger.Logger) Middleware {
	if log == nil {
		log = logger.Default()
	}
	return func(next RequestHandler) RequestHandler {
		return func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			log.Debug("executor.request",
				"method", req.Method,
				"url", req.URL.String(),
			)

			resp, err := next(req)

			log.Debug("executor.response",
				"method", req.Method,
				"url", req.URL.String(),
				"status", statusCode(resp),
				"error", err,
				"duration_ms", time.Since(start).Milliseconds(),
			)

			return resp, err
		}
	}
}

// MetricsMiddleware invokes collect after every call with the outcome's
// status and duration. A nil collect makes this middleware transparent.
func MetricsMiddleware(collect func(method, path string, status int, duration time.Duration)) Middleware {
	if collect == nil {
		return func(next RequestHandler) RequestHandler { return next }
	}

	return func(next RequestHandler) RequestHandler {
		return func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next(req)
			collect(req.Method, req.URL.Path, statusCode(resp), time.Since(start))
			return resp, err
		}
	}
}

func statusCode(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
