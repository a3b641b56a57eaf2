// Package executor implements the request executor: envelope in, HTTP
// call out, envelope back — with the claim/ack/release ordering the gate
// and bus both depend on.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spectacles/proxy/bus"
	"github.com/spectacles/proxy/envelope"
	"github.com/spectacles/proxy/logger"
	"github.com/spectacles/proxy/metrics"
	"github.com/spectacles/proxy/ratelimit"
	"github.com/spectacles/proxy/route"
)

var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

// Executor builds HTTP requests from decoded envelopes, mediates them
// through a rate-limit gate, and replies with the outcome.
type Executor struct {
	gate    ratelimit.Gate
	client  *http.Client
	chain   RequestHandler
	scheme  string
	base    string
	version int
	timeout time.Duration
	log     *logger.Logger
	metrics *metrics.Metrics
	stats   *poolStats
}

// Option customizes an Executor produced by New.
type Option func(*Executor)

// WithPoolConfig replaces the shared transport's pooling behavior.
func WithPoolConfig(cfg PoolConfig) Option {
	return func(e *Executor) {
		e.client.Transport = newPooledTransport(cfg)
	}
}

// WithHTTPClient injects a caller-provided client (tests use this to point
// at an httptest.Server).
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Executor) {
		if hc != nil {
			e.client = hc
		}
	}
}

// WithLogger injects a logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithMiddlewares wraps the HTTP call in the given middleware chain,
// outermost first.
func WithMiddlewares(mws ...Middleware) Option {
	return func(e *Executor) {
		e.chain = Chain(e.doHTTP, mws...)
	}
}

// New constructs an Executor that targets scheme://base/api/v<version>/...
// and bounds every call by serverTimeout unless an envelope requests a
// tighter one.
func New(gate ratelimit.Gate, scheme, base string, version int, serverTimeout time.Duration, opts ...Option) *Executor {
	e := &Executor{
		gate:    gate,
		client:  &http.Client{Transport: newPooledTransport(DefaultPoolConfig())},
		scheme:  scheme,
		base:    strings.TrimRight(base, "/"),
		version: version,
		timeout: serverTimeout,
		log:     logger.Default(),
		stats:   &poolStats{},
	}
	e.chain = e.doHTTP

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PoolStats reports connection reuse counters for the shared transport.
func (e *Executor) PoolStats() PoolStats {
	return e.stats.snapshot()
}

// Handle implements the envelope-to-envelope request cycle: decode, build,
// claim, ack, execute, release, reply. ctx is owned by the harness — its
// cancellation (distinct from the per-request deadline derived below)
// means the caller has abandoned the request, so Handle replies to
// nothing once ctx is done.
func (e *Executor) Handle(ctx context.Context, msg *bus.Message) {
	start := time.Now()

	req, err := decodeRequest(msg.Data)
	if err != nil {
		e.finish(ctx, msg, "", "", start, envelope.FromError(err))
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveRequest(req.Method, req.Path)
	}

	effective := e.timeout
	if req.Timeout != nil && *req.Timeout < effective {
		effective = *req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, effective)
	defer cancel()

	httpReq, bucket, err := e.build(callCtx, req)
	if err != nil {
		e.finish(ctx, msg, req.Method, req.Path, start, envelope.FromError(err))
		return
	}

	claimStart := time.Now()
	if err := e.gate.Claim(callCtx, bucket); err != nil {
		e.finish(ctx, msg, req.Method, req.Path, start, envelope.FromError(err))
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveClaim(bucket, time.Since(claimStart))
	}

	if err := msg.Ack(); err != nil {
		e.log.Warn("executor.ack_failed", "error", err)
	}

	released := false
	release := func(info ratelimit.Info) {
		if released {
			return
		}
		released = true
		if err := e.gate.Release(context.Background(), bucket, info); err != nil {
			e.log.Warn("executor.release_failed", "bucket", bucket, "error", err)
		}
	}

	resp, doErr := e.chain(httpReq)
	if doErr != nil {
		release(ratelimit.Info{})
		e.finish(ctx, msg, req.Method, req.Path, start, envelope.FromError(fmt.Errorf("%w: %w", envelope.ErrTransport, doErr)))
		return
	}
	defer resp.Body.Close()

	// The call completed, so the permit is returned regardless of what
	// happens next — the rate limit was genuinely consumed.
	release(extractRateLimitInfo(resp.Header))

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		e.finish(ctx, msg, req.Method, req.Path, start, envelope.FromError(fmt.Errorf("%w: %w", envelope.ErrTransport, readErr)))
		return
	}

	out := envelope.Response{
		Status:  uint16(resp.StatusCode),
		Headers: envelope.HeaderMap(resp.Header),
		URL:     httpReq.URL.String(),
		Body:    body,
	}
	e.finish(ctx, msg, req.Method, req.Path, start, envelope.Ok(&out))
}

// finish replies on the bus and records metrics, unless ctx — the outer,
// harness-owned context — has already been cancelled, in which case the
// caller has abandoned the request and must hear nothing back.
func (e *Executor) finish(ctx context.Context, msg *bus.Message, method, path string, start time.Time, outcome envelope.Outcome) {
	if ctx.Err() != nil {
		return
	}

	data, err := envelope.Encode(outcome)
	if err != nil {
		e.log.Error("executor.encode_failed", "error", err)
		return
	}
	if err := msg.Reply(data); err != nil {
		e.log.Warn("executor.reply_failed", "error", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveResponse(method, path, outcome.Status.String(), time.Since(start))
	}
}

func (e *Executor) doHTTP(req *http.Request) (*http.Response, error) {
	return e.client.Do(req)
}

func decodeRequest(data []byte) (envelope.Request, error) {
	var req envelope.Request
	if err := envelope.Decode(data, &req); err != nil {
		return envelope.Request{}, fmt.Errorf("%w: %v", envelope.ErrDecode, err)
	}
	return req, nil
}

// build validates method/path/headers/query, derives the bucket key, and
// constructs the outbound *http.Request.
func (e *Executor) build(ctx context.Context, req envelope.Request) (*http.Request, string, error) {
	method := strings.ToUpper(req.Method)
	if _, ok := allowedMethods[method]; !ok {
		return nil, "", fmt.Errorf("%w: %q", envelope.ErrInvalidMethod, req.Method)
	}

	bucket, err := route.MakeRoute(req.Path)
	if err != nil {
		return nil, "", err
	}

	if err := validateHeaders(req.Headers); err != nil {
		return nil, "", err
	}

	if err := validateQuery(req.Query); err != nil {
		return nil, "", err
	}

	target, err := e.buildURL(req.Path, req.Query)
	if err != nil {
		return nil, "", err
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", envelope.ErrTransport, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq = withTrace(httpReq, e.stats)

	return httpReq, bucket, nil
}

func (e *Executor) buildURL(path string, query map[string]string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: path must be absolute", envelope.ErrInvalidPath)
	}

	u := &url.URL{
		Scheme: e.scheme,
		Host:   e.base,
		Path:   fmt.Sprintf("/api/v%d%s", e.version, path),
	}

	if len(query) > 0 {
		values := url.Values{}
		for k, v := range query {
			values.Set(k, v)
		}
		u.RawQuery = values.Encode()
	}

	return u.String(), nil
}

func validateHeaders(headers map[string]string) error {
	for k, v := range headers {
		if k == "" {
			return fmt.Errorf("%w: empty header name", envelope.ErrInvalidHeaders)
		}
		if strings.ContainsAny(k, "\r\n:") {
			return fmt.Errorf("%w: invalid header name %q", envelope.ErrInvalidHeaders, k)
		}
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: invalid header value for %q", envelope.ErrInvalidHeaders, k)
		}
	}
	return nil
}

func validateQuery(query map[string]string) error {
	for k := range query {
		if k == "" {
			return fmt.Errorf("%w: empty query key", envelope.ErrInvalidQuery)
		}
	}
	return nil
}

func extractRateLimitInfo(h http.Header) ratelimit.Info {
	var info ratelimit.Info
	if raw := h.Get("x-ratelimit-limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			info.Limit = &n
		}
	}
	if raw := h.Get("x-ratelimit-reset-after"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			d := time.Duration(secs * float64(time.Second))
			info.ResetsIn = &d
		}
	}
	return info
}
