package executor

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectacles/proxy/logger"
)

func TestLoggingMiddlewarePassesThroughResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	base := func(req *http.Request) (*http.Response, error) {
		return srv.Client().Do(req)
	}
	wrapped := Chain(base, LoggingMiddleware(logger.Default()))

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := wrapped(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestMetricsMiddlewareRecordsStatusAndDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	var gotMethod, gotPath string
	var gotStatus int
	var gotDuration time.Duration
	collect := func(method, path string, status int, d time.Duration) {
		gotMethod, gotPath, gotStatus, gotDuration = method, path, status, d
	}

	base := func(req *http.Request) (*http.Response, error) {
		return srv.Client().Do(req)
	}
	wrapped := Chain(base, MetricsMiddleware(collect))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/foo/bar", nil)
	require.NoError(t, err)

	resp, err := wrapped(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/foo/bar", gotPath)
	assert.Equal(t, http.StatusCreated, gotStatus)
	assert.GreaterOrEqual(t, gotDuration, time.Duration(0))
}

func TestMetricsMiddlewareNilCollectIsTransparent(t *testing.T) {
	called := false
	base := func(req *http.Request) (*http.Response, error) {
		called = true
		return &http.Response{StatusCode: http.StatusOK}, nil
	}
	wrapped := Chain(base, MetricsMiddleware(nil))

	req, err := http.NewRequest(http.MethodGet, "http://example.test/x", nil)
	require.NoError(t, err)

	resp, err := wrapped(req)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsMiddlewareRecordsZeroStatusOnTransportError(t *testing.T) {
	var gotStatus int
	collect := func(method, path string, status int, d time.Duration) {
		gotStatus = status
	}

	base := func(req *http.Request) (*http.Response, error) {
		return nil, assert.AnError
	}
	wrapped := Chain(base, MetricsMiddleware(collect))

	req, err := http.NewRequest(http.MethodGet, "http://example.test/x", nil)
	require.NoError(t, err)

	_, err = wrapped(req)
	require.Error(t, err)
	assert.Equal(t, 0, gotStatus)
}
