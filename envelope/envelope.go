// Package envelope defines the request/response/outcome records exchanged
// over the message bus, and classifies errors into the wire-stable
// ResponseStatus enum.
package envelope

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/spectacles/proxy/route"
)

// Request is the envelope a publisher sends on the request subject.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout *time.Duration    `json:"timeout,omitempty"`
}

// Response is the envelope describing a completed HTTP round trip.
type Response struct {
	Status  uint16            `json:"status"`
	Headers map[string]string `json:"headers"`
	URL     string            `json:"url"`
	Body    []byte            `json:"body"`
}

// Status is the fixed, wire-stable outcome classification. Ordinals are
// part of the wire contract and must never be renumbered.
type Status uint8

const (
	StatusSuccess              Status = 0
	StatusUnknown              Status = 1
	StatusInvalidRequestFormat Status = 2
	StatusInvalidPath          Status = 3
	StatusInvalidQuery         Status = 4
	StatusInvalidMethod        Status = 5
	StatusInvalidHeaders       Status = 6
	StatusRequestFailure       Status = 7
	StatusRequestTimeout       Status = 8
)

// String renders the status the way it appears in logs and error messages.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusInvalidRequestFormat:
		return "InvalidRequestFormat"
	case StatusInvalidPath:
		return "InvalidPath"
	case StatusInvalidQuery:
		return "InvalidQuery"
	case StatusInvalidMethod:
		return "InvalidMethod"
	case StatusInvalidHeaders:
		return "InvalidHeaders"
	case StatusRequestFailure:
		return "RequestFailure"
	case StatusRequestTimeout:
		return "RequestTimeout"
	default:
		return "Unknown"
	}
}

// Outcome is what is replied on the bus: either a successful Response or a
// status-tagged error message.
type Outcome struct {
	Status Status `json:"status"`
	Body   any    `json:"body"`
}

// Ok builds a successful outcome wrapping resp.
func Ok(resp *Response) Outcome {
	return Outcome{Status: StatusSuccess, Body: resp}
}

// Err builds a failing outcome from a classified status and message.
func Err(status Status, message string) Outcome {
	return Outcome{Status: status, Body: message}
}

// FromError classifies err into an Outcome, using the sentinel errors this
// package and its callers produce.
func FromError(err error) Outcome {
	return Err(ClassifyError(err), err.Error())
}

// ClassifyError maps an error produced anywhere in the request pipeline to
// a wire ResponseStatus, mirroring the original implementation's
// match-by-error-type dispatch.
func ClassifyError(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return StatusRequestTimeout
	case errors.Is(err, ErrDecode):
		return StatusInvalidRequestFormat
	case errors.Is(err, route.ErrRelativePath), errors.Is(err, ErrInvalidPath):
		return StatusInvalidPath
	case errors.Is(err, ErrInvalidQuery):
		return StatusInvalidQuery
	case errors.Is(err, ErrInvalidMethod):
		return StatusInvalidMethod
	case errors.Is(err, ErrInvalidHeaders):
		return StatusInvalidHeaders
	case errors.Is(err, ErrTransport):
		return StatusRequestFailure
	default:
		return StatusUnknown
	}
}

// Sentinel errors the executor wraps its failures in, so ClassifyError can
// recover the right ResponseStatus via errors.Is.
var (
	ErrDecode         = errors.New("envelope: malformed request body")
	ErrInvalidPath    = errors.New("envelope: invalid path")
	ErrInvalidQuery   = errors.New("envelope: invalid query")
	ErrInvalidMethod  = errors.New("envelope: invalid method")
	ErrInvalidHeaders = errors.New("envelope: invalid headers")
	ErrTransport      = errors.New("envelope: request transport failure")
)

// Encode serializes v (a Request or Outcome) using sonic's
// encoding/json-compatible, lower-allocation codec.
func Encode(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Decode deserializes data into v. Decode failures should be wrapped in
// ErrDecode by the caller before they reach ClassifyError.
func Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// HeaderMap converts an http.Header into the flattened string map the wire
// envelopes use (last value wins per key, matching the original's
// single-valued header map).
func HeaderMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[len(v)-1]
		}
	}
	return out
}
