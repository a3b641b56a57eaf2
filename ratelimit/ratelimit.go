// Package ratelimit implements the distributed token/bucket gate: the
// claim/release contract that mediates every outgoing HTTP call, in a
// process-local variant and a Redis-backed shared variant.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrReleaseWithoutClaim is returned when Release is called for a bucket
// that has no outstanding matching Claim.
var ErrReleaseWithoutClaim = errors.New("ratelimit: release without matching claim")

// Info carries post-response rate-limit knowledge extracted from the
// remote API's response headers. Nil fields mean "no new information".
type Info struct {
	Limit    *int
	ResetsIn *time.Duration
}

// Gate is the two-operation contract every rate-limit gate implements,
// satisfied by both the Redis-backed shared gate and the in-process local
// gate. Callers must not depend on which implementation is in use.
type Gate interface {
	// Claim blocks until the caller holds one unit of permission on
	// bucket, or ctx is done.
	Claim(ctx context.Context, bucket string) error

	// Release records post-response knowledge for bucket. It must be
	// called exactly once per successful Claim.
	Release(ctx context.Context, bucket string, info Info) error
}
