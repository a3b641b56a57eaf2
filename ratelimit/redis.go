package ratelimit

import (
	"context"
	_ "embed"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// NotifyKey is the pub/sub channel bucket names are published on as they
// become claimable, so a Claim blocked on an empty bucket wakes up instead
// of waiting out a full poll interval. Delivery is advisory only: Claim is
// correct even if every publish is lost, because it always re-invokes the
// claim script on wakeup or timeout rather than trusting the payload.
const NotifyKey = "rest_ready"

//go:embed scripts/claim.lua
var claimScriptSource string

//go:embed scripts/release.lua
var releaseScriptSource string

var (
	claimScript   = redis.NewScript(claimScriptSource)
	releaseScript = redis.NewScript(releaseScriptSource)
)

// RedisGate is the shared, fleet-wide Gate implementation. All bucket
// state lives in Redis and is mutated only by the two atomic scripts
// above; no client-side lock ever spans two round trips, so any number of
// proxy processes can claim against the same bucket name and observe a
// single consistent sequence of grants.
type RedisGate struct {
	client redis.UniversalClient

	// maxWait bounds how long Claim goes between re-invoking the claim
	// script while parked waiting for a rest_ready publish, covering the
	// case where a publish is dropped before any subscriber is listening.
	maxWait time.Duration
}

// NewRedisGate wraps an existing Redis client.
func NewRedisGate(client redis.UniversalClient) *RedisGate {
	return &RedisGate{client: client, maxWait: 2 * time.Second}
}

func bucketKeys(bucket string) (available, size, resetAt, claimed string) {
	prefix := "ratelimit:" + bucket + ":"
	return prefix + "available", prefix + "size", prefix + "reset_at", prefix + "claimed"
}

// Claim blocks until a permit for bucket is granted or ctx is done.
func (g *RedisGate) Claim(ctx context.Context, bucket string) error {
	availKey, sizeKey, resetAtKey, claimedKey := bucketKeys(bucket)
	keys := []string{availKey, sizeKey, resetAtKey, claimedKey}

	var sub *redis.PubSub
	var woken <-chan *redis.Message
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	for {
		expiration, err := claimScript.Run(ctx, g.client, keys, bucket).Int64()
		if err != nil {
			return err
		}

		switch {
		case expiration == 0:
			return nil
		case expiration > 0:
			if err := sleepOrDone(ctx, time.Duration(expiration)*time.Millisecond); err != nil {
				return err
			}
		default:
			if sub == nil {
				sub = g.client.Subscribe(ctx, NotifyKey)
				woken = sub.Channel()
			}
			if err := waitForWakeup(ctx, woken, bucket, g.maxWait); err != nil {
				return err
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func waitForWakeup(ctx context.Context, woken <-chan *redis.Message, bucket string, maxWait time.Duration) error {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-woken:
			// Wakeups naming other buckets are discarded.
			if !ok || msg.Payload == bucket {
				return nil
			}
		case <-timer.C:
			return nil
		}
	}
}

// Release records info for bucket.
func (g *RedisGate) Release(ctx context.Context, bucket string, info Info) error {
	availKey, sizeKey, resetAtKey, claimedKey := bucketKeys(bucket)

	limit := "0"
	if info.Limit != nil {
		limit = strconv.Itoa(*info.Limit)
	}

	resetsIn := "0"
	if info.ResetsIn != nil {
		resetsIn = strconv.FormatInt(info.ResetsIn.Milliseconds(), 10)
	}

	result, err := releaseScript.Run(
		ctx, g.client,
		[]string{availKey, sizeKey, resetAtKey, claimedKey},
		limit, resetsIn, bucket,
	).Int64()
	if err != nil {
		return err
	}
	if result < 0 {
		return ErrReleaseWithoutClaim
	}
	return nil
}
