package kpicache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	versionKeyPrefix = "kpi:version:"
	bumpChannel      = "kpi.bump"
)

// Remote is the shared Redis tier. Keys carry a per-tenant version, so
// bumping the version invalidates every entry of a tenant at once. Calls go
// through a circuit breaker so a Redis outage degrades to local-only caching.
type Remote struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRemote wraps a Redis client.
func NewRemote(client *redis.Client) *Remote {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kpicache-redis",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Remote{client: client, breaker: breaker}
}

func (r *Remote) call(fn func() (interface{}, error)) (interface{}, error) {
	return r.breaker.Execute(fn)
}

func versionKey(companyID int64) string {
	return versionKeyPrefix + strconv.FormatInt(companyID, 10)
}

// Version returns the tenant's cache version, initialising it when missing.
func (r *Remote) Version(ctx context.Context, companyID int64) (int64, error) {
	if r == nil || r.client == nil {
		return 0, nil
	}
	out, err := r.call(func() (interface{}, error) {
		ver, err := r.client.Get(ctx, versionKey(companyID)).Int64()
		if errors.Is(err, redis.Nil) {
			// SETNX keeps a concurrent bump from being overwritten.
			if err := r.client.SetNX(ctx, versionKey(companyID), 1, 0).Err(); err != nil {
				return int64(0), err
			}
			return r.client.Get(ctx, versionKey(companyID)).Int64()
		}
		if err != nil {
			return int64(0), err
		}
		if ver <= 0 {
			ver = 1
			if err := r.client.Set(ctx, versionKey(companyID), ver, 0).Err(); err != nil {
				return int64(0), err
			}
		}
		return ver, nil
	})
	if err != nil {
		return 0, fmt.Errorf("kpicache: version: %w", err)
	}
	return out.(int64), nil
}

func (r *Remote) versioned(ctx context.Context, key Key) (string, error) {
	ver, err := r.Version(ctx, key.CompanyID)
	if err != nil {
		return "", err
	}
	return "kpi:" + key.String() + ":v" + strconv.FormatInt(ver, 10), nil
}

type remotePayload struct {
	data []byte
	ttl  time.Duration
}

// Get loads a payload and its remaining lifetime. A missing key is reported
// as ok=false with no error. ttl is zero when the key has no expiry.
func (r *Remote) Get(ctx context.Context, key Key) ([]byte, time.Duration, bool, error) {
	if r == nil || r.client == nil {
		return nil, 0, false, nil
	}
	k, err := r.versioned(ctx, key)
	if err != nil {
		return nil, 0, false, err
	}
	out, err := r.call(func() (interface{}, error) {
		pipe := r.client.Pipeline()
		get := pipe.Get(ctx, k)
		pttl := pipe.PTTL(ctx, k)
		if _, err := pipe.Exec(ctx); err != nil {
			if errors.Is(err, redis.Nil) {
				return remotePayload{}, nil
			}
			return remotePayload{}, err
		}
		data, err := get.Bytes()
		if err != nil {
			return remotePayload{}, err
		}
		// PTTL reports -1 for keys without expiry and -2 for missing ones.
		return remotePayload{data: data, ttl: max(pttl.Val(), 0)}, nil
	})
	if err != nil {
		return nil, 0, false, fmt.Errorf("kpicache: get: %w", err)
	}
	p := out.(remotePayload)
	return p.data, p.ttl, p.data != nil, nil
}

// Set stores a payload for ttl.
func (r *Remote) Set(ctx context.Context, key Key, payload []byte, ttl time.Duration) error {
	if r == nil || r.client == nil {
		return nil
	}
	k, err := r.versioned(ctx, key)
	if err != nil {
		return err
	}
	_, err = r.call(func() (interface{}, error) {
		return nil, r.client.Set(ctx, k, payload, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("kpicache: set: %w", err)
	}
	return nil
}

// Delete removes a single payload.
func (r *Remote) Delete(ctx context.Context, key Key) error {
	if r == nil || r.client == nil {
		return nil
	}
	k, err := r.versioned(ctx, key)
	if err != nil {
		return err
	}
	_, err = r.call(func() (interface{}, error) {
		return nil, r.client.Del(ctx, k).Err()
	})
	if err != nil {
		return fmt.Errorf("kpicache: delete: %w", err)
	}
	return nil
}

// Bump invalidates every payload of a tenant and notifies other processes.
func (r *Remote) Bump(ctx context.Context, service string, companyID int64) error {
	if r == nil || r.client == nil {
		return nil
	}
	_, err := r.call(func() (interface{}, error) {
		ver, err := r.client.Incr(ctx, versionKey(companyID)).Result()
		if err != nil {
			return nil, err
		}
		msg := service + ":" + strconv.FormatInt(companyID, 10) + ":" + strconv.FormatInt(ver, 10)
		return nil, r.client.Publish(ctx, bumpChannel, msg).Err()
	})
	if err != nil {
		return fmt.Errorf("kpicache: bump: %w", err)
	}
	return nil
}

// Listen subscribes to version bumps and calls onBump for each one until ctx
// ends. The subscription is confirmed before Listen returns.
func (r *Remote) Listen(ctx context.Context, onBump func(service string, companyID int64)) error {
	if r == nil || r.client == nil {
		return nil
	}
	pubsub := r.client.Subscribe(ctx, bumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("kpicache: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				service, companyID, ok := parseBump(msg.Payload)
				if ok && onBump != nil {
					onBump(service, companyID)
				}
			}
		}
	}()
	return nil
}

func parseBump(payload string) (string, int64, bool) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return "", 0, false
	}
	companyID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], companyID, true
}
