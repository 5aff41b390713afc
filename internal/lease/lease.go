// Package lease serializes turns for one conversation across parley
// processes that share a Redis instance. Within a process the aggregator
// already runs at most one turn per conversation.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
)

// ErrNotAcquired is returned when the context ends before the lease is won.
var ErrNotAcquired = errors.New("lease not acquired")

const (
	DefaultTTL    = 5 * time.Minute
	DefaultPrefix = "parley:lease:"
	pollInterval  = 100 * time.Millisecond
)

// Lease is a held conversation lease.
type Lease interface {
	// Release gives the lease up. Releasing a lease that expired or was
	// taken over is not an error.
	Release(ctx context.Context) error
}

// Leaser hands out conversation leases.
type Leaser interface {
	// Acquire blocks until the lease for conv is held or ctx ends.
	Acquire(ctx context.Context, conv domain.ConversationID) (Lease, error)
}

// Noop grants every lease immediately. It is used when no Redis is
// configured.
type Noop struct{}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }

// Acquire always succeeds.
func (Noop) Acquire(context.Context, domain.ConversationID) (Lease, error) { return noopLease{}, nil }

// Only the holder's token may delete or extend the key.
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// Redis implements Leaser with SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *logging.Logger
}

// NewRedis creates a Redis leaser. A zero ttl or empty prefix uses the
// defaults.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration, log *logging.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, log: log.Sub("lease")}
}

// FromConfig returns a Redis leaser when enabled, Noop otherwise. The
// returned close func releases the client.
func FromConfig(cfg config.LeaseConfig, log *logging.Logger) (Leaser, func() error) {
	if !cfg.Enabled || cfg.RedisAddr == "" {
		return Noop{}, func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedis(client, cfg.Prefix, cfg.TTL, log), client.Close
}

func (r *Redis) key(conv domain.ConversationID) string {
	return r.prefix + string(conv)
}

// Acquire polls until the key is free. A held lease is extended at half
// its TTL until released.
func (r *Redis) Acquire(ctx context.Context, conv domain.ConversationID) (Lease, error) {
	key := r.key(conv)
	token := uuid.New().String()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("acquiring lease %s: %w", key, err)
		}
		if ok {
			return r.hold(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) hold(key, token string) *redisLease {
	l := &redisLease{r: r, key: key, token: token, stop: make(chan struct{}), done: make(chan struct{})}
	go l.keepAlive()
	return l
}

type redisLease struct {
	r     *Redis
	key   string
	token string
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
}

func (l *redisLease) keepAlive() {
	defer close(l.done)
	ticker := time.NewTicker(l.r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.r.ttl/2)
			n, err := extendScript.Run(ctx, l.r.client, []string{l.key}, l.token, l.r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.r.log.Warn().Err(err).Str("key", l.key).Msg("lease extend failed")
				continue
			}
			if n == 0 {
				l.r.log.Warn().Str("key", l.key).Msg("lease lost")
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	released := true
	l.once.Do(func() {
		released = false
		close(l.stop)
	})
	if released {
		return nil
	}
	<-l.done

	if err := releaseScript.Run(ctx, l.r.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.key, err)
	}
	return nil
}
