package presets

import (
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-mutex/v1/backend/memory"
	redisbackend "github.com/mirkobrombin/go-mutex/v1/backend/redis"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/quorum"
)

const (
	DefaultAcquireTimeout = 3 * time.Second
	DefaultExpireTimeout  = 30 * time.Second
)

// RedisOptions configures the connection to one Redis server.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Timeouts bounds acquisition and lock lifetime. Zero values fall back to
// DefaultAcquireTimeout and DefaultExpireTimeout.
type Timeouts struct {
	Acquire time.Duration
	Expire  time.Duration
	// NoWait makes exactly one acquisition attempt, ignoring Acquire.
	NoWait bool
}

func (t Timeouts) withDefaults() Timeouts {
	if t.NoWait {
		t.Acquire = 0
	} else if t.Acquire == 0 {
		t.Acquire = DefaultAcquireTimeout
	}
	if t.Expire == 0 {
		t.Expire = DefaultExpireTimeout
	}
	return t
}

func newClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// NewRedisMutex creates a token based mutex for name on a single Redis
// server. It is exposed to the outage of that one server.
func NewRedisMutex(name string, server RedisOptions, t Timeouts, opts ...mutex.Option) *mutex.LockingMutex {
	t = t.withDefaults()
	return redisbackend.NewMutex(newClient(server), name, t.Acquire, t.Expire, opts...)
}

// NewRedisQuorum creates a Redlock mutex for name spanning independent
// Redis servers. Up to a minority of them may be unavailable. Breakers, when
// enabled through q, keep a failing server out of rounds for a cooldown.
func NewRedisQuorum(name string, servers []RedisOptions, t Timeouts, q QuorumOptions, opts ...mutex.Option) *mutex.LockingMutex {
	t = t.withDefaults()
	members := make([]mutex.Member, 0, len(servers))
	for _, s := range servers {
		var m mutex.Member = redisbackend.New(newClient(s))
		if q.BreakerThreshold > 0 {
			m = quorum.NewBreaker(m, q.BreakerThreshold, q.BreakerCooldown)
		}
		members = append(members, m)
	}
	qopts := []quorum.Option{quorum.WithLogger(q.Logger)}
	if q.Concurrent {
		qopts = append(qopts, quorum.WithConcurrentFanout())
	}
	return quorum.NewMutex(name, quorum.New(members, qopts...), t.Acquire, t.Expire, opts...)
}

// QuorumOptions tunes how a Redis quorum treats its servers.
type QuorumOptions struct {
	// BreakerThreshold enables a circuit breaker per server, opening after
	// that many consecutive failures. Zero disables it.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// Concurrent contacts the servers in parallel.
	Concurrent bool
	// Logger receives server failures, slog.Default() when nil.
	Logger *slog.Logger
}

// NewInMemory creates a mutex for name coordinating the goroutines of this
// process only. Useful for local development and tests.
func NewInMemory(name string, store *memory.Store, t Timeouts, opts ...mutex.Option) *mutex.LockingMutex {
	t = t.withDefaults()
	if store == nil {
		store = memory.New()
	}
	return mutex.NewTokenSpinlockMutex(name, mutex.NewSingle(store), t.Acquire, t.Expire, opts...)
}
