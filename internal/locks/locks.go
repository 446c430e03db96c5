// Package locks provides cluster-wide lease-based advisory locks backed by
// Redis. Keys are opaque strings ("task:<id>", "money:<id>"). Leases carry
// a TTL so a crashed holder never deadlocks the cluster.
package locks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hustlexp/backend/internal/hxerr"
)

// Lease is a held lock. Release is idempotent and ownership-checked.
type Lease struct {
	Key        string
	ID         string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Service acquires and releases leases.
type Service struct {
	rdb    *redis.Client
	logger *log.Logger
}

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only for the current owner.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &Service{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[LOCKS] ", log.LstdFlags),
	}, nil
}

// NewServiceWithClient wires an existing client, used by tests and by
// callers that share the connection pool.
func NewServiceWithClient(rdb *redis.Client) *Service {
	return &Service{rdb: rdb, logger: log.New(log.Writer(), "[LOCKS] ", log.LstdFlags)}
}

func (s *Service) Close() error { return s.rdb.Close() }

// Acquire takes the lock or fails with a state conflict if someone else
// holds it. The owner string shows up in diagnostics only; ownership is
// tracked by the lease id.
func (s *Service) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error) {
	leaseID := owner + ":" + uuid.NewString()

	ok, err := s.rdb.SetNX(ctx, lockKey(key), leaseID, ttl).Result()
	if err != nil {
		return nil, hxerr.Wrap(hxerr.Retryable, err, "lock acquire %s", key)
	}
	if !ok {
		return nil, hxerr.New(hxerr.ConflictState, "lock %s is held", key)
	}

	return &Lease{Key: key, ID: leaseID, AcquiredAt: time.Now(), TTL: ttl}, nil
}

// Release drops the lease if it is still ours. Releasing an expired or
// stolen lease is a no-op.
func (s *Service) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, s.rdb, []string{lockKey(lease.Key)}, lease.ID).Int()
	if err != nil {
		return hxerr.Wrap(hxerr.Retryable, err, "lock release %s", lease.Key)
	}
	if n == 0 {
		s.logger.Printf("release of %s skipped: lease no longer owned", lease.Key)
	}
	return nil
}

// Extend refreshes the TTL for a lease still held by the caller. Used by
// the money state machine when a provider call runs long.
func (s *Service) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, s.rdb, []string{lockKey(lease.Key)}, lease.ID, ttl.Milliseconds()).Int()
	if err != nil {
		return hxerr.Wrap(hxerr.Retryable, err, "lock extend %s", lease.Key)
	}
	if n == 0 {
		return hxerr.New(hxerr.ConflictState, "lease on %s expired", lease.Key)
	}
	lease.TTL = ttl
	return nil
}

// TaskKey and MoneyKey build the two well-known lock keys.
func TaskKey(taskID string) string  { return "task:" + taskID }
func MoneyKey(taskID string) string { return "money:" + taskID }

func lockKey(key string) string { return "hxlock:" + key }
