// Package store wraps the shared Redis instance behind the operations the
// signaling core needs: JSON get/set with TTL, list append/range/trim, set
// membership, and a scripted compare-and-swap for the offer write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tourlingo/signaling/internal/errs"
)

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Store is the session store shared by all request handlers. All coordination
// between handlers goes through Redis; the Store itself holds no session
// state.
type Store struct {
	rdb      *redis.Client
	offerCAS *redis.Script
}

// offerCAS enforces replace-if-placeholder atomically. ARGV[3] is "1" when
// the incoming payload has already been validated as a real offer; a real
// stored offer is never overwritten by anything unvalidated.
const offerCASScript = `
local cur = redis.call('GET', KEYS[1])
if cur and ARGV[3] ~= '1' then
  local ok, obj = pcall(cjson.decode, cur)
  if not ok or obj['status'] ~= 'pending' then
    return 0
  end
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`

// Connect opens and pings the Redis client.
func Connect(cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(rdb), nil
}

// New wraps an existing client. Tests use this with miniredis.
func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:      rdb,
		offerCAS: redis.NewScript(offerCASScript),
	}
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errs.Store(err, "store unreachable")
	}
	return nil
}

// GetString returns the value at key, or found=false if the key is absent.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Store(err, "get %s", key)
	}
	return v, true, nil
}

// SetString writes a plain string value. ttl <= 0 means no expiry.
func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return errs.Store(err, "set %s", key)
	}
	return nil
}

// GetJSON unmarshals the value at key into dest. A corrupt stored payload is
// a ParseError, not a crash; absence is found=false.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, found, err := s.GetString(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, errs.Parse(err, "corrupt payload at %s", key)
	}
	return true, nil
}

// SetJSON marshals value and writes it at key. ttl <= 0 means no expiry.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errs.Store(err, "marshal for %s", key)
	}
	return s.SetString(ctx, key, string(raw), ttl)
}

// Delete removes keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return errs.Store(err, "del %v", keys)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, errs.Store(err, "exists %s", key)
	}
	return n > 0, nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return errs.Store(err, "expire %s", key)
	}
	return nil
}

// ListAppend appends value and returns the new list length.
func (s *Store) ListAppend(ctx context.Context, key, value string) (int64, error) {
	n, err := s.rdb.RPush(ctx, key, value).Result()
	if err != nil {
		return 0, errs.Store(err, "rpush %s", key)
	}
	return n, nil
}

// ListRange returns entries [start, stop] (Redis semantics, -1 = end).
func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, errs.Store(err, "lrange %s", key)
	}
	return vals, nil
}

// ListLen returns the list length (0 for a missing key).
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, errs.Store(err, "llen %s", key)
	}
	return n, nil
}

// ListTrimLast keeps only the most recent keep entries, preserving their
// relative order.
func (s *Store) ListTrimLast(ctx context.Context, key string, keep int64) error {
	if err := s.rdb.LTrim(ctx, key, -keep, -1).Err(); err != nil {
		return errs.Store(err, "ltrim %s", key)
	}
	return nil
}

// SetAdd adds member and reports whether it was newly added.
func (s *Store) SetAdd(ctx context.Context, key, member string) (bool, error) {
	n, err := s.rdb.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, errs.Store(err, "sadd %s", key)
	}
	return n > 0, nil
}

// SetRemove removes member from the set at key.
func (s *Store) SetRemove(ctx context.Context, key, member string) error {
	if err := s.rdb.SRem(ctx, key, member).Err(); err != nil {
		return errs.Store(err, "srem %s", key)
	}
	return nil
}

// SetIsMember reports set membership.
func (s *Store) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, errs.Store(err, "sismember %s", key)
	}
	return ok, nil
}

// SetMembers returns all members of the set at key.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errs.Store(err, "smembers %s", key)
	}
	return vals, nil
}

// SetCard returns the set cardinality.
func (s *Store) SetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, errs.Store(err, "scard %s", key)
	}
	return n, nil
}

// CompareAndSwapOffer writes payload at key only if the write is permitted:
// an empty slot or a stored placeholder accepts anything, a stored real offer
// accepts only a payload the caller has validated as real (incomingReal).
// Runs as a Lua script so concurrent writers cannot interleave between the
// read and the write.
func (s *Store) CompareAndSwapOffer(ctx context.Context, key, payload string, ttl time.Duration, incomingReal bool) (bool, error) {
	real := "0"
	if incomingReal {
		real = "1"
	}
	ttlSec := int64(0)
	if ttl > 0 {
		ttlSec = int64(ttl / time.Second)
	}
	res, err := s.offerCAS.Run(ctx, s.rdb, []string{key}, payload, ttlSec, real).Int64()
	if err != nil {
		return false, errs.Store(err, "offer cas %s", key)
	}
	return res == 1, nil
}

// Publish sends a message on a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return errs.Store(err, "publish %s", channel)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the given channels.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}
