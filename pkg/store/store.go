package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Namespace prefixes every key owned by antbs.
	Namespace = "antbs"
)

var (
	// ErrNotFound is returned when a key (or queue entry) does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable is returned when the store cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")
)

// Options holds connection settings for the store.
type Options struct {
	Addr     string
	DB       int
	Password string
}

// Client wraps a redis connection with the typed operations the rest of
// antbs uses. All durable state lives here; nothing is cached client-side.
type Client struct {
	rdb *redis.Client
}

// New connects to the store. The connection is verified with a ping so a
// misconfigured address fails at startup, not at first use.
func New(ctx context.Context, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})

	c := &Client{rdb: rdb}
	if err := c.Ping(ctx); err != nil {
		rdb.Close()
		return nil, err
	}
	return c, nil
}

// Key joins parts under the antbs namespace: Key("build", "42") returns
// "antbs:build:42". Keys outside the namespace (live output channels,
// vendor cache keys) are passed through the typed operations verbatim.
func Key(parts ...string) string {
	return Namespace + ":" + strings.Join(parts, ":")
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w: %s", ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) wrap(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// --- Scalars ---

// GetString reads a string key. A missing key reads as the empty string.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, c.wrap("get "+key, err)
}

// SetString writes a string key.
func (c *Client) SetString(ctx context.Context, key, val string) error {
	return c.wrap("set "+key, c.rdb.Set(ctx, key, val, 0).Err())
}

// SetStringTTL writes a string key with an expiry.
func (c *Client) SetStringTTL(ctx context.Context, key, val string, ttl time.Duration) error {
	return c.wrap("setex "+key, c.rdb.Set(ctx, key, val, ttl).Err())
}

// SetNX writes key only if it does not exist, with an optional expiry.
// Returns true when the write happened.
func (c *Client) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, val, ttl).Result()
	return ok, c.wrap("setnx "+key, err)
}

// GetInt reads an integer key. A missing key reads as zero.
func (c *Client) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, c.wrap("get "+key, err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s as int: %w", key, err)
	}
	return n, nil
}

// SetInt writes an integer key.
func (c *Client) SetInt(ctx context.Context, key string, val int64) error {
	return c.wrap("set "+key, c.rdb.Set(ctx, key, strconv.FormatInt(val, 10), 0).Err())
}

// Incr atomically increments key and returns the new value. Used for the
// tnum/bnum/event id counters.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	return n, c.wrap("incr "+key, err)
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.wrap("del", c.rdb.Del(ctx, keys...).Err())
}

// Exists reports whether key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, c.wrap("exists "+key, err)
}

// Expire sets a TTL on key; returns false if the key does not exist.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	return ok, c.wrap("expire "+key, err)
}

// --- Hashes (entity field storage) ---

// HGet reads one hash field. A missing field reads as the empty string.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, c.wrap("hget "+key, err)
}

// HSet writes one hash field.
func (c *Client) HSet(ctx context.Context, key, field, val string) error {
	return c.wrap("hset "+key, c.rdb.HSet(ctx, key, field, val).Err())
}

// HSetMap writes several hash fields at once.
func (c *Client) HSetMap(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return c.wrap("hset "+key, c.rdb.HSet(ctx, key, args...).Err())
}

// HSetNX writes a hash field only if it is unset; returns true on write.
func (c *Client) HSetNX(ctx context.Context, key, field, val string) (bool, error) {
	ok, err := c.rdb.HSetNX(ctx, key, field, val).Result()
	return ok, c.wrap("hsetnx "+key, err)
}

// HGetAll reads every field of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	return m, c.wrap("hgetall "+key, err)
}

// HDel removes hash fields.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.wrap("hdel "+key, c.rdb.HDel(ctx, key, fields...).Err())
}

// --- Lists ---

// RPush appends values to a list.
func (c *Client) RPush(ctx context.Context, key string, vals ...string) error {
	if len(vals) == 0 {
		return nil
	}
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return c.wrap("rpush "+key, c.rdb.RPush(ctx, key, args...).Err())
}

// LPush prepends values to a list.
func (c *Client) LPush(ctx context.Context, key string, vals ...string) error {
	if len(vals) == 0 {
		return nil
	}
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return c.wrap("lpush "+key, c.rdb.LPush(ctx, key, args...).Err())
}

// LPop removes and returns the head of a list, or ErrNotFound when empty.
func (c *Client) LPop(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, c.wrap("lpop "+key, err)
}

// BRPopLPush atomically moves the tail of src to the head of dst, blocking
// up to timeout. Returns ErrNotFound when the timeout expires empty-handed.
func (c *Client) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	val, err := c.rdb.BRPopLPush(ctx, src, dst, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, c.wrap("brpoplpush "+src, err)
}

// LRange reads a slice of a list (inclusive indexes, redis semantics).
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	return vals, c.wrap("lrange "+key, err)
}

// LLen returns the list length.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	return n, c.wrap("llen "+key, err)
}

// LRem removes count occurrences of val from the list.
func (c *Client) LRem(ctx context.Context, key string, count int64, val string) (int64, error) {
	n, err := c.rdb.LRem(ctx, key, count, val).Result()
	return n, c.wrap("lrem "+key, err)
}

// LTrim trims the list to the given inclusive range.
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.wrap("ltrim "+key, c.rdb.LTrim(ctx, key, start, stop).Err())
}

// --- Sets ---

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.wrap("sadd "+key, c.rdb.SAdd(ctx, key, args...).Err())
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.wrap("srem "+key, c.rdb.SRem(ctx, key, args...).Err())
}

// SMembers returns all members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	return members, c.wrap("smembers "+key, err)
}

// SIsMember reports set membership.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, key, member).Result()
	return ok, c.wrap("sismember "+key, err)
}

// SCard returns the set cardinality.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.SCard(ctx, key).Result()
	return n, c.wrap("scard "+key, err)
}
