package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultRedisPrefix namespaces every key written by RedisStore
const DefaultRedisPrefix = "leafscan:"

// keyGrace keeps Redis-side expiry behind the logical expiry so the sweep,
// not Redis, decides when an entry disappears
const keyGrace = time.Hour

// RedisStore persists entries in Redis. Each entry is a msgpack blob;
// two sorted sets index keys by last access and by expiry.
type RedisStore struct {
	pool   *redis.Pool
	prefix string
}

// NewRedisPool creates a connection pool for address
func NewRedisPool(address, password string, db, maxIdle int) *redis.Pool {
	pool := redis.NewPool(func() (redis.Conn, error) {
		opts := []redis.DialOption{
			redis.DialDatabase(db),
			redis.DialConnectTimeout(5 * time.Second),
		}
		if password != "" {
			opts = append(opts, redis.DialPassword(password))
		}
		c, err := redis.Dial("tcp", address, opts...)
		if err != nil {
			return nil, err
		}
		return c, err
	}, maxIdle)
	pool.IdleTimeout = 240 * time.Second
	pool.TestOnBorrow = func(c redis.Conn, t time.Time) error {
		if time.Since(t) < time.Minute {
			return nil
		}
		_, err := c.Do("PING")
		return err
	}
	return pool
}

// NewRedisStore creates a store on pool. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(pool *redis.Pool, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{pool: pool, prefix: prefix}
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *RedisStore) lruKey() string             { return s.prefix + "lru" }
func (s *RedisStore) expiryKey() string          { return s.prefix + "expiry" }

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	conn := s.pool.Get()
	defer conn.Close()
	_, err := conn.Do("PING")
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	conn := s.pool.Get()
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", s.entryKey(key)))
	if err == redis.ErrNil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Put(ctx context.Context, entry *Entry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	conn := s.pool.Get()
	defer conn.Close()

	conn.Send("MULTI")
	if ttl := time.Until(entry.ExpiresAt) + keyGrace; ttl > 0 {
		conn.Send("SET", s.entryKey(entry.Key), data, "PX", ttl.Milliseconds())
	} else {
		conn.Send("SET", s.entryKey(entry.Key), data)
	}
	conn.Send("ZADD", s.lruKey(), entry.LastAccessedAt.UnixNano(), entry.Key)
	conn.Send("ZADD", s.expiryKey(), entry.ExpiresAt.UnixNano(), entry.Key)
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	conn := s.pool.Get()
	defer conn.Close()
	return s.deleteKeys(conn, []string{key})
}

func (s *RedisStore) deleteKeys(conn redis.Conn, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	conn.Send("MULTI")
	for _, k := range keys {
		conn.Send("DEL", s.entryKey(k))
		conn.Send("ZREM", s.lruKey(), k)
		conn.Send("ZREM", s.expiryKey(), k)
	}
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	conn := s.pool.Get()
	defer conn.Close()

	upper := "(" + strconv.FormatInt(now.UnixNano(), 10)
	keys, err := redis.Strings(conn.Do("ZRANGEBYSCORE", s.expiryKey(), "-inf", upper))
	if err != nil {
		return 0, fmt.Errorf("redis expiry scan: %w", err)
	}
	if err := s.deleteKeys(conn, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *RedisStore) ListByLastAccess(ctx context.Context) ([]*Entry, error) {
	conn := s.pool.Get()
	defer conn.Close()

	keys, err := redis.Strings(conn.Do("ZRANGE", s.lruKey(), 0, -1))
	if err != nil {
		return nil, fmt.Errorf("redis lru scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = s.entryKey(k)
	}
	blobs, err := redis.ByteSlices(conn.Do("MGET", args...))
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]*Entry, 0, len(keys))
	var stale []string
	for i, data := range blobs {
		if data == nil {
			// Redis dropped the blob; clean up the indices
			stale = append(stale, keys[i])
			continue
		}
		var e Entry
		if err := msgpack.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode cache entry %s: %w", keys[i], err)
		}
		out = append(out, &e)
	}
	if err := s.deleteKeys(conn, stale); err != nil {
		return nil, err
	}

	sortByLastAccess(out)
	return out, nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	conn := s.pool.Get()
	defer conn.Close()
	n, err := redis.Int(conn.Do("ZCARD", s.lruKey()))
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return n, nil
}
