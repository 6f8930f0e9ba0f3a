// Package redis keeps bunkergate state in Redis so several daemons (or a
// daemon and the CLI) can share one session, client key and policy set.
//
// Every stored key is a hash with two fields: "d" holds the raw bytes and
// "t" the write time in Unix nanoseconds.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/bunkergate/storage"
	"github.com/redis/go-redis/v9"
)

const (
	fieldData    = "d"
	fieldUpdated = "t"

	// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
	DefaultKeyPrefix = "bunkergate:"

	scanBatch = 100
	pingWait  = 2 * time.Second
)

// Config wires a Storage to an existing client.
type Config struct {
	Client *redis.Client
	// KeyPrefix namespaces every key this process writes.
	KeyPrefix string
}

// Storage is a storage.Storage over a go-redis client.
type Storage struct {
	rdb    *redis.Client
	prefix string
}

// New wraps cfg.Client. The client is owned by the Storage from then on and
// closed by Close.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis storage: client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Storage{rdb: cfg.Client, prefix: prefix}, nil
}

// Dial connects to addr and verifies the server answers before returning.
func Dial(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, pingWait)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	k := s.key(storage.Apply(opts...).Namespace, key)

	vals, err := s.rdb.HMGet(ctx, k, fieldData, fieldUpdated).Result()
	if err != nil {
		return nil, fmt.Errorf("redis storage: get %s: %w", k, err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, nil
	}

	item := &storage.Item{Data: []byte(data)}
	if ts, ok := vals[1].(string); ok {
		if ns, err := strconv.ParseInt(ts, 10, 64); err == nil {
			item.UpdatedAt = time.Unix(0, ns)
		}
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	k := s.key(storage.Apply(opts...).Namespace, key)

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k, fieldData, data, fieldUpdated, time.Now().UnixNano())
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis storage: set %s: %w", k, err)
	}
	return nil
}

// GetOrSet claims key with HSETNX on the data field, so concurrent writers
// in any process agree on one winner.
func (s *Storage) GetOrSet(ctx context.Context, key string, data []byte, opts ...storage.Option) (*storage.Item, bool, error) {
	k := s.key(storage.Apply(opts...).Namespace, key)

	created, err := s.rdb.HSetNX(ctx, k, fieldData, data).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis storage: set %s: %w", k, err)
	}
	if created {
		now := time.Now()
		if err := s.rdb.HSet(ctx, k, fieldUpdated, now.UnixNano()).Err(); err != nil {
			return nil, false, fmt.Errorf("redis storage: set %s: %w", k, err)
		}
		return &storage.Item{Data: append([]byte(nil), data...), UpdatedAt: now}, true, nil
	}

	item, err := s.Get(ctx, key, opts...)
	if err != nil {
		return nil, false, err
	}
	if item == nil {
		return nil, false, fmt.Errorf("redis storage: %s vanished during create", k)
	}
	return item, false, nil
}

// Delete removes one key, or with no WithKey option every key in the
// namespace. Namespace deletion walks SCAN and is not atomic.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		k := s.key(o.Namespace, *o.Key)
		if err := s.rdb.Unlink(ctx, k).Err(); err != nil {
			return fmt.Errorf("redis storage: delete %s: %w", k, err)
		}
		return nil
	}

	match := s.key(o.Namespace, "*")
	iter := s.rdb.Scan(ctx, 0, match, scanBatch).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := s.rdb.Unlink(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis storage: delete %s: %w", match, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis storage: scan %s: %w", match, err)
	}
	if len(batch) > 0 {
		if err := s.rdb.Unlink(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis storage: delete %s: %w", match, err)
		}
	}
	return nil
}

func (s *Storage) Close() error {
	return s.rdb.Close()
}

func (s *Storage) key(ns storage.Namespace, key string) string {
	return s.prefix + storage.FlatKey(ns, key)
}

var _ storage.Storage = (*Storage)(nil)
