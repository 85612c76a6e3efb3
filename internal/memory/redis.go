package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultMaxLen caps every Redis list so history cannot grow without bound.
const DefaultMaxLen = 1000

// RedisOptions configure the Redis stores.
type RedisOptions struct {
	// KeyPrefix namespaces every key. Defaults to "flowengine:".
	KeyPrefix string
	// MaxLen is the number of records kept per list. Defaults to DefaultMaxLen.
	MaxLen int64
}

// redisList stores JSON records in one Redis list per key.
type redisList struct {
	client *redis.Client
	prefix string
	maxLen int64
}

func newRedisList(client *redis.Client, kind string, opts RedisOptions) redisList {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "flowengine:"
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultMaxLen
	}
	return redisList{client: client, prefix: opts.KeyPrefix + kind + ":", maxLen: opts.MaxLen}
}

func (l redisList) recent(ctx context.Context, key string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := l.client.LRange(ctx, l.prefix+key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.prefix+key, err)
	}
	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		var r Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("decode record in %s: %w", l.prefix+key, err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (l redisList) append(ctx context.Context, key string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]any, 0, len(records))
	for _, r := range stamp(records) {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		values = append(values, data)
	}

	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, l.prefix+key, values...)
	pipe.LTrim(ctx, l.prefix+key, -l.maxLen, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append %s: %w", l.prefix+key, err)
	}
	return nil
}

// RedisHistory is a ChatHistory backed by Redis lists.
type RedisHistory struct{ list redisList }

// NewRedisHistory creates a Redis-backed chat history.
func NewRedisHistory(client *redis.Client, opts RedisOptions) *RedisHistory {
	return &RedisHistory{list: newRedisList(client, "history", opts)}
}

// Recent implements ChatHistory.
func (h *RedisHistory) Recent(ctx context.Context, key string, limit int) ([]Record, error) {
	return h.list.recent(ctx, key, limit)
}

// Append implements ChatHistory.
func (h *RedisHistory) Append(ctx context.Context, key string, records ...Record) error {
	return h.list.append(ctx, key, records)
}

// RedisLongTerm is a LongTermStore backed by Redis lists.
type RedisLongTerm struct{ list redisList }

// NewRedisLongTerm creates a Redis-backed long-term memory store.
func NewRedisLongTerm(client *redis.Client, opts RedisOptions) *RedisLongTerm {
	return &RedisLongTerm{list: newRedisList(client, "longterm", opts)}
}

// Recall implements LongTermStore.
func (l *RedisLongTerm) Recall(ctx context.Context, key string, limit int) ([]Record, error) {
	return l.list.recent(ctx, key, limit)
}

// Remember implements LongTermStore.
func (l *RedisLongTerm) Remember(ctx context.Context, key string, records ...Record) error {
	return l.list.append(ctx, key, records)
}

var (
	_ ChatHistory   = (*RedisHistory)(nil)
	_ LongTermStore = (*RedisLongTerm)(nil)
)
