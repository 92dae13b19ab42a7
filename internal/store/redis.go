// internal/store/redis.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog keeps the newest records in a capped Redis list, newest at the
// head, with IDs drawn from a counter key.
type RedisLog struct {
	rdb        redis.Cmdable
	key        string
	maxHistory int64
	now        func() time.Time
}

func NewRedisLog(rdb redis.Cmdable, key string, maxHistory int64) *RedisLog {
	return &RedisLog{rdb: rdb, key: key, maxHistory: maxHistory, now: time.Now}
}

func (l *RedisLog) seqKey() string { return l.key + ":seq" }

func (l *RedisLog) Append(ctx context.Context, sender, kind, content string) (uint64, error) {
	if err := ValidateKind(kind); err != nil {
		return 0, err
	}
	id, err := l.rdb.Incr(ctx, l.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate record id: %w", err)
	}
	data, err := json.Marshal(Record{
		ID:        uint64(id),
		Sender:    sender,
		Kind:      kind,
		Content:   content,
		CreatedAt: l.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}

	pipe := l.rdb.TxPipeline()
	pipe.LPush(ctx, l.key, data)
	if l.maxHistory > 0 {
		pipe.LTrim(ctx, l.key, 0, l.maxHistory-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("persist record %d: %w", id, err)
	}
	return uint64(id), nil
}

func (l *RedisLog) Count(ctx context.Context) (uint64, error) {
	n, err := l.rdb.LLen(ctx, l.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return uint64(n), nil
}

// Reset deletes the history list and its ID counter.
func (l *RedisLog) Reset(ctx context.Context) error {
	if err := l.rdb.Del(ctx, l.key, l.seqKey()).Err(); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

func (l *RedisLog) Recent(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}
	items, err := l.rdb.LRange(ctx, l.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	records := make([]Record, 0, len(items))
	for _, item := range items {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	reverse(records)
	return records, nil
}

// RedisCredentials keeps bcrypt hashes in one Redis hash keyed by username.
type RedisCredentials struct {
	rdb redis.Cmdable
	key string
}

func NewRedisCredentials(rdb redis.Cmdable, key string) *RedisCredentials {
	return &RedisCredentials{rdb: rdb, key: key}
}

func (c *RedisCredentials) Register(ctx context.Context, username, secret string) error {
	username = normalizeUsername(username)
	if username == "" || secret == "" {
		return ErrEmptyUsername
	}
	hash, err := hashSecret(secret)
	if err != nil {
		return err
	}
	created, err := c.rdb.HSetNX(ctx, c.key, username, hash).Result()
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	if !created {
		return ErrDuplicateUser
	}
	return nil
}

func (c *RedisCredentials) Verify(ctx context.Context, username, secret string) (bool, error) {
	hash, err := c.rdb.HGet(ctx, c.key, normalizeUsername(username)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load credentials: %w", err)
	}
	return checkSecret(hash, secret)
}

func (c *RedisCredentials) Count(ctx context.Context) (uint64, error) {
	n, err := c.rdb.HLen(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return uint64(n), nil
}

func (c *RedisCredentials) Reset(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
