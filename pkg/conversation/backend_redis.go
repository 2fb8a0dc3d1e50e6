package conversation

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "telechat:conv:"

// RedisBackend keeps one LIST of JSON-encoded turns per user.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

var _ Backend = &RedisBackend{}

type RedisBackendOptions struct {
	Prefix string
	// TTL expires idle conversations; zero keeps them forever.
	TTL time.Duration
}

// NewRedisBackend uses an existing client. Close does not close it.
func NewRedisBackend(client redis.UniversalClient, opts RedisBackendOptions) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("redis conversation backend: nil client")
	}
	prefix := opts.Prefix
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: opts.TTL}, nil
}

// DialRedisBackend connects to addr and owns the resulting client.
func DialRedisBackend(ctx context.Context, addr string, opts RedisBackendOptions) (*RedisBackend, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis conversation backend: empty addr")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis conversation backend: ping %s", addr)
	}
	b, err := NewRedisBackend(client, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

func (b *RedisBackend) key(userID int64) string {
	return b.prefix + strconv.FormatInt(userID, 10)
}

func (b *RedisBackend) userIDFromKey(key string) (int64, bool) {
	if !strings.HasPrefix(key, b.prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(key, b.prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func encodeTurns(turns []Turn) ([]any, error) {
	out := make([]any, 0, len(turns))
	for _, t := range turns {
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, errors.Wrap(err, "redis conversation backend: encode turn")
		}
		out = append(out, string(raw))
	}
	return out, nil
}

func decodeTurns(raw []string) ([]Turn, error) {
	out := make([]Turn, 0, len(raw))
	for _, r := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, errors.Wrap(err, "redis conversation backend: decode turn")
		}
		role, err := ParseRole(string(t.Role))
		if err != nil {
			return nil, err
		}
		t.Role = role
		out = append(out, t)
	}
	return out, nil
}

func (b *RedisBackend) Load(ctx context.Context, userID int64) ([]Turn, bool, error) {
	raw, err := b.client.LRange(ctx, b.key(userID), 0, -1).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "redis conversation backend: lrange")
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	turns, err := decodeTurns(raw)
	if err != nil {
		return nil, false, err
	}
	return turns, true, nil
}

func (b *RedisBackend) Save(ctx context.Context, userID int64, turns []Turn) error {
	vals, err := encodeTurns(turns)
	if err != nil {
		return err
	}
	key := b.key(userID)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(vals) > 0 {
			pipe.RPush(ctx, key, vals...)
		}
		if b.ttl > 0 {
			pipe.Expire(ctx, key, b.ttl)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis conversation backend: save")
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, userID int64) error {
	if err := b.client.Del(ctx, b.key(userID)).Err(); err != nil {
		return errors.Wrap(err, "redis conversation backend: del")
	}
	return nil
}

func (b *RedisBackend) Keys(ctx context.Context) ([]int64, error) {
	var out []int64
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		if id, ok := b.userIDFromKey(iter.Val()); ok {
			out = append(out, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis conversation backend: scan")
	}
	return out, nil
}

func (b *RedisBackend) Close() error {
	if b == nil || !b.owned {
		return nil
	}
	return b.client.Close()
}
