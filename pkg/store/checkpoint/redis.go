package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

// DefaultRedisPrefix namespaces checkpoint keys.
const DefaultRedisPrefix = "helm-fabric:checkpoint"

// redisSaveScript records a checkpoint body and indexes its sequence in one
// step. It returns the digest already stored at the sequence, or "" when the
// checkpoint was written.
// KEYS[1] = body key, KEYS[2] = sequence index (sorted set)
// ARGV[1] = body, ARGV[2] = digest, ARGV[3] = sequence
var redisSaveScript = redis.NewScript(`
local existing = redis.call("HGET", KEYS[1], "digest")
if existing then
    return existing
end
redis.call("HSET", KEYS[1], "body", ARGV[1], "digest", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[3])
return ""
`)

// RedisStore keeps checkpoints in Redis: one hash per checkpoint plus a
// sorted set of sequences.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore creates a store backed by Redis at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(rdb, DefaultRedisPrefix)
}

// NewRedisStoreWithClient wraps an existing client. prefix namespaces keys.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: slog.Default().With("component", "checkpoint-store", "backend", "redis"),
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) bodyKey(seq uint64) string {
	return fmt.Sprintf("%s:%d", s.prefix, seq)
}

func (s *RedisStore) indexKey() string { return s.prefix + ":index" }

func (s *RedisStore) Save(ctx context.Context, cp *kernel.Checkpoint) error {
	if err := checkSealed(cp); err != nil {
		return err
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	seq := strconv.FormatUint(cp.Sequence, 10)
	existing, err := redisSaveScript.Run(ctx, s.client,
		[]string{s.bodyKey(cp.Sequence), s.indexKey()},
		string(body), cp.Digest, seq,
	).Text()
	if err != nil {
		return fmt.Errorf("checkpoint: redis save: %w", err)
	}
	if existing != "" {
		if existing == cp.Digest {
			return nil
		}
		return &ConflictError{Sequence: cp.Sequence, Existing: existing, Incoming: cp.Digest}
	}

	s.logger.InfoContext(ctx, "checkpoint saved", "sequence", cp.Sequence, "digest", cp.Digest)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, seq uint64) (*kernel.Checkpoint, error) {
	body, err := s.client.HGet(ctx, s.bodyKey(seq), "body").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &NotFoundError{Sequence: seq}
		}
		return nil, fmt.Errorf("checkpoint: redis get: %w", err)
	}
	var cp kernel.Checkpoint
	if err := json.Unmarshal([]byte(body), &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %d: %w", seq, err)
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *RedisStore) sequences(ctx context.Context, rev bool, limit int64) ([]uint64, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	var (
		members []string
		err     error
	)
	if rev {
		members, err = s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	} else {
		members, err = s.client.ZRange(ctx, s.indexKey(), 0, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis index: %w", err)
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: redis index member %q: %w", m, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *RedisStore) Latest(ctx context.Context) (*kernel.Checkpoint, error) {
	seqs, err := s.sequences(ctx, true, 1)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, seqs[0])
}

func (s *RedisStore) List(ctx context.Context) ([]Summary, error) {
	seqs, err := s.sequences(ctx, false, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(seqs))
	for _, seq := range seqs {
		cp, err := s.Get(ctx, seq)
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(cp))
	}
	return out, nil
}

// Clear removes every checkpoint under the store's prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	seqs, err := s.sequences(ctx, false, 0)
	if err != nil {
		return err
	}
	keys := []string{s.indexKey()}
	for _, seq := range seqs {
		keys = append(keys, s.bodyKey(seq))
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
