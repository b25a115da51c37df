package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mintgate/mintgate/token"
)

// Redis is a Store backed by a Redis instance, for deployments where
// several gateway processes share one float.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a Redis-backed ledger.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Put(ctx context.Context, mintURL string, proofs []token.Proof) (string, error) {
	entry := Entry{MintURL: mintURL, Proofs: proofs, StoredAt: time.Now().UTC()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode ledger entry: %w", err)
	}
	key := NewKey()
	if err := r.rdb.Set(ctx, key, payload, 0).Err(); err != nil {
		return "", fmt.Errorf("store ledger entry: %w", err)
	}
	return key, nil
}

func (r *Redis) List(ctx context.Context) (map[string]Entry, error) {
	out := make(map[string]Entry)
	iter := r.rdb.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		payload, err := r.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("read ledger entry %s: %w", key, err)
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("decode ledger entry %s: %w", key, err)
		}
		out[key] = entry
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return out, nil
}

func (r *Redis) Balance(ctx context.Context) (uint64, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, e := range entries {
		total += e.Amount()
	}
	return total, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete ledger entries: %w", err)
	}
	return nil
}
