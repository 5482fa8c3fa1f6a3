package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const bumpChannel = "advisor:conflict:bump"

// RedisOverrides keeps enablement toggles in a redis hash shared by the API
// and the workers, and announces each change on a pub/sub channel.
type RedisOverrides struct {
	client *redis.Client
	orgID  string
}

// NewRedisOverrides constructs the override store for one organisation.
func NewRedisOverrides(client *redis.Client, orgID string) *RedisOverrides {
	return &RedisOverrides{client: client, orgID: orgID}
}

func (r *RedisOverrides) hashKey() string {
	return fmt.Sprintf("advisor:conflict:%s:overrides", r.orgID)
}

func (r *RedisOverrides) revisionKey() string {
	return fmt.Sprintf("advisor:conflict:%s:revision", r.orgID)
}

// Load returns the overrides and their revision.
func (r *RedisOverrides) Load(ctx context.Context) (map[string]bool, int64, error) {
	fields, err := r.client.HGetAll(ctx, r.hashKey()).Result()
	if err != nil {
		return nil, 0, err
	}
	rev, err := r.client.Get(ctx, r.revisionKey()).Int64()
	if err == redis.Nil {
		rev = 0
	} else if err != nil {
		return nil, 0, err
	}
	out := make(map[string]bool, len(fields))
	for id, raw := range fields {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			continue
		}
		out[id] = enabled
	}
	return out, rev, nil
}

// Set stores a toggle, bumps the revision and publishes it.
func (r *RedisOverrides) Set(ctx context.Context, ruleID string, enabled bool) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.hashKey(), ruleID, strconv.FormatBool(enabled))
		incr = pipe.Incr(ctx, r.revisionKey())
		return nil
	})
	if err != nil {
		return 0, err
	}
	rev := incr.Val()
	if err := r.client.Publish(ctx, bumpChannel, r.orgID+":"+strconv.FormatInt(rev, 10)).Err(); err != nil {
		return rev, err
	}
	return rev, nil
}

// Watch reloads the store whenever another process publishes a bump. It
// blocks until ctx is cancelled.
func Watch(ctx context.Context, client *redis.Client, store *Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub := client.Subscribe(ctx, bumpChannel)
	defer func() {
		_ = sub.Close()
	}()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := store.Reload(ctx); err != nil {
				logger.Warn("conflict matrix reload", slog.String("payload", msg.Payload), slog.Any("error", err))
			}
		}
	}
}
