package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const defaultPingTimeout = 5 * time.Second

// Options describes how to reach the Redis instance shared by the cache
// clients and the asynq queues.
type Options struct {
	Addr        string
	Password    string
	DB          int
	PingTimeout time.Duration
}

func (o Options) validate() error {
	if o.Addr == "" {
		return errors.New("platform/cache: addr is required")
	}
	if o.DB < 0 {
		return fmt.Errorf("platform/cache: db %d is negative", o.DB)
	}
	return nil
}

// Asynq returns the same connection settings in the form asynq expects, so
// queues and cache keys always live in one logical database.
func (o Options) Asynq() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: o.Addr, Password: o.Password, DB: o.DB}
}

// New creates a Redis client and verifies it answers PING.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s/%d: %w", opts.Addr, opts.DB, err)
	}
	return client, nil
}
