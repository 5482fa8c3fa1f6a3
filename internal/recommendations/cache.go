package recommendations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// ErrPriorStateMissing is returned when no cached prior state exists.
var ErrPriorStateMissing = errors.New("recommendations: cached prior state missing")

// PriorStateCache keeps the pre-implementation state for fast restore.
type PriorStateCache interface {
	Put(ctx context.Context, id uuid.UUID, state PriorState, ttl time.Duration) error
	Get(ctx context.Context, id uuid.UUID) (PriorState, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// RedisPriorStateCache stores prior states as JSON strings.
type RedisPriorStateCache struct {
	client *redis.Client
}

// NewRedisPriorStateCache wraps a redis client.
func NewRedisPriorStateCache(client *redis.Client) *RedisPriorStateCache {
	return &RedisPriorStateCache{client: client}
}

func (c *RedisPriorStateCache) Put(ctx context.Context, id uuid.UUID, state PriorState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, shared.PriorStateKey(id), payload, ttl).Err()
}

func (c *RedisPriorStateCache) Get(ctx context.Context, id uuid.UUID) (PriorState, error) {
	raw, err := c.client.Get(ctx, shared.PriorStateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PriorState{}, ErrPriorStateMissing
	}
	if err != nil {
		return PriorState{}, err
	}
	var state PriorState
	if err := json.Unmarshal(raw, &state); err != nil {
		return PriorState{}, fmt.Errorf("recommendations: decode cached prior state: %w", err)
	}
	return state, nil
}

func (c *RedisPriorStateCache) Delete(ctx context.Context, id uuid.UUID) error {
	return c.client.Del(ctx, shared.PriorStateKey(id)).Err()
}
