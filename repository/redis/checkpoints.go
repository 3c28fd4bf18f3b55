package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/omni/vault-monitor/db"
	"github.com/omni/vault-monitor/entity"
)

type checkpointsRepo struct {
	client *redis.Client
}

func NewCheckpointsRepo(client *redis.Client) entity.CheckpointsRepo {
	return &checkpointsRepo{client: client}
}

func checkpointKey(chainID string) string {
	return "last_processed_block:" + chainID
}

func (r *checkpointsRepo) Get(ctx context.Context, chainID string) (uint, error) {
	raw, err := r.client.Get(ctx, checkpointKey(chainID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, db.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("can't get checkpoint: %w", err)
	}
	blockNumber, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("can't parse checkpoint value %q: %w", raw, err)
	}
	return uint(blockNumber), nil
}

func (r *checkpointsRepo) Set(ctx context.Context, chainID string, blockNumber uint) error {
	err := r.client.Set(ctx, checkpointKey(chainID), strconv.FormatUint(uint64(blockNumber), 10), 0).Err()
	if err != nil {
		return fmt.Errorf("can't set checkpoint: %w", err)
	}
	return nil
}
