package entity

import "context"

// CheckpointsRepo keeps the last fully processed block per chain.
type CheckpointsRepo interface {
	// Get returns db.ErrNotFound when no checkpoint was recorded yet.
	Get(ctx context.Context, chainID string) (uint, error)
	Set(ctx context.Context, chainID string, blockNumber uint) error
}
