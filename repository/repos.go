package repository

import (
	goredis "github.com/redis/go-redis/v9"

	"github.com/omni/vault-monitor/db"
	"github.com/omni/vault-monitor/entity"
	"github.com/omni/vault-monitor/repository/postgres"
	"github.com/omni/vault-monitor/repository/redis"
)

type Repo struct {
	Transactions entity.TransactionsRepo
	Checkpoints  entity.CheckpointsRepo
}

func NewRepo(db *db.DB, redisClient *goredis.Client) *Repo {
	return &Repo{
		Transactions: postgres.NewTransactionsRepo("transactions", db),
		Checkpoints:  redis.NewCheckpointsRepo(redisClient),
	}
}
