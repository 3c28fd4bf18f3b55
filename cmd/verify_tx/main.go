package main

import (
	"context"
	"flag"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/omni/vault-monitor/config"
	"github.com/omni/vault-monitor/db"
	"github.com/omni/vault-monitor/ethclient"
	"github.com/omni/vault-monitor/logging"
	"github.com/omni/vault-monitor/monitor"
	"github.com/omni/vault-monitor/repository"
	"github.com/omni/vault-monitor/repository/redis"
)

// Operator tool for backfilling a transaction the live crawler missed.
//
//	verify_tx -chain 1 -tx 0x...
func main() {
	logger := logging.New()

	chainID := flag.String("chain", "", "chain id to verify the transaction on")
	txHash := flag.String("tx", "", "transaction hash to verify")
	flag.Parse()

	if *chainID == "" || !strings.HasPrefix(*txHash, "0x") || len(*txHash) != 66 {
		logger.Fatal("usage: verify_tx -chain <chainId> -tx <0x-prefixed tx hash>")
	}

	cfg, err := config.ReadConfigFromFile("config.yml")
	if err != nil {
		logger.WithError(err).Fatal("can't read config")
	}
	logger.SetLevel(logrus.Level(cfg.LogLevel))

	dbConn, err := db.ConnectToDBAndMigrate(cfg.DBConfig)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to database and apply migrations")
	}
	defer dbConn.Close()

	ctx := context.Background()
	redisClient, err := redis.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to redis")
	}
	defer redisClient.Close()

	repo := repository.NewRepo(dbConn, redisClient)
	parsers := monitor.NewParserRegistry(logger.WithField("service", "parsers"))

	chains := make(map[string]*config.ChainConfig)
	clients := make(map[string]ethclient.Client)
	for _, chainCfg := range cfg.Chains {
		chains[chainCfg.ID] = chainCfg
		clients[chainCfg.ID] = ethclient.NewPool(logger.WithField("chain_id", chainCfg.ID), chainCfg.ID, chainCfg.RPCHosts, chainCfg.RPCTimeout)
	}

	verifier := monitor.NewVerifier(logger.WithField("service", "verifier"), chains, clients, parsers, repo.Transactions)
	res, err := verifier.Verify(ctx, *chainID, common.HexToHash(*txHash))
	if err != nil {
		logger.WithError(err).Fatal("verification failed")
	}

	resultLogger := logger.WithFields(logrus.Fields{
		"found":   res.Found,
		"message": res.Message,
	})
	if res.Transaction != nil {
		resultLogger = resultLogger.WithFields(logrus.Fields{
			"operation":     res.Transaction.Operation,
			"block_number":  res.Transaction.BlockNumber,
			"confirmations": res.Transaction.Confirmations,
			"status":        res.Transaction.Status,
		})
	}
	resultLogger.Info("verification finished")
}
