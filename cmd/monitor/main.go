package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/omni/vault-monitor/config"
	"github.com/omni/vault-monitor/db"
	"github.com/omni/vault-monitor/ethclient"
	"github.com/omni/vault-monitor/logging"
	"github.com/omni/vault-monitor/monitor"
	"github.com/omni/vault-monitor/presenter"
	"github.com/omni/vault-monitor/repository"
	"github.com/omni/vault-monitor/repository/redis"
)

func main() {
	logger := logging.New()

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

	redisClient, err := redis.Connect(context.Background(), cfg.Redis.URL)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to redis")
	}
	defer redisClient.Close()

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		err2 := http.ListenAndServe(":2112", nil)
		if err2 != nil {
			logger.WithError(err2).Fatal("can't start listener for prometheus metrics")
		}
	}()

	repo := repository.NewRepo(dbConn, redisClient)
	parsers := monitor.NewParserRegistry(logger.WithField("service", "parsers"))

	ctx, cancel := context.WithCancel(context.Background())
	chains := make(map[string]*config.ChainConfig)
	clients := make(map[string]ethclient.Client)
	crawlers := make([]*monitor.Crawler, 0, len(cfg.Chains))
	for _, chainCfg := range cfg.EnabledChains() {
		chainLogger := logger.WithField("chain_id", chainCfg.ID)
		pool := ethclient.NewPool(chainLogger, chainCfg.ID, chainCfg.RPCHosts, chainCfg.RPCTimeout)
		chains[chainCfg.ID] = chainCfg
		clients[chainCfg.ID] = pool

		crawler, err2 := monitor.NewCrawler(ctx, chainLogger, chainCfg, pool, parsers, repo.Transactions, repo.Checkpoints)
		if err2 != nil {
			chainLogger.WithError(err2).Fatal("can't initialize chain crawler")
		}
		crawlers = append(crawlers, crawler)
	}

	verifier := monitor.NewVerifier(logger.WithField("service", "verifier"), chains, clients, parsers, repo.Transactions)
	if cfg.Presenter != nil {
		pr := presenter.NewPresenter(logger.WithField("service", "presenter"), repo, verifier)
		go func() {
			err2 := pr.Serve(cfg.Presenter.Host)
			if err2 != nil {
				logger.WithError(err2).Fatal("can't serve presenter")
			}
		}()
	}

	for _, crawler := range crawlers {
		go crawler.Run(ctx)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	for range c {
		for _, crawler := range crawlers {
			crawler.Stop()
		}
		cancel()
		logger.Warn("caught CTRL-C, gracefully terminating")
		return
	}
}
