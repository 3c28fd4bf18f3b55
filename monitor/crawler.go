package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/omni/vault-monitor/config"
	"github.com/omni/vault-monitor/db"
	"github.com/omni/vault-monitor/entity"
	"github.com/omni/vault-monitor/ethclient"
	"github.com/omni/vault-monitor/logging"
	"github.com/omni/vault-monitor/utils"
)

const defaultSyncedThreshold = 10

// Crawler ingests one chain's history and projects vault events into the
// transactions table. A single crawler owns its chain's checkpoint and
// block cache; its cycle is sequential, only the header fan-out runs in
// parallel.
type Crawler struct {
	cfg         *config.ChainConfig
	logger      logging.Logger
	client      ethclient.Client
	parsers     *ParserRegistry
	txs         entity.TransactionsRepo
	checkpoints entity.CheckpointsRepo
	cache       *BlockCache

	lastProcessedBlock uint
	running            int32

	headBlockMetric      prometheus.Gauge
	processedBlockMetric prometheus.Gauge
	syncedMetric         prometheus.Gauge
	reorgsMetric         prometheus.Counter
}

func NewCrawler(
	ctx context.Context,
	logger logging.Logger,
	cfg *config.ChainConfig,
	client ethclient.Client,
	parsers *ParserRegistry,
	txs entity.TransactionsRepo,
	checkpoints entity.CheckpointsRepo,
) (*Crawler, error) {
	lastProcessedBlock, err := checkpoints.Get(ctx, cfg.ID)
	if errors.Is(err, db.ErrNotFound) {
		lastProcessedBlock, err = txs.MaxBlockNumber(ctx, cfg.ID)
		if errors.Is(err, db.ErrNotFound) {
			logger.WithFields(logrus.Fields{
				"chain_id":    cfg.ID,
				"start_block": cfg.StartBlock,
			}).Warn("checkpoint is not present, starting indexing from scratch")
			lastProcessedBlock, err = cfg.StartBlock-1, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("can't restore checkpoint: %w", err)
	}
	if lastProcessedBlock < cfg.StartBlock-1 {
		lastProcessedBlock = cfg.StartBlock - 1
	}
	if err = checkpoints.Set(ctx, cfg.ID, lastProcessedBlock); err != nil {
		return nil, fmt.Errorf("can't write back checkpoint: %w", err)
	}
	commonLabels := prometheus.Labels{
		"chain_id": cfg.ID,
		"address":  cfg.ContractAddress.String(),
	}
	return &Crawler{
		cfg:                  cfg,
		logger:               logger,
		client:               client,
		parsers:              parsers,
		txs:                  txs,
		checkpoints:          checkpoints,
		cache:                NewBlockCache(),
		lastProcessedBlock:   lastProcessedBlock,
		headBlockMetric:      LatestHeadBlock.With(commonLabels),
		processedBlockMetric: LatestProcessedBlock.With(commonLabels),
		syncedMetric:         SyncedCrawler.With(commonLabels),
		reorgsMetric:         DetectedReorgs.With(commonLabels),
	}, nil
}

func (c *Crawler) LastProcessedBlock() uint {
	return c.lastProcessedBlock
}

func (c *Crawler) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// Stop makes Run return after the in-flight batch is fully persisted.
func (c *Crawler) Stop() {
	atomic.StoreInt32(&c.running, 0)
}

// Run drives the crawler until the context is canceled or Stop is called.
// A failed batch leaves no visible side effect and is retried after
// RetryDelay, falling back to RestartDelay once MaxRetries is exceeded.
func (c *Crawler) Run(ctx context.Context) {
	c.logger.WithFields(logrus.Fields{
		"chain_id":             c.cfg.ID,
		"contract":             c.cfg.ContractAddress,
		"last_processed_block": c.lastProcessedBlock,
	}).Info("starting chain crawler")
	atomic.StoreInt32(&c.running, 1)

	failures := uint(0)
	for c.IsRunning() && ctx.Err() == nil {
		err := c.runCycle(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		failures++
		delay := c.cfg.RetryDelay
		if failures > c.cfg.MaxRetries {
			failures = 0
			delay = c.cfg.RestartDelay
		}
		c.logger.WithError(err).WithField("retry_in", delay).Error("batch failed, retrying")
		if utils.ContextSleep(ctx, delay) == nil {
			return
		}
	}
}

// runCycle processes at most one block window: head poll, reorg probe,
// log fetch, persist, checkpoint advance.
func (c *Crawler) runCycle(ctx context.Context) error {
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("can't fetch head block number: %w", err)
	}
	c.headBlockMetric.Set(float64(head))
	c.recordSynced(head)

	reorgBlock, found, err := c.findDeepestReorg(ctx)
	if err != nil {
		return err
	}
	if found {
		return c.rollback(ctx, reorgBlock)
	}

	fromBlock := c.lastProcessedBlock + 1
	if fromBlock > head {
		c.sleep(ctx, c.cfg.RestartDelay)
		return nil
	}
	toBlock := fromBlock + c.cfg.BatchSize - 1
	if toBlock > head {
		toBlock = head
	}

	logs, err := c.fetchLogs(ctx, fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("can't fetch logs in range (%d, %d): %w", fromBlock, toBlock, err)
	}
	events := c.parsers.ParseAll(logs)
	c.logger.WithFields(logrus.Fields{
		"count":      len(events),
		"from_block": fromBlock,
		"to_block":   toBlock,
	}).Info("fetched events in range")

	// block metadata is fetched before the persist transaction begins
	if err = c.populateBlockCache(ctx, events, fromBlock, toBlock, head); err != nil {
		return err
	}

	rows := c.buildTransactions(ctx, events, head)
	if err = c.txs.PersistBatch(ctx, c.cfg.ID, head, rows); err != nil {
		return fmt.Errorf("can't persist events batch: %w", err)
	}
	for _, row := range rows {
		PersistedEvents.WithLabelValues(c.cfg.ID, c.cfg.ContractAddress.String(), string(row.Operation)).Inc()
	}

	c.lastProcessedBlock = toBlock
	if err = c.checkpoints.Set(ctx, c.cfg.ID, toBlock); err != nil {
		return fmt.Errorf("can't advance checkpoint: %w", err)
	}
	c.processedBlockMetric.Set(float64(toBlock))
	c.recordSynced(head)

	if head > c.cfg.ReorgDepth {
		c.cache.Prune(head - c.cfg.ReorgDepth)
	}

	if toBlock == head {
		c.sleep(ctx, c.cfg.RestartDelay)
	} else {
		c.sleep(ctx, c.cfg.PollingInterval)
	}
	return nil
}

// findDeepestReorg walks back from the last processed block comparing
// cached hashes with the current canonical chain. It keeps walking past a
// divergence to find the deepest one, and stops at the first matching
// hash since nothing below it can have changed.
func (c *Crawler) findDeepestReorg(ctx context.Context) (uint, bool, error) {
	reorgBlock, found := uint(0), false
	for i := uint(0); i < c.cfg.ReorgDepth; i++ {
		if c.lastProcessedBlock < i {
			break
		}
		n := c.lastProcessedBlock - i
		if n < c.cfg.StartBlock {
			break
		}
		cached, ok := c.cache.Get(n)
		if !ok {
			continue
		}
		header, err := c.client.HeaderByNumber(ctx, n)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("can't fetch canonical block %d: %w", n, err)
		}
		entry := NewBlockEntry(header)
		if entry.Hash == cached.Hash {
			c.cache.Put(n, entry)
			break
		}
		reorgBlock, found = n, true
	}
	return reorgBlock, found, nil
}

// rollback removes all rows at or above the divergent block and rewinds
// the checkpoint. The next cycle re-fetches the replaced range.
func (c *Crawler) rollback(ctx context.Context, reorgBlock uint) error {
	deleted, err := c.txs.DeleteFromBlock(ctx, c.cfg.ID, reorgBlock)
	if err != nil {
		return fmt.Errorf("can't delete rows during reorg rollback: %w", err)
	}
	c.cache.Drop(reorgBlock)
	c.lastProcessedBlock = reorgBlock - 1
	if err = c.checkpoints.Set(ctx, c.cfg.ID, c.lastProcessedBlock); err != nil {
		return fmt.Errorf("can't rewind checkpoint: %w", err)
	}
	c.reorgsMetric.Inc()
	c.logger.WithFields(logrus.Fields{
		"reorg_block":  reorgBlock,
		"deleted_rows": deleted,
	}).Warn("chain reorganization handled, rolled back")
	return nil
}

func (c *Crawler) fetchLogs(ctx context.Context, fromBlock, toBlock uint) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(fromBlock)),
		ToBlock:   big.NewInt(int64(toBlock)),
		Addresses: []common.Address{c.cfg.ContractAddress},
		Topics:    [][]common.Hash{c.parsers.Topics()},
	}
	return c.client.FilterLogs(ctx, q)
}

// populateBlockCache fetches metadata for every block that either carries
// an event (needed to stamp rows) or falls into the trailing reorg window
// (needed so the next probe has hashes to compare).
func (c *Crawler) populateBlockCache(ctx context.Context, events []*ParsedEvent, fromBlock, toBlock, head uint) error {
	needed := make(map[uint]struct{})
	for _, event := range events {
		needed[event.BlockNumber] = struct{}{}
	}
	windowStart := fromBlock
	if head >= c.cfg.ReorgDepth && windowStart < head-c.cfg.ReorgDepth+1 {
		windowStart = head - c.cfg.ReorgDepth + 1
	}
	for n := windowStart; n <= toBlock; n++ {
		needed[n] = struct{}{}
	}
	missing := make([]uint, 0, len(needed))
	for n := range needed {
		if _, ok := c.cache.Get(n); !ok {
			missing = append(missing, n)
		}
	}
	return c.fetchBlockEntries(ctx, missing)
}

// fetchBlockEntries loads headers with a bounded parallel fan-out. Each
// fetch is independent and commutative.
func (c *Crawler) fetchBlockEntries(ctx context.Context, blocks []uint) error {
	if len(blocks) == 0 {
		return nil
	}
	sem := make(chan struct{}, c.cfg.HeaderFetchConcurrency)
	wg := new(sync.WaitGroup)
	errs := make([]error, len(blocks))
	for i, n := range blocks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, n uint) {
			defer wg.Done()
			defer func() { <-sem }()
			header, err := c.client.HeaderByNumber(ctx, n)
			if err != nil {
				if errors.Is(err, ethereum.NotFound) {
					err = fmt.Errorf("node has not seen block %d yet", n)
				}
				errs[i] = err
				return
			}
			c.cache.Put(n, NewBlockEntry(header))
		}(i, n)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("can't fetch block metadata: %w", err)
		}
	}
	return nil
}

// buildTransactions stamps parsed events with cached block metadata. A
// block missing from the cache is refetched once; an event whose block
// still can't be resolved is skipped to guard against a bad RPC response.
func (c *Crawler) buildTransactions(ctx context.Context, events []*ParsedEvent, head uint) []*entity.Transaction {
	rows := make([]*entity.Transaction, 0, len(events))
	for _, event := range events {
		entry, ok := c.cache.Get(event.BlockNumber)
		if !ok {
			header, err := c.client.HeaderByNumber(ctx, event.BlockNumber)
			if err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"block_number": event.BlockNumber,
					"tx_hash":      event.TransactionHash,
				}).Error("missing block metadata for event, skipping")
				continue
			}
			entry = NewBlockEntry(header)
			c.cache.Put(event.BlockNumber, entry)
		}
		rows = append(rows, NewTransaction(c.cfg, event, entry.BlockTime, head))
	}
	return rows
}

// NewTransaction builds the persisted projection of one parsed event.
// requireConfirmations is copied from the live chain config so later
// threshold changes never reclassify existing rows.
func NewTransaction(cfg *config.ChainConfig, event *ParsedEvent, blockTime int64, head uint) *entity.Transaction {
	confirmations := uint(0)
	if head+1 > event.BlockNumber {
		confirmations = head - event.BlockNumber + 1
	}
	if confirmations > cfg.RequiredConfirmations {
		confirmations = cfg.RequiredConfirmations
	}
	tx := &entity.Transaction{
		TransactionHash:      event.TransactionHash,
		ChainID:              cfg.ID,
		Address:              event.User,
		Operation:            event.Operation,
		RawAmount:            event.RawAmount,
		Amount:               event.Amount,
		TokenDecimals:        event.Decimals,
		TokenAddress:         event.TokenAddress,
		ContractAddress:      event.ContractAddress,
		BlockNumber:          event.BlockNumber,
		BlockHash:            event.BlockHash,
		BlockTime:            blockTime,
		Confirmations:        confirmations,
		RequireConfirmations: cfg.RequiredConfirmations,
	}
	tx.RefreshStatus()
	return tx
}

func (c *Crawler) recordSynced(head uint) {
	if c.lastProcessedBlock+defaultSyncedThreshold > head {
		c.syncedMetric.Set(1)
	} else {
		c.syncedMetric.Set(0)
	}
}

func (c *Crawler) sleep(ctx context.Context, d time.Duration) {
	utils.ContextSleep(ctx, d)
}
