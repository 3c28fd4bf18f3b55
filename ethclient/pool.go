package ethclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/omni/vault-monitor/logging"
)

// Pool fans a request out over an ordered list of endpoints for one chain.
// Each call starts at the first endpoint and advances on recoverable
// failures; any other error propagates immediately. Clients are dialed
// lazily and memoized by endpoint URL, so a dead endpoint at startup does
// not take the whole pool down.
type Pool struct {
	chainID string
	hosts   []string
	timeout time.Duration
	logger  logging.Logger

	// isRecoverable can be swapped for a structured classifier once the
	// underlying RPC client exposes error codes.
	isRecoverable func(error) bool

	mu      sync.Mutex
	clients map[string]Client
}

func NewPool(logger logging.Logger, chainID string, hosts []string, timeout time.Duration) *Pool {
	return &Pool{
		chainID:       chainID,
		hosts:         hosts,
		timeout:       timeout,
		logger:        logger,
		isRecoverable: IsRecoverable,
		clients:       make(map[string]Client, len(hosts)),
	}
}

func (p *Pool) client(host string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[host]; ok {
		return client, nil
	}
	client, err := NewClient(host, p.timeout, p.chainID)
	if err != nil {
		return nil, err
	}
	p.clients[host] = client
	return client, nil
}

func (p *Pool) execute(ctx context.Context, op string, fn func(Client) error) error {
	var lastErr error
	for _, host := range p.hosts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		client, err := p.client(host)
		if err != nil {
			// dial and chainID detection failures count as recoverable
			p.logger.WithError(err).WithField("url", host).Warn("can't dial rpc endpoint, trying next one")
			lastErr = err
			continue
		}
		err = fn(client)
		if err == nil {
			return nil
		}
		if !p.isRecoverable(err) {
			return err
		}
		p.logger.WithError(err).WithField("url", host).WithField("op", op).
			Warn("recoverable rpc error, trying next endpoint")
		lastErr = err
	}
	return fmt.Errorf("all %s rpc endpoints failed: %w", p.chainID, lastErr)
}

func (p *Pool) URL() string {
	return p.hosts[0]
}

func (p *Pool) BlockNumber(ctx context.Context) (uint, error) {
	var n uint
	err := p.execute(ctx, "eth_blockNumber", func(c Client) error {
		var err error
		n, err = c.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (p *Pool) HeaderByNumber(ctx context.Context, n uint) (*types.Header, error) {
	var header *types.Header
	err := p.execute(ctx, "eth_getBlockByNumber", func(c Client) error {
		var err error
		header, err = c.HeaderByNumber(ctx, n)
		return err
	})
	return header, err
}

func (p *Pool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := p.execute(ctx, "eth_getTransactionReceipt", func(c Client) error {
		var err error
		receipt, err = c.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (p *Pool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := p.execute(ctx, "eth_getLogs", func(c Client) error {
		var err error
		logs, err = c.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}
