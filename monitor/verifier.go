package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/omni/vault-monitor/config"
	"github.com/omni/vault-monitor/db"
	"github.com/omni/vault-monitor/entity"
	"github.com/omni/vault-monitor/ethclient"
	"github.com/omni/vault-monitor/logging"
)

// VerifyResult is the structured outcome of an on-demand verification.
// Negative outcomes are results, not errors.
type VerifyResult struct {
	Found       bool                `json:"found"`
	Message     string              `json:"message"`
	Transaction *entity.Transaction `json:"transaction,omitempty"`
}

// Verifier backfills a single transaction the live crawler may have
// missed. It shares the parser registry and persistence semantics of the
// crawler, so it can never introduce a duplicate or a status mismatch.
type Verifier struct {
	logger  logging.Logger
	chains  map[string]*config.ChainConfig
	clients map[string]ethclient.Client
	parsers *ParserRegistry
	txs     entity.TransactionsRepo
}

func NewVerifier(
	logger logging.Logger,
	chains map[string]*config.ChainConfig,
	clients map[string]ethclient.Client,
	parsers *ParserRegistry,
	txs entity.TransactionsRepo,
) *Verifier {
	return &Verifier{
		logger:  logger,
		chains:  chains,
		clients: clients,
		parsers: parsers,
		txs:     txs,
	}
}

func (v *Verifier) Verify(ctx context.Context, chainID string, txHash common.Hash) (*VerifyResult, error) {
	existing, err := v.txs.GetByTxHash(ctx, chainID, txHash)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("can't look up transaction: %w", err)
	}
	if existing != nil {
		return &VerifyResult{Found: true, Message: "already present", Transaction: existing}, nil
	}

	cfg, ok := v.chains[chainID]
	client, ok2 := v.clients[chainID]
	if !ok || !ok2 {
		return &VerifyResult{Message: "unsupported chain"}, nil
	}

	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("can't fetch transaction receipt: %w", err)
	}
	if receipt == nil || errors.Is(err, ethereum.NotFound) {
		return &VerifyResult{Message: "not on chain"}, nil
	}

	tracked := false
	events := make([]*ParsedEvent, 0, len(receipt.Logs))
	for _, log := range receipt.Logs {
		if log.Address != cfg.ContractAddress {
			continue
		}
		tracked = true
		event, err2 := v.parsers.Parse(*log)
		if err2 != nil {
			v.logger.WithError(err2).WithFields(logrus.Fields{
				"tx_hash":   txHash,
				"log_index": log.Index,
			}).Error("can't parse receipt log, skipping")
			continue
		}
		if event != nil {
			events = append(events, event)
		}
	}
	if !tracked {
		return &VerifyResult{Message: "not tracked contract"}, nil
	}
	if len(events) == 0 {
		return &VerifyResult{Message: "not a tracked event"}, nil
	}

	blockNumber := uint(receipt.BlockNumber.Uint64())
	header, err := client.HeaderByNumber(ctx, blockNumber)
	if errors.Is(err, ethereum.NotFound) {
		return &VerifyResult{Message: "not on chain"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("can't fetch block %d: %w", blockNumber, err)
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't fetch head block number: %w", err)
	}

	entry := NewBlockEntry(header)
	rows := make([]*entity.Transaction, 0, len(events))
	for _, event := range events {
		rows = append(rows, NewTransaction(cfg, event, entry.BlockTime, head))
	}
	if err = v.txs.Ensure(ctx, rows...); err != nil {
		return nil, fmt.Errorf("can't persist verified transaction: %w", err)
	}
	v.logger.WithFields(logrus.Fields{
		"chain_id": chainID,
		"tx_hash":  txHash,
		"count":    len(rows),
	}).Info("backfilled missed transaction")
	return &VerifyResult{
		Found:       true,
		Message:     fmt.Sprintf("saved %d rows", len(rows)),
		Transaction: rows[0],
	}, nil
}
