package entity

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Operation string

const (
	OperationDeposit  Operation = "deposit"
	OperationWithdraw Operation = "withdraw"
)

type TxStatus string

const (
	StatusPending   TxStatus = "PENDING"
	StatusConfirmed TxStatus = "CONFIRMED"
	StatusFailed    TxStatus = "FAILED"
)

type Transaction struct {
	ID                   uint            `db:"id"`
	TransactionHash      common.Hash     `db:"transaction_hash"`
	ChainID              string          `db:"chain_id"`
	Address              common.Address  `db:"address"`
	Operation            Operation       `db:"operation"`
	RawAmount            string          `db:"raw_amount"`
	Amount               string          `db:"amount"`
	TokenDecimals        uint8           `db:"token_decimals"`
	TokenAddress         *common.Address `db:"token_address"`
	ContractAddress      common.Address  `db:"contract_address"`
	BlockNumber          uint            `db:"block_number"`
	BlockHash            common.Hash     `db:"block_hash"`
	BlockTime            int64           `db:"block_time"`
	Confirmations        uint            `db:"confirmations"`
	RequireConfirmations uint            `db:"require_confirmations"`
	Status               TxStatus        `db:"status"`
	CreatedAt            *time.Time      `db:"created_at"`
	UpdatedAt            *time.Time      `db:"updated_at"`
}

// RefreshStatus re-derives the status from the current confirmation count.
// FAILED rows keep their status.
func (t *Transaction) RefreshStatus() {
	if t.Status == StatusFailed {
		return
	}
	if t.Confirmations >= t.RequireConfirmations {
		t.Status = StatusConfirmed
	} else {
		t.Status = StatusPending
	}
}

type TransactionsRepo interface {
	// Ensure upserts the given rows one by one, keyed by transaction hash.
	// Replaying an already persisted row is a no-op.
	Ensure(ctx context.Context, txs ...*Transaction) error
	// PersistBatch atomically upserts new rows and raises the confirmation
	// count of every unconfirmed row on the chain, capped at each row's own
	// require_confirmations, deriving the status on the way.
	PersistBatch(ctx context.Context, chainID string, head uint, txs []*Transaction) error
	GetByTxHash(ctx context.Context, chainID string, txHash common.Hash) (*Transaction, error)
	FindByAddress(ctx context.Context, chainID string, addr common.Address) ([]*Transaction, error)
	MaxBlockNumber(ctx context.Context, chainID string) (uint, error)
	// DeleteFromBlock removes every row of the chain with block_number >= fromBlock.
	DeleteFromBlock(ctx context.Context, chainID string, fromBlock uint) (int64, error)
}
