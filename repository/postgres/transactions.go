package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"

	"github.com/omni/vault-monitor/db"
	"github.com/omni/vault-monitor/entity"
)

type transactionsRepo basePostgresRepo

func NewTransactionsRepo(table string, db *db.DB) entity.TransactionsRepo {
	return (*transactionsRepo)(newBasePostgresRepo(table, db))
}

var transactionColumns = []string{
	"transaction_hash", "chain_id", "address", "operation", "raw_amount", "amount",
	"token_decimals", "token_address", "contract_address", "block_number",
	"block_hash", "block_time", "confirmations", "require_confirmations", "status",
}

// upsertQuery builds a bulk insert that degrades to a field-preserving
// no-op on a transaction hash conflict, making window replays idempotent.
func (r *transactionsRepo) upsertQuery(txs []*entity.Transaction) (string, []interface{}, error) {
	builder := sq.Insert(r.table).Columns(transactionColumns...)
	for _, tx := range txs {
		builder = builder.Values(
			tx.TransactionHash, tx.ChainID, tx.Address, tx.Operation, tx.RawAmount, tx.Amount,
			tx.TokenDecimals, tx.TokenAddress, tx.ContractAddress, tx.BlockNumber,
			tx.BlockHash, tx.BlockTime, tx.Confirmations, tx.RequireConfirmations, tx.Status,
		)
	}
	return builder.
		Suffix("ON CONFLICT (transaction_hash) DO UPDATE SET updated_at = NOW()").
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

// refreshQuery raises confirmations of every unconfirmed row on the chain
// to head - block_number + 1, capped at the row's own require_confirmations,
// and re-derives the status. Confirmations never decrease here, rows that
// could have regressed were deleted by the reorg rollback beforehand.
func (r *transactionsRepo) refreshQuery(chainID string, head uint) (string, []interface{}, error) {
	return sq.Update(r.table).
		Set("confirmations", sq.Expr("LEAST(? - block_number + 1, require_confirmations)", head)).
		Set("status", sq.Expr("CASE WHEN ? - block_number + 1 >= require_confirmations THEN 'CONFIRMED' ELSE 'PENDING' END", head)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"chain_id": chainID}).
		Where(sq.NotEq{"status": entity.StatusFailed}).
		Where(sq.Expr("confirmations < require_confirmations")).
		Where(sq.Expr("? - block_number + 1 > confirmations", head)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func (r *transactionsRepo) Ensure(ctx context.Context, txs ...*entity.Transaction) error {
	for _, tx := range txs {
		q, args, err := r.upsertQuery([]*entity.Transaction{tx})
		if err != nil {
			return fmt.Errorf("can't build query: %w", err)
		}
		_, err = r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("can't insert transactions: %w", err)
		}
	}
	return nil
}

func (r *transactionsRepo) PersistBatch(ctx context.Context, chainID string, head uint, txs []*entity.Transaction) error {
	return r.db.ExecuteTransaction(ctx, func(dbTx *sqlx.Tx) error {
		if len(txs) > 0 {
			q, args, err := r.upsertQuery(txs)
			if err != nil {
				return fmt.Errorf("can't build query: %w", err)
			}
			if _, err = dbTx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("can't insert transactions: %w", err)
			}
		}
		q, args, err := r.refreshQuery(chainID, head)
		if err != nil {
			return fmt.Errorf("can't build query: %w", err)
		}
		if _, err = dbTx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("can't refresh confirmations: %w", err)
		}
		return nil
	})
}

func (r *transactionsRepo) GetByTxHash(ctx context.Context, chainID string, txHash common.Hash) (*entity.Transaction, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"chain_id": chainID, "transaction_hash": txHash}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	tx := new(entity.Transaction)
	err = r.db.GetContext(ctx, tx, q, args...)
	if err != nil {
		if err == db.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("can't get transaction by tx hash: %w", err)
	}
	return tx, nil
}

func (r *transactionsRepo) FindByAddress(ctx context.Context, chainID string, addr common.Address) ([]*entity.Transaction, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"chain_id": chainID, "address": addr}).
		OrderBy("block_number DESC").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	txs := make([]*entity.Transaction, 0, 10)
	err = r.db.SelectContext(ctx, &txs, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't get transactions by address: %w", err)
	}
	return txs, nil
}

func (r *transactionsRepo) MaxBlockNumber(ctx context.Context, chainID string) (uint, error) {
	q, args, err := sq.Select("block_number").
		From(r.table).
		Where(sq.Eq{"chain_id": chainID}).
		OrderBy("block_number DESC").
		Limit(1).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("can't build query: %w", err)
	}
	var blockNumber uint
	err = r.db.GetContext(ctx, &blockNumber, q, args...)
	if err != nil {
		if err == db.ErrNotFound {
			return 0, err
		}
		return 0, fmt.Errorf("can't get max block number: %w", err)
	}
	return blockNumber, nil
}

func (r *transactionsRepo) DeleteFromBlock(ctx context.Context, chainID string, fromBlock uint) (int64, error) {
	q, args, err := sq.Delete(r.table).
		Where(sq.Eq{"chain_id": chainID}).
		Where(sq.GtOrEq{"block_number": fromBlock}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("can't delete transactions from block: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("can't count deleted transactions: %w", err)
	}
	return deleted, nil
}
