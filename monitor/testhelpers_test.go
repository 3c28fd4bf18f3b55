package monitor

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/omni/vault-monitor/config"
	"github.com/omni/vault-monitor/db"
	"github.com/omni/vault-monitor/entity"
	"github.com/omni/vault-monitor/logging"
)

var (
	testContractAddr = common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")
	testUserAddr     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTokenAddr    = common.HexToAddress("0x2222222222222222222222222222222222222222")

	testDepositTopic  = crypto.Keccak256Hash([]byte("Deposit(address,address,uint256,uint8)"))
	testWithdrawTopic = crypto.Keccak256Hash([]byte("Withdraw(address,address,uint256,uint8)"))
)

func newTestChainConfig() *config.ChainConfig {
	return &config.ChainConfig{
		ID:                     "1",
		Name:                   "testnet",
		RPCHosts:               []string{"http://localhost:8545"},
		RPCTimeout:             time.Second,
		ContractAddress:        testContractAddr,
		StartBlock:             1000,
		RequiredConfirmations:  12,
		ReorgDepth:             12,
		BatchSize:              100,
		PollingInterval:        time.Millisecond,
		RestartDelay:           time.Millisecond,
		MaxRetries:             2,
		RetryDelay:             time.Millisecond,
		HeaderFetchConcurrency: 4,
	}
}

// makeHeader builds a deterministic header whose hash varies with both the
// block number and the fork marker.
func makeHeader(n uint, fork uint64) *types.Header {
	return &types.Header{
		ParentHash: common.BytesToHash(big.NewInt(int64(n) - 1).Bytes()),
		Number:     big.NewInt(int64(n)),
		Difficulty: big.NewInt(1),
		Time:       1600000000 + uint64(n),
		Extra:      big.NewInt(int64(fork)).Bytes(),
	}
}

func packAmountAndDecimals(t *testing.T, amount *big.Int, decimals uint8) []byte {
	t.Helper()

	uint256Type, err := ethabi.NewType("uint256", "", nil)
	require.NoError(t, err)
	uint8Type, err := ethabi.NewType("uint8", "", nil)
	require.NoError(t, err)
	args := ethabi.Arguments{{Type: uint256Type}, {Type: uint8Type}}
	data, err := args.Pack(amount, decimals)
	require.NoError(t, err)
	return data
}

func makeEventLog(t *testing.T, topic0 common.Hash, blockNumber uint, blockHash, txHash common.Hash, amount *big.Int, decimals uint8) types.Log {
	t.Helper()

	return types.Log{
		Address:     testContractAddr,
		Topics:      []common.Hash{topic0, testUserAddr.Hash(), testTokenAddr.Hash()},
		Data:        packAmountAndDecimals(t, amount, decimals),
		BlockNumber: uint64(blockNumber),
		TxHash:      txHash,
		BlockHash:   blockHash,
		Index:       0,
	}
}

type fakeClient struct {
	mu       sync.Mutex
	head     uint
	headers  map[uint]*types.Header
	logs     []types.Log
	receipts map[common.Hash]*types.Receipt
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		headers:  make(map[uint]*types.Header),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (c *fakeClient) setHead(head uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

func (c *fakeClient) setHeader(n uint, header *types.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[n] = header
}

func (c *fakeClient) setHeaderRange(from, to uint, fork uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := from; n <= to; n++ {
		c.headers[n] = makeHeader(n, fork)
	}
}

func (c *fakeClient) setLogs(logs ...types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = logs
}

func (c *fakeClient) BlockNumber(ctx context.Context) (uint, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeClient) HeaderByNumber(ctx context.Context, n uint) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	header, ok := c.headers[n]
	if !ok {
		return nil, ethereum.NotFound
	}
	return header, nil
}

func (c *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	logs := make([]types.Log, 0, len(c.logs))
	for _, log := range c.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			logs = append(logs, log)
		}
	}
	return logs, nil
}

func (c *fakeClient) URL() string {
	return "http://localhost:8545"
}

// fakeTxsRepo mirrors the SQL semantics of the postgres repo in memory.
type fakeTxsRepo struct {
	mu     sync.Mutex
	nextID uint
	rows   map[common.Hash]*entity.Transaction
}

func newFakeTxsRepo() *fakeTxsRepo {
	return &fakeTxsRepo{rows: make(map[common.Hash]*entity.Transaction)}
}

func (r *fakeTxsRepo) upsert(tx *entity.Transaction) {
	if _, ok := r.rows[tx.TransactionHash]; ok {
		return
	}
	r.nextID++
	clone := *tx
	clone.ID = r.nextID
	r.rows[tx.TransactionHash] = &clone
}

func (r *fakeTxsRepo) Ensure(ctx context.Context, txs ...*entity.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range txs {
		r.upsert(tx)
	}
	return nil
}

func (r *fakeTxsRepo) PersistBatch(ctx context.Context, chainID string, head uint, txs []*entity.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range txs {
		r.upsert(tx)
	}
	for _, row := range r.rows {
		if row.ChainID != chainID || row.Status == entity.StatusFailed {
			continue
		}
		if row.Confirmations >= row.RequireConfirmations {
			continue
		}
		confirmations := uint(0)
		if head+1 > row.BlockNumber {
			confirmations = head - row.BlockNumber + 1
		}
		if confirmations > row.RequireConfirmations {
			confirmations = row.RequireConfirmations
		}
		if confirmations > row.Confirmations {
			row.Confirmations = confirmations
			row.RefreshStatus()
		}
	}
	return nil
}

func (r *fakeTxsRepo) GetByTxHash(ctx context.Context, chainID string, txHash common.Hash) (*entity.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[txHash]
	if !ok || row.ChainID != chainID {
		return nil, db.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *fakeTxsRepo) FindByAddress(ctx context.Context, chainID string, addr common.Address) ([]*entity.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txs := make([]*entity.Transaction, 0, len(r.rows))
	for _, row := range r.rows {
		if row.ChainID == chainID && row.Address == addr {
			clone := *row
			txs = append(txs, &clone)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].BlockNumber > txs[j].BlockNumber })
	return txs, nil
}

func (r *fakeTxsRepo) MaxBlockNumber(ctx context.Context, chainID string) (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	maxBlock, found := uint(0), false
	for _, row := range r.rows {
		if row.ChainID == chainID && row.BlockNumber > maxBlock {
			maxBlock, found = row.BlockNumber, true
		}
	}
	if !found {
		return 0, db.ErrNotFound
	}
	return maxBlock, nil
}

func (r *fakeTxsRepo) DeleteFromBlock(ctx context.Context, chainID string, fromBlock uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := int64(0)
	for txHash, row := range r.rows {
		if row.ChainID == chainID && row.BlockNumber >= fromBlock {
			delete(r.rows, txHash)
			deleted++
		}
	}
	return deleted, nil
}

func (r *fakeTxsRepo) snapshot() map[common.Hash]entity.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make(map[common.Hash]entity.Transaction, len(r.rows))
	for txHash, row := range r.rows {
		rows[txHash] = *row
	}
	return rows
}

type fakeCheckpointsRepo struct {
	mu          sync.Mutex
	checkpoints map[string]uint
}

func newFakeCheckpointsRepo() *fakeCheckpointsRepo {
	return &fakeCheckpointsRepo{checkpoints: make(map[string]uint)}
}

func (r *fakeCheckpointsRepo) Get(ctx context.Context, chainID string) (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blockNumber, ok := r.checkpoints[chainID]
	if !ok {
		return 0, db.ErrNotFound
	}
	return blockNumber, nil
}

func (r *fakeCheckpointsRepo) Set(ctx context.Context, chainID string, blockNumber uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints[chainID] = blockNumber
	return nil
}

func newTestCrawler(t *testing.T, cfg *config.ChainConfig, client *fakeClient, txs *fakeTxsRepo, checkpoints *fakeCheckpointsRepo) *Crawler {
	t.Helper()

	crawler, err := NewCrawler(context.Background(), logging.New(), cfg, client, NewParserRegistry(logging.New()), txs, checkpoints)
	require.NoError(t, err)
	return crawler
}
