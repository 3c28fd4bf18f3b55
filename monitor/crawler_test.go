package monitor

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/omni/vault-monitor/entity"
)

var (
	txHashDead  = common.HexToHash("0xdead")
	txHashBeef1 = common.HexToHash("0xbeef01")
	txHashBeef2 = common.HexToHash("0xbeef02")
)

func oneEther() *big.Int {
	amount, _ := new(big.Int).SetString("1000000000000000000", 10)
	return amount
}

func TestCrawlerSingleBatch(t *testing.T) {
	t.Parallel()

	cfg := newTestChainConfig()
	client := newFakeClient()
	client.setHead(1010)
	client.setHeaderRange(995, 1010, 0)
	client.setLogs(makeEventLog(t, testDepositTopic, 1005, makeHeader(1005, 0).Hash(), txHashDead, oneEther(), 18))
	txs := newFakeTxsRepo()
	checkpoints := newFakeCheckpointsRepo()

	crawler := newTestCrawler(t, cfg, client, txs, checkpoints)
	require.NoError(t, crawler.runCycle(context.Background()))

	row, err := txs.GetByTxHash(context.Background(), "1", txHashDead)
	require.NoError(t, err)
	require.Equal(t, entity.OperationDeposit, row.Operation)
	require.Equal(t, testUserAddr, row.Address)
	require.Equal(t, "1000000000000000000", row.RawAmount)
	require.Equal(t, "1.000000000000000000", row.Amount)
	require.Equal(t, uint8(18), row.TokenDecimals)
	require.NotNil(t, row.TokenAddress)
	require.Equal(t, testTokenAddr, *row.TokenAddress)
	require.Equal(t, testContractAddr, row.ContractAddress)
	require.Equal(t, uint(1005), row.BlockNumber)
	require.Equal(t, makeHeader(1005, 0).Hash(), row.BlockHash)
	require.Equal(t, int64(1600001005)*1000, row.BlockTime)
	require.Equal(t, uint(6), row.Confirmations)
	require.Equal(t, uint(12), row.RequireConfirmations)
	require.Equal(t, entity.StatusPending, row.Status)

	require.Equal(t, uint(1010), crawler.LastProcessedBlock())
	checkpoint, err := checkpoints.Get(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, uint(1010), checkpoint)
}

func TestCrawlerConfirmationProgression(t *testing.T) {
	t.Parallel()

	cfg := newTestChainConfig()
	client := newFakeClient()
	client.setHead(1010)
	client.setHeaderRange(995, 1010, 0)
	client.setLogs(makeEventLog(t, testDepositTopic, 1005, makeHeader(1005, 0).Hash(), txHashDead, oneEther(), 18))
	txs := newFakeTxsRepo()
	checkpoints := newFakeCheckpointsRepo()

	crawler := newTestCrawler(t, cfg, client, txs, checkpoints)
	require.NoError(t, crawler.runCycle(context.Background()))

	// head advances, no new events
	client.setHead(1017)
	client.setHeaderRange(1011, 1017, 0)
	require.NoError(t, crawler.runCycle(context.Background()))

	row, err := txs.GetByTxHash(context.Background(), "1", txHashDead)
	require.NoError(t, err)
	require.Equal(t, uint(12), row.Confirmations)
	require.Equal(t, entity.StatusConfirmed, row.Status)
	require.Equal(t, uint(1017), crawler.LastProcessedBlock())

	// confirmations stay capped once the threshold is reached
	client.setHead(1025)
	client.setHeaderRange(1018, 1025, 0)
	require.NoError(t, crawler.runCycle(context.Background()))

	row, err = txs.GetByTxHash(context.Background(), "1", txHashDead)
	require.NoError(t, err)
	require.Equal(t, uint(12), row.Confirmations)
	require.Equal(t, entity.StatusConfirmed, row.Status)
}

func TestCrawlerIdempotentReplay(t *testing.T) {
	t.Parallel()

	cfg := newTestChainConfig()
	client := newFakeClient()
	client.setHead(1017)
	client.setHeaderRange(995, 1017, 0)
	client.setLogs(makeEventLog(t, testDepositTopic, 1005, makeHeader(1005, 0).Hash(), txHashDead, oneEther(), 18))
	txs := newFakeTxsRepo()
	checkpoints := newFakeCheckpointsRepo()

	crawler := newTestCrawler(t, cfg, client, txs, checkpoints)
	require.NoError(t, crawler.runCycle(context.Background()))
	before := txs.snapshot()
	require.Len(t, before, 1)

	// simulate a process restart with a lost checkpoint: the crawler
	// recovers from the table and replays nothing it already has
	restarted := newTestCrawler(t, cfg, client, txs, newFakeCheckpointsRepo())
	require.NoError(t, restarted.runCycle(context.Background()))
	require.NoError(t, restarted.runCycle(context.Background()))

	after := txs.snapshot()
	require.Len(t, after, 1)
	require.Equal(t, before[txHashDead].ID, after[txHashDead].ID)
	require.Equal(t, before[txHashDead].RawAmount, after[txHashDead].RawAmount)
	require.GreaterOrEqual(t, after[txHashDead].Confirmations, before[txHashDead].Confirmations)
}

func TestCrawlerStartupCheckpointRecovery(t *testing.T) {
	t.Parallel()

	cfg := newTestChainConfig()
	client := newFakeClient()
	client.setHead(1010)
	txs := newFakeTxsRepo()
	checkpoints := newFakeCheckpointsRepo()

	// empty table and no checkpoint: start right before the start block
	crawler := newTestCrawler(t, cfg, client, txs, checkpoints)
	require.Equal(t, uint(999), crawler.LastProcessedBlock())
	checkpoint, err := checkpoints.Get(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, uint(999), checkpoint)

	// stored checkpoint wins over the table
	require.NoError(t, checkpoints.Set(context.Background(), "1", 1007))
	crawler = newTestCrawler(t, cfg, client, txs, checkpoints)
	require.Equal(t, uint(1007), crawler.LastProcessedBlock())
}

func TestCrawlerReorgRollbackSameEvent(t *testing.T) {
	t.Parallel()

	cfg := newTestChainConfig()
	client := newFakeClient()
	client.setHead(1016)
	client.setHeaderRange(995, 1016, 0)
	client.setLogs(makeEventLog(t, testDepositTopic, 1015, makeHeader(1015, 0).Hash(), txHashBeef1, oneEther(), 18))
	txs := newFakeTxsRepo()
	checkpoints := newFakeCheckpointsRepo()

	crawler := newTestCrawler(t, cfg, client, txs, checkpoints)
	require.NoError(t, crawler.runCycle(context.Background()))
	require.Equal(t, uint(1016), crawler.LastProcessedBlock())
	require.Len(t, txs.snapshot(), 1)

	// blocks 1015 and 1016 get replaced on chain, the same event is
	// included in the new 1015
	client.setHeader(1015, makeHeader(1015, 1))
	client.setHeader(1016, makeHeader(1016, 1))
	client.setHead(1020)
	client.setHeaderRange(1017, 1020, 1)
	client.setLogs(makeEventLog(t, testDepositTopic, 1015, makeHeader(1015, 1).Hash(), txHashBeef1, oneEther(), 18))

	// rollback cycle: deepest divergence wins
	require.NoError(t, crawler.runCycle(context.Background()))
	require.Equal(t, uint(1014), crawler.LastProcessedBlock())
	checkpoint, err := checkpoints.Get(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, uint(1014), checkpoint)
	require.Empty(t, txs.snapshot())

	// next cycle re-fetches the replaced range and restores the event
	require.NoError(t, crawler.runCycle(context.Background()))
	require.Equal(t, uint(1020), crawler.LastProcessedBlock())
	row, err := txs.GetByTxHash(context.Background(), "1", txHashBeef1)
	require.NoError(t, err)
	require.Equal(t, makeHeader(1015, 1).Hash(), row.BlockHash)
	require.Equal(t, uint(6), row.Confirmations)
	require.Equal(t, entity.StatusPending, row.Status)
}

func TestCrawlerReorgRollbackDifferentEvent(t *testing.T) {
	t.Parallel()

	cfg := newTestChainConfig()
	client := newFakeClient()
	client.setHead(1016)
	client.setHeaderRange(995, 1016, 0)
	client.setLogs(makeEventLog(t, testDepositTopic, 1015, makeHeader(1015, 0).Hash(), txHashBeef1, oneEther(), 18))
	txs := newFakeTxsRepo()
	checkpoints := newFakeCheckpointsRepo()

	crawler := newTestCrawler(t, cfg, client, txs, checkpoints)
	require.NoError(t, crawler.runCycle(context.Background()))

	// the replacing block carries a different transaction
	client.setHeader(1015, makeHeader(1015, 1))
	client.setHeader(1016, makeHeader(1016, 1))
	client.setHead(1020)
	client.setHeaderRange(1017, 1020, 1)
	client.setLogs(makeEventLog(t, testWithdrawTopic, 1015, makeHeader(1015, 1).Hash(), txHashBeef2, big.NewInt(5), 18))

	require.NoError(t, crawler.runCycle(context.Background()))
	require.NoError(t, crawler.runCycle(context.Background()))

	rows := txs.snapshot()
	require.Len(t, rows, 1)
	_, replaced := rows[txHashBeef1]
	require.False(t, replaced, "rolled back event must not be resurrected")
	row, ok := rows[txHashBeef2]
	require.True(t, ok)
	require.Equal(t, entity.OperationWithdraw, row.Operation)
}

func TestCrawlerIdleWhenCaughtUp(t *testing.T) {
	t.Parallel()

	cfg := newTestChainConfig()
	client := newFakeClient()
	client.setHead(1010)
	client.setHeaderRange(995, 1010, 0)
	txs := newFakeTxsRepo()
	checkpoints := newFakeCheckpointsRepo()

	crawler := newTestCrawler(t, cfg, client, txs, checkpoints)
	require.NoError(t, crawler.runCycle(context.Background()))
	require.Equal(t, uint(1010), crawler.LastProcessedBlock())

	// no new blocks: the cycle is a paced no-op
	require.NoError(t, crawler.runCycle(context.Background()))
	require.Equal(t, uint(1010), crawler.LastProcessedBlock())
	require.Empty(t, txs.snapshot())
}

func TestCrawlerCanceledBatchDoesNotAdvanceCheckpoint(t *testing.T) {
	t.Parallel()

	cfg := newTestChainConfig()
	client := newFakeClient()
	client.setHead(1010)
	client.setHeaderRange(995, 1010, 0)
	client.setLogs(makeEventLog(t, testDepositTopic, 1005, makeHeader(1005, 0).Hash(), txHashDead, oneEther(), 18))
	txs := newFakeTxsRepo()
	checkpoints := newFakeCheckpointsRepo()

	crawler := newTestCrawler(t, cfg, client, txs, checkpoints)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, crawler.runCycle(ctx))
	require.Equal(t, uint(999), crawler.LastProcessedBlock())
	checkpoint, err := checkpoints.Get(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, uint(999), checkpoint)
	require.Empty(t, txs.snapshot())
}

func TestCrawlerChecksInvariantsAcrossBatches(t *testing.T) {
	t.Parallel()

	cfg := newTestChainConfig()
	cfg.BatchSize = 5
	client := newFakeClient()
	client.setHead(1020)
	client.setHeaderRange(995, 1020, 0)
	client.setLogs(
		makeEventLog(t, testDepositTopic, 1003, makeHeader(1003, 0).Hash(), txHashDead, oneEther(), 18),
		makeEventLog(t, testWithdrawTopic, 1012, makeHeader(1012, 0).Hash(), txHashBeef1, big.NewInt(2500000), 6),
	)
	txs := newFakeTxsRepo()
	checkpoints := newFakeCheckpointsRepo()

	crawler := newTestCrawler(t, cfg, client, txs, checkpoints)
	prevConfirmations := make(map[common.Hash]uint)
	for crawler.LastProcessedBlock() < 1020 {
		require.NoError(t, crawler.runCycle(context.Background()))

		for txHash, row := range txs.snapshot() {
			// status coherence
			require.Equal(t, row.Confirmations >= row.RequireConfirmations, row.Status == entity.StatusConfirmed)
			// checkpoint dominates data
			require.GreaterOrEqual(t, crawler.LastProcessedBlock(), row.BlockNumber)
			// confirmation monotonicity
			require.GreaterOrEqual(t, row.Confirmations, prevConfirmations[txHash])
			prevConfirmations[txHash] = row.Confirmations
		}
	}
	require.Len(t, txs.snapshot(), 2)
}
