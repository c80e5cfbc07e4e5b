package indexer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/chain"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/epoch"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/parser"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/points"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/pricefeed"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/storage/memory"
)

const (
	wordTwoTokens = "0x1bc16d674ec80000" // 2.0 * 1e18
	wordETH       = "0x455448"
)

func topicFor(name string) string {
	return strings.ToLower(crypto.Keccak256Hash([]byte(name)).Hex())
}

// scriptedRPC serves a mutable scripted chain for the pipeline tests.
type scriptedRPC struct {
	latest  uint64
	headers map[uint64]chain.Header
	logs    map[uint64][]model.RawLog
}

func newScriptedRPC(from, to uint64) *scriptedRPC {
	rpc := &scriptedRPC{
		latest:  to,
		headers: make(map[uint64]chain.Header),
		logs:    make(map[uint64][]model.RawLog),
	}
	for n := from; n <= to; n++ {
		rpc.headers[n] = chain.Header{
			Number:     n,
			Hash:       fmt.Sprintf("0xhash%d", n),
			ParentHash: fmt.Sprintf("0xhash%d", n-1),
			Time:       1700000000 + n*12,
		}
	}
	return rpc
}

// extend appends canonical blocks up to the new tip.
func (s *scriptedRPC) extend(to uint64) {
	for n := s.latest + 1; n <= to; n++ {
		parent := s.headers[n-1].Hash
		s.headers[n] = chain.Header{
			Number:     n,
			Hash:       fmt.Sprintf("0xhash%d", n),
			ParentHash: parent,
			Time:       1700000000 + n*12,
		}
	}
	s.latest = to
}

func (s *scriptedRPC) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return s.latest, nil
}

func (s *scriptedRPC) HeaderByNumber(ctx context.Context, number uint64) (chain.Header, error) {
	header, ok := s.headers[number]
	if !ok {
		return chain.Header{}, fmt.Errorf("no header at %d", number)
	}
	return header, nil
}

func (s *scriptedRPC) BlockLogs(ctx context.Context, number uint64) ([]model.RawLog, error) {
	return s.logs[number], nil
}

type pipeline struct {
	rpc       *scriptedRPC
	store     *memory.Store
	processor *Processor
}

func newPipeline(t *testing.T, rpc *scriptedRPC) *pipeline {
	t.Helper()
	store := memory.New()
	logger := zap.NewNop()
	client := chain.NewClient(rpc, chain.Config{
		Confirmations:   5,
		RetryInitial:    time.Millisecond,
		RetryMaxElapsed: 20 * time.Millisecond,
	}, logger)
	epochs := epoch.NewManager(store, 720*time.Hour, logger)
	calc := points.NewCalculator(store, logger)
	feed := pricefeed.NewStatic(map[string][]float64{"ETH": {2000}})

	processor := NewProcessor(Config{
		StartBlock:    100,
		Confirmations: 5,
		PollInterval:  time.Second,
		PendingBatch:  10,
	}, client, parser.New(logger), store, epochs, calc, feed, nil, logger)

	return &pipeline{rpc: rpc, store: store, processor: processor}
}

func stakeLog(txHash string, logIndex uint64) model.RawLog {
	return model.RawLog{
		Contract: "0xc0ffee",
		Topics:   []string{topicFor("Staked"), "0xa11ce"},
		Data:     []string{wordTwoTokens, wordETH},
		TxHash:   txHash,
		LogIndex: logIndex,
	}
}

func TestTickIngestsConfirmedBlocks(t *testing.T) {
	rpc := newScriptedRPC(95, 110) // confirmed height 105
	rpc.logs[100] = []model.RawLog{stakeLog("0xt1", 0)}
	p := newPipeline(t, rpc)
	ctx := context.Background()

	require.NoError(t, p.processor.tick(ctx))

	cp, ok, err := p.store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(105), cp.LastBlock)

	assert.Equal(t, 1, p.store.TransactionCount())

	current, ok, err := p.store.CurrentEpoch(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// 2 ETH at 2000 USD staked at 3 points per USD
	entry, ok, err := p.store.LedgerEntry(ctx, "0xa11ce", current.Number)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 12000, entry.StakingPoints, 1e-9)
}

func TestTickResumesFromCheckpoint(t *testing.T) {
	rpc := newScriptedRPC(95, 110)
	rpc.logs[100] = []model.RawLog{stakeLog("0xt1", 0)}
	p := newPipeline(t, rpc)
	ctx := context.Background()

	require.NoError(t, p.processor.tick(ctx))
	require.Equal(t, 1, p.store.TransactionCount())

	// a second tick with no new confirmed blocks reprocesses nothing
	require.NoError(t, p.processor.tick(ctx))
	assert.Equal(t, 1, p.store.TransactionCount())

	// new blocks extend the chain; only the delta is ingested
	rpc.extend(112)
	rpc.logs[107] = []model.RawLog{stakeLog("0xt2", 0)}
	require.NoError(t, p.processor.tick(ctx))

	cp, _, err := p.store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(107), cp.LastBlock)
	assert.Equal(t, 2, p.store.TransactionCount())
}

func TestBlockRedeliveryIsIdempotent(t *testing.T) {
	rpc := newScriptedRPC(95, 110)
	rpc.logs[100] = []model.RawLog{stakeLog("0xt1", 0)}
	p := newPipeline(t, rpc)
	ctx := context.Background()

	require.NoError(t, p.processor.tick(ctx))
	current, _, err := p.store.CurrentEpoch(ctx)
	require.NoError(t, err)

	// redeliver block 100 directly; the (tx_hash, log_index) key dedupes
	require.NoError(t, p.processor.processBlock(ctx, 100, current.Number))
	assert.Equal(t, 1, p.store.TransactionCount())

	entry, _, err := p.store.LedgerEntry(ctx, "0xa11ce", current.Number)
	require.NoError(t, err)
	assert.InDelta(t, 12000, entry.StakingPoints, 1e-9)
}

func TestReorgRollsBackAndReingests(t *testing.T) {
	rpc := newScriptedRPC(95, 110)
	rpc.logs[100] = []model.RawLog{stakeLog("0xt1", 0)}
	p := newPipeline(t, rpc)
	ctx := context.Background()

	require.NoError(t, p.processor.tick(ctx))
	current, _, err := p.store.CurrentEpoch(ctx)
	require.NoError(t, err)

	// the chain replaces block 105 and builds on the new branch
	rpc.headers[105] = chain.Header{
		Number: 105, Hash: "0xother105", ParentHash: "0xhash104", Time: 1700000000 + 105*12,
	}
	for n := uint64(106); n <= rpc.latest; n++ {
		delete(rpc.headers, n)
	}
	rpc.latest = 105
	rpc.extend(111) // confirmed height 106; block 106 descends from 0xother105

	require.NoError(t, p.processor.tick(ctx))

	// rollback target is (105-1) minus the confirmation depth
	cp, ok, err := p.store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(99), cp.LastBlock)

	// the block-100 transaction and its points were reversed
	assert.Equal(t, 0, p.store.TransactionCount())
	entry, ok, err := p.store.LedgerEntry(ctx, "0xa11ce", current.Number)
	require.NoError(t, err)
	if ok {
		assert.InDelta(t, 0, entry.TotalPoints, 1e-9)
	}

	// the next tick re-ingests the canonical branch from the checkpoint
	require.NoError(t, p.processor.tick(ctx))
	cp, _, err = p.store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(106), cp.LastBlock)
	assert.Equal(t, 1, p.store.TransactionCount())

	entry, ok, err = p.store.LedgerEntry(ctx, "0xa11ce", current.Number)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 12000, entry.StakingPoints, 1e-9)
}

func TestMalformedLogIsAuditedNotFatal(t *testing.T) {
	rpc := newScriptedRPC(95, 110)
	rpc.logs[100] = []model.RawLog{
		{
			Contract: "0xc0ffee",
			Topics:   []string{topicFor("Staked"), "0xa11ce"},
			Data:     []string{"0xZZZZ"}, // malformed payload for a known signature
			TxHash:   "0xbad",
			LogIndex: 0,
		},
		stakeLog("0xt1", 1),
	}
	p := newPipeline(t, rpc)
	ctx := context.Background()

	require.NoError(t, p.processor.tick(ctx))

	// the block still commits with the healthy transaction
	cp, _, err := p.store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(105), cp.LastBlock)
	assert.Equal(t, 1, p.store.TransactionCount())

	failures := p.store.DecodeFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "0xbad", failures[0].TxHash)
	assert.Equal(t, uint64(100), failures[0].BlockNumber)
	assert.NotEmpty(t, failures[0].Reason)
}

func TestUnknownSignatureIsDroppedSilently(t *testing.T) {
	rpc := newScriptedRPC(95, 110)
	rpc.logs[100] = []model.RawLog{{
		Contract: "0xc0ffee",
		Topics:   []string{topicFor("SomeOtherEvent"), "0xa11ce"},
		Data:     []string{wordTwoTokens},
		TxHash:   "0xt1",
		LogIndex: 0,
	}}
	p := newPipeline(t, rpc)
	ctx := context.Background()

	require.NoError(t, p.processor.tick(ctx))
	assert.Equal(t, 0, p.store.TransactionCount())
	assert.Empty(t, p.store.DecodeFailures())
}

func TestIngestionContinuesWithoutOpenEpoch(t *testing.T) {
	rpc := newScriptedRPC(95, 110)
	rpc.logs[100] = []model.RawLog{stakeLog("0xt1", 0)}
	p := newPipeline(t, rpc)
	ctx := context.Background()

	require.NoError(t, p.processor.tick(ctx))

	// finalize the bootstrap epoch without opening a successor
	mgr := epoch.NewManager(p.store, 720*time.Hour, zap.NewNop())
	current, ok, err := p.store.CurrentEpoch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = mgr.FinalizeEpoch(ctx, current.Number)
	require.NoError(t, err)

	// the chain keeps producing blocks; ingestion must not halt
	rpc.extend(112)
	rpc.logs[107] = []model.RawLog{stakeLog("0xt2", 0)}
	require.NoError(t, p.processor.tick(ctx))

	cp, ok, err := p.store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(107), cp.LastBlock)
	assert.Equal(t, 2, p.store.TransactionCount())

	// the new transaction is parked for the successor epoch, not accrued
	pending, err := p.store.UnprocessedTransactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xt2", pending[0].TxHash)
	assert.Equal(t, current.Number+1, pending[0].Epoch)

	// accrual resumes once the next epoch opens
	_, err = mgr.StartNewEpoch(ctx, current.Number+1)
	require.NoError(t, err)
	require.NoError(t, p.processor.tick(ctx))

	entry, ok, err := p.store.LedgerEntry(ctx, "0xa11ce", current.Number+1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 12000, entry.StakingPoints, 1e-9)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	rpc := newScriptedRPC(95, 110)
	p := newPipeline(t, rpc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.processor.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
