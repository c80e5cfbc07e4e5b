package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
)

// fakeRPC serves a scripted chain. Headers are keyed by height; fail makes
// calls error, either forever or for the first failUntil calls.
type fakeRPC struct {
	latest    uint64
	headers   map[uint64]Header
	logs      map[uint64][]model.RawLog
	fail      error
	failUntil int
	calls     int
}

func (f *fakeRPC) errNow() error {
	f.calls++
	if f.fail == nil {
		return nil
	}
	if f.failUntil > 0 && f.calls > f.failUntil {
		return nil
	}
	return f.fail
}

func (f *fakeRPC) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := f.errNow(); err != nil {
		return 0, err
	}
	return f.latest, nil
}

func (f *fakeRPC) HeaderByNumber(ctx context.Context, number uint64) (Header, error) {
	if err := f.errNow(); err != nil {
		return Header{}, err
	}
	header, ok := f.headers[number]
	if !ok {
		return Header{}, fmt.Errorf("no header at %d", number)
	}
	return header, nil
}

func (f *fakeRPC) BlockLogs(ctx context.Context, number uint64) ([]model.RawLog, error) {
	if err := f.errNow(); err != nil {
		return nil, err
	}
	return f.logs[number], nil
}

func scriptedChain(from, to uint64) *fakeRPC {
	rpc := &fakeRPC{
		latest:  to,
		headers: make(map[uint64]Header),
		logs:    make(map[uint64][]model.RawLog),
	}
	for n := from; n <= to; n++ {
		rpc.headers[n] = Header{
			Number:     n,
			Hash:       fmt.Sprintf("0xhash%d", n),
			ParentHash: fmt.Sprintf("0xhash%d", n-1),
			Time:       1700000000 + n*12,
		}
	}
	return rpc
}

func fastRetry() Config {
	return Config{
		Confirmations:   5,
		RetryInitial:    time.Millisecond,
		RetryMaxElapsed: 20 * time.Millisecond,
	}
}

func TestConfirmedHeight(t *testing.T) {
	rpc := scriptedChain(90, 120)
	client := NewClient(rpc, fastRetry(), zap.NewNop())

	height, err := client.ConfirmedHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(115), height)
	assert.Equal(t, uint64(120), client.Head())
}

func TestConfirmedHeightShortChain(t *testing.T) {
	rpc := scriptedChain(0, 3)
	client := NewClient(rpc, fastRetry(), zap.NewNop())

	height, err := client.ConfirmedHeight(context.Background())
	require.NoError(t, err)
	assert.Zero(t, height)
}

func TestFetchBlockSequence(t *testing.T) {
	rpc := scriptedChain(90, 120)
	rpc.logs[100] = []model.RawLog{{TxHash: "0xt1", LogIndex: 0}}
	client := NewClient(rpc, fastRetry(), zap.NewNop())
	ctx := context.Background()

	for n := uint64(99); n <= 101; n++ {
		block, err := client.FetchBlock(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, n, block.Number)
		assert.Equal(t, fmt.Sprintf("0xhash%d", n), block.Hash)
	}

	block, err := client.FetchBlock(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, rpc.logs[100], len(block.Logs))
}

func TestFetchBlockDetectsSameHeightReorg(t *testing.T) {
	rpc := scriptedChain(90, 120)
	client := NewClient(rpc, fastRetry(), zap.NewNop())
	ctx := context.Background()

	_, err := client.FetchBlock(ctx, 100)
	require.NoError(t, err)

	// the chain replaces block 100
	rpc.headers[100] = Header{Number: 100, Hash: "0xother100", ParentHash: "0xhash99"}
	_, err = client.FetchBlock(ctx, 100)

	var reorg *ReorgError
	require.ErrorAs(t, err, &reorg)
	assert.Equal(t, uint64(100), reorg.Height)
	assert.Equal(t, "0xhash100", reorg.OldHash)
	assert.Equal(t, "0xother100", reorg.NewHash)
}

func TestFetchBlockDetectsParentMismatch(t *testing.T) {
	rpc := scriptedChain(90, 120)
	client := NewClient(rpc, fastRetry(), zap.NewNop())
	ctx := context.Background()

	_, err := client.FetchBlock(ctx, 100)
	require.NoError(t, err)

	// block 101 claims a different parent, so 100 was replaced
	rpc.headers[101] = Header{Number: 101, Hash: "0xhash101", ParentHash: "0xother100"}
	_, err = client.FetchBlock(ctx, 101)

	var reorg *ReorgError
	require.ErrorAs(t, err, &reorg)
	assert.Equal(t, uint64(100), reorg.Height)
}

func TestForgetClearsReorgedHashes(t *testing.T) {
	rpc := scriptedChain(90, 120)
	client := NewClient(rpc, fastRetry(), zap.NewNop())
	ctx := context.Background()

	_, err := client.FetchBlock(ctx, 100)
	require.NoError(t, err)

	rpc.headers[100] = Header{Number: 100, Hash: "0xother100", ParentHash: "0xhash99"}
	_, err = client.FetchBlock(ctx, 100)
	require.Error(t, err)

	// after the rollback the replacement block ingests cleanly
	client.Forget(99)
	block, err := client.FetchBlock(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "0xother100", block.Hash)
}

func TestRetryExhaustionMapsToNodeUnavailable(t *testing.T) {
	rpc := scriptedChain(90, 120)
	rpc.fail = errors.New("connection refused")
	client := NewClient(rpc, fastRetry(), zap.NewNop())

	_, err := client.ConfirmedHeight(context.Background())
	assert.ErrorIs(t, err, ErrNodeUnavailable)
	assert.Greater(t, rpc.calls, 1, "expected at least one retry")
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	rpc := scriptedChain(90, 120)
	client := NewClient(rpc, fastRetry(), zap.NewNop())

	rpc.fail = errors.New("i/o timeout")
	rpc.failUntil = 2

	height, err := client.ConfirmedHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(115), height)
}

func TestContextCancellationPassesThrough(t *testing.T) {
	rpc := scriptedChain(90, 120)
	rpc.fail = errors.New("connection refused")
	client := NewClient(rpc, fastRetry(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ConfirmedHeight(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
