package points

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/storage/memory"
)

func TestDeltaRates(t *testing.T) {
	tests := []struct {
		name     string
		txType   model.TxType
		token    string
		notional float64
		want     float64
	}{
		{name: "swap earns 10 per usd", txType: model.TxSwap, token: "ETH", notional: 100, want: 1000},
		{name: "swap below minimum", txType: model.TxSwap, token: "ETH", notional: 0.5, want: 0},
		{name: "bridge earns 15 per usd", txType: model.TxBridge, token: "ETH", notional: 100, want: 1500},
		{name: "bridge below minimum", txType: model.TxBridge, token: "ETH", notional: 9, want: 0},
		{name: "btc bridge earns 25 per usd", txType: model.TxBridge, token: "BTC", notional: 200, want: 5000},
		{name: "wbtc aliases btc", txType: model.TxBridge, token: "WBTC", notional: 200, want: 5000},
		{name: "btc bridge below minimum", txType: model.TxBridge, token: "BTC", notional: 99, want: 0},
		{name: "stake earns 3 per usd", txType: model.TxStake, token: "CAREL", notional: 10, want: 30},
		{name: "deposit earns 2 per usd", txType: model.TxDeposit, token: "USDT", notional: 50, want: 100},
		{name: "claim earns nothing", txType: model.TxClaim, token: "CAREL", notional: 1000, want: 0},
		{name: "negative notional earns nothing", txType: model.TxSwap, token: "ETH", notional: -5, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Delta(tt.txType, tt.token, tt.notional), 1e-9)
		})
	}
}

func TestDeltaCapsOversizedNotional(t *testing.T) {
	// the per-tx points base is capped before the rate applies
	assert.InDelta(t, 1e5*10, Delta(model.TxSwap, "ETH", 5e7), 1e-9)
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, model.CategoryTrading, CategoryFor(model.TxSwap))
	assert.Equal(t, model.CategoryTrading, CategoryFor(model.TxDeposit))
	assert.Equal(t, model.CategoryBridge, CategoryFor(model.TxBridge))
	assert.Equal(t, model.CategoryStaking, CategoryFor(model.TxStake))
}

func openEpoch(t *testing.T, store *memory.Store, number int64) {
	t.Helper()
	require.NoError(t, store.InsertEpoch(context.Background(), model.Epoch{Number: number, State: model.EpochOpen}))
}

func commitTx(t *testing.T, store *memory.Store, tx model.Transaction) {
	t.Helper()
	require.NoError(t, store.CommitBlock(context.Background(),
		[]model.Transaction{tx}, model.Checkpoint{LastBlock: tx.BlockNumber}))
}

func TestAccrueUpdatesLedger(t *testing.T) {
	store := memory.New()
	openEpoch(t, store, 7)
	calc := NewCalculator(store, zap.NewNop())
	ctx := context.Background()

	tx := model.Transaction{TxHash: "0xtx1", BlockNumber: 10, UserAddress: "0xa11ce", Type: model.TxSwap, Token: "ETH", USDNotional: 100}
	commitTx(t, store, tx)
	require.NoError(t, calc.Accrue(ctx, tx))

	entry, ok, err := store.LedgerEntry(ctx, "0xa11ce", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1000, entry.TradingPoints, 1e-9)
	assert.InDelta(t, 1000, entry.TotalPoints, 1e-9)
}

func TestAccrueRedeliveryIsNoop(t *testing.T) {
	store := memory.New()
	openEpoch(t, store, 7)
	calc := NewCalculator(store, zap.NewNop())
	ctx := context.Background()

	tx := model.Transaction{TxHash: "0xtx1", BlockNumber: 10, UserAddress: "0xa11ce", Type: model.TxSwap, Token: "ETH", USDNotional: 100}
	commitTx(t, store, tx)
	require.NoError(t, calc.Accrue(ctx, tx))
	require.NoError(t, calc.Accrue(ctx, tx))

	entry, _, err := store.LedgerEntry(ctx, "0xa11ce", 7)
	require.NoError(t, err)
	assert.InDelta(t, 1000, entry.TotalPoints, 1e-9)
}

// staleEpochStore reports a fixed current epoch regardless of its state,
// reproducing the read-then-finalize race against ApplyPoints.
type staleEpochStore struct {
	*memory.Store
	current model.Epoch
}

func (s *staleEpochStore) CurrentEpoch(ctx context.Context) (model.Epoch, bool, error) {
	return s.current, true, nil
}

func TestAccrueAgainstClosedEpochDefers(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	require.NoError(t, inner.InsertEpoch(ctx, model.Epoch{Number: 7, State: model.EpochOpen}))

	store := &staleEpochStore{Store: inner, current: model.Epoch{Number: 7, State: model.EpochOpen}}
	calc := NewCalculator(store, zap.NewNop())
	tx := model.Transaction{TxHash: "0xtx1", BlockNumber: 10, UserAddress: "0xa11ce", Type: model.TxSwap, Token: "ETH", USDNotional: 100}
	commitTx(t, inner, tx)

	// the epoch flips to finalizing between the current-epoch read and the
	// write; ApplyPoints rejects and the tx is parked for the next epoch
	swapped, err := inner.CasEpochState(ctx, 7, model.EpochOpen, model.EpochFinalizing)
	require.NoError(t, err)
	require.True(t, swapped)

	require.NoError(t, calc.Accrue(ctx, tx))

	// nothing accrued against the closed epoch
	_, ok, err := inner.LedgerEntry(ctx, "0xa11ce", 7)
	require.NoError(t, err)
	assert.False(t, ok)

	// the transaction now targets epoch 8 and drains once it opens
	require.NoError(t, inner.InsertEpoch(ctx, model.Epoch{Number: 8, State: model.EpochOpen}))
	drain := NewCalculator(inner, zap.NewNop())
	processed, err := drain.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	entry, ok, err := inner.LedgerEntry(ctx, "0xa11ce", 8)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1000, entry.TotalPoints, 1e-9)
}

func TestAccrueWithoutOpenEpoch(t *testing.T) {
	store := memory.New() // no epochs at all
	calc := NewCalculator(store, zap.NewNop())
	ctx := context.Background()

	tx := model.Transaction{TxHash: "0xtx1", BlockNumber: 10, UserAddress: "0xa11ce", Type: model.TxSwap, Token: "ETH", USDNotional: 100}
	commitTx(t, store, tx)

	assert.ErrorIs(t, calc.Accrue(ctx, tx), ErrNoOpenEpoch)

	// the pending pass parks the backlog instead of failing
	processed, err := calc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, processed)

	// the transaction is still there once an epoch opens
	openEpoch(t, store, 7)
	processed, err = calc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
}

func TestProcessPendingDrainsBacklog(t *testing.T) {
	store := memory.New()
	openEpoch(t, store, 7)
	calc := NewCalculator(store, zap.NewNop())
	ctx := context.Background()

	for i, hash := range []string{"0xtx1", "0xtx2", "0xtx3"} {
		commitTx(t, store, model.Transaction{
			TxHash: hash, BlockNumber: uint64(10 + i),
			UserAddress: "0xa11ce", Type: model.TxStake, Token: "CAREL", USDNotional: 10,
		})
	}

	processed, err := calc.ProcessPending(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	entry, _, err := store.LedgerEntry(ctx, "0xa11ce", 7)
	require.NoError(t, err)
	assert.InDelta(t, 90, entry.StakingPoints, 1e-9)

	// backlog drained, nothing left
	processed, err = calc.ProcessPending(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, processed)
}
