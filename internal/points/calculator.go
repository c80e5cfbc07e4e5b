// Package points converts guarded USD notionals into idempotent ledger
// deltas.
package points

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/priceguard"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/storage"
)

// Per-type accrual rates. A transaction below its minimum USD value earns
// nothing but is still marked processed.
const (
	pointsPerUSDSwap    = 10.0
	minUSDSwap          = 1.0
	pointsPerUSDBridge  = 15.0
	minUSDBridge        = 10.0
	pointsPerUSDBTC     = 25.0
	minUSDBridgeBTC     = 100.0
	pointsPerUSDStake   = 3.0
	minUSDStake         = 1.0
	pointsPerUSDDeposit = 2.0
	minUSDDeposit       = 1.0
)

// ErrNoOpenEpoch is returned when accrual has no open epoch to target. The
// transaction stays unprocessed and accrues once an epoch opens.
var ErrNoOpenEpoch = errors.New("no open epoch")

// Calculator applies point deltas for indexed transactions. Safe to call
// concurrently across transactions; updates to the same (user, epoch) row
// serialize in the store.
type Calculator struct {
	store  storage.Store
	logger *zap.Logger
}

// NewCalculator builds a Calculator.
func NewCalculator(store storage.Store, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{store: store, logger: logger}
}

// Delta computes the points a transaction earns from its guarded USD
// notional. Pure; exposed for reconciliation tooling.
func Delta(txType model.TxType, token string, usdNotional float64) float64 {
	base := priceguard.SanitizePointsUSDBase(usdNotional)
	rate, minUSD := rateFor(txType, token)
	if rate == 0 || base < minUSD {
		return 0
	}
	return base * rate
}

func rateFor(txType model.TxType, token string) (perUSD, minUSD float64) {
	switch txType {
	case model.TxSwap:
		return pointsPerUSDSwap, minUSDSwap
	case model.TxBridge:
		if isBTC(token) {
			return pointsPerUSDBTC, minUSDBridgeBTC
		}
		return pointsPerUSDBridge, minUSDBridge
	case model.TxStake:
		return pointsPerUSDStake, minUSDStake
	case model.TxDeposit:
		return pointsPerUSDDeposit, minUSDDeposit
	default:
		// claims are recorded but earn nothing
		return 0, 0
	}
}

func isBTC(token string) bool {
	switch priceguard.NormalizeSymbol(token) {
	case "BTC", "WBTC":
		return true
	}
	return false
}

// CategoryFor maps a transaction type to its ledger column.
func CategoryFor(txType model.TxType) model.PointsCategory {
	switch txType {
	case model.TxBridge:
		return model.CategoryBridge
	case model.TxStake:
		return model.CategoryStaking
	default:
		return model.CategoryTrading
	}
}

// Accrue applies the transaction's points delta to the current open epoch.
// Redelivery is a no-op via the processed marker. Accrual against a closed
// epoch is a silent no-op: the transaction is re-targeted at the next epoch
// for reconciliation.
func (c *Calculator) Accrue(ctx context.Context, tx model.Transaction) error {
	epoch, ok, err := c.store.CurrentEpoch(ctx)
	if err != nil {
		return fmt.Errorf("current epoch: %w", err)
	}
	if !ok {
		return ErrNoOpenEpoch
	}

	delta := Delta(tx.Type, tx.Token, tx.USDNotional)
	applied, err := c.store.ApplyPoints(ctx, tx.Key(), tx.UserAddress, epoch.Number, CategoryFor(tx.Type), delta)
	if err != nil {
		if errors.Is(err, storage.ErrEpochClosed) {
			if deferErr := c.store.DeferToEpoch(ctx, tx.Key(), epoch.Number+1); deferErr != nil {
				return fmt.Errorf("defer tx to next epoch: %w", deferErr)
			}
			c.logger.Info("accrual raced epoch finalization, deferred",
				zap.String("tx_hash", tx.TxHash), zap.Uint64("log_index", tx.LogIndex),
				zap.Int64("epoch", epoch.Number))
			return nil
		}
		return fmt.Errorf("apply points: %w", err)
	}
	if !applied {
		c.logger.Debug("transaction already processed",
			zap.String("tx_hash", tx.TxHash), zap.Uint64("log_index", tx.LogIndex))
		return nil
	}

	c.logger.Debug("points accrued",
		zap.String("user", tx.UserAddress), zap.Int64("epoch", epoch.Number),
		zap.String("type", string(tx.Type)), zap.Float64("points", delta))
	return nil
}

// ProcessPending accrues transactions awaiting points, oldest first. Covers
// both redelivery after a crash and next-epoch reconciliation of deferred
// transactions.
func (c *Calculator) ProcessPending(ctx context.Context, limit int) (int, error) {
	pending, err := c.store.UnprocessedTransactions(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load pending: %w", err)
	}
	processed := 0
	for _, tx := range pending {
		if err := c.Accrue(ctx, tx); err != nil {
			if errors.Is(err, ErrNoOpenEpoch) {
				// nothing can accrue until an epoch opens; leave the
				// backlog parked for the next pass
				c.logger.Debug("pending accrual parked, no open epoch",
					zap.Int("pending", len(pending)-processed))
				return processed, nil
			}
			return processed, err
		}
		processed++
	}
	return processed, nil
}
