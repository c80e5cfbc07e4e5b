// Package indexer runs the sequential, checkpointed loop turning confirmed
// blocks into persisted transactions and point accruals.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/chain"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/epoch"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/metrics"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/parser"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/points"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/pricefeed"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/priceguard"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/storage"
)

// Config holds runtime settings for the processor.
type Config struct {
	StartBlock    uint64
	Confirmations uint64
	PollInterval  time.Duration
	PendingBatch  int
}

// Processor is the sole writer of the checkpoint. Blocks are processed
// strictly in ascending order; block N+1 never begins before block N's
// commit completes.
type Processor struct {
	cfg     Config
	chain   *chain.Client
	parser  *parser.Parser
	store   storage.Store
	epochs  *epoch.Manager
	calc    *points.Calculator
	feed    pricefeed.Source
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewProcessor builds a Processor with its dependencies.
func NewProcessor(cfg Config, chainClient *chain.Client, eventParser *parser.Parser,
	store storage.Store, epochs *epoch.Manager, calc *points.Calculator,
	feed pricefeed.Source, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PendingBatch <= 0 {
		cfg.PendingBatch = 200
	}
	return &Processor{
		cfg:     cfg,
		chain:   chainClient,
		parser:  eventParser,
		store:   store,
		epochs:  epochs,
		calc:    calc,
		feed:    feed,
		metrics: m,
		logger:  logger,
	}
}

// Run executes the indexing loop until the context is cancelled. Shutdown
// is graceful: the loop stops only between blocks, never mid-commit.
// Transient node failures degrade to a retry on the next tick; they never
// crash the loop.
func (p *Processor) Run(ctx context.Context) error {
	if p.chain == nil || p.store == nil {
		return fmt.Errorf("processor dependencies are nil")
	}

	for {
		if err := p.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("indexer tick failed", zap.Error(err))
		}

		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// tick ingests every confirmed block past the checkpoint, then retries
// transactions still awaiting accrual. Ingestion never waits on the epoch
// lifecycle: with no open epoch, blocks still commit and their transactions
// park unprocessed until the next epoch opens.
func (p *Processor) tick(ctx context.Context) error {
	epochNumber, err := p.targetEpoch(ctx)
	if err != nil {
		return fmt.Errorf("target epoch: %w", err)
	}

	confirmed, err := p.chain.ConfirmedHeight(ctx)
	if err != nil {
		if errors.Is(err, chain.ErrNodeUnavailable) {
			p.metrics.RPCError()
			p.logger.Warn("node unavailable, degraded until next tick", zap.Error(err))
			return nil
		}
		return err
	}
	p.metrics.ObservedHead(p.chain.Head())

	from := p.cfg.StartBlock
	if cp, ok, err := p.store.LoadCheckpoint(ctx); err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	} else if ok && cp.LastBlock+1 > from {
		from = cp.LastBlock + 1
	}

	for number := from; number <= confirmed; number++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.processBlock(ctx, number, epochNumber); err != nil {
			var reorg *chain.ReorgError
			switch {
			case errors.As(err, &reorg):
				return p.handleReorg(ctx, reorg)
			case errors.Is(err, chain.ErrNodeUnavailable):
				p.metrics.RPCError()
				p.logger.Warn("node unavailable mid-range, degraded until next tick",
					zap.Uint64("block", number), zap.Error(err))
				return nil
			default:
				return fmt.Errorf("process block %d: %w", number, err)
			}
		}
	}

	if _, err := p.calc.ProcessPending(ctx, p.cfg.PendingBatch); err != nil {
		p.logger.Warn("pending accrual pass failed", zap.Error(err))
	}
	return nil
}

// targetEpoch resolves the provisional epoch stamp for new transactions: the
// open epoch, or its successor number while finalization has closed one epoch
// and the next is not yet started. ApplyPoints assigns the definitive epoch.
func (p *Processor) targetEpoch(ctx context.Context) (int64, error) {
	current, err := p.epochs.CurrentEpoch(ctx)
	if err == nil {
		return current.Number, nil
	}
	if errors.Is(err, epoch.ErrEpochSequence) {
		latest, ok, lerr := p.store.LatestEpoch(ctx)
		if lerr != nil {
			return 0, fmt.Errorf("latest epoch: %w", lerr)
		}
		if ok {
			return latest.Number + 1, nil
		}
	}
	return 0, err
}

// processBlock parses one block's logs, derives transactions, and commits
// them together with the advanced checkpoint in one atomic unit. Accrual
// runs synchronously after the commit; the processed marker makes any
// redelivery idempotent.
func (p *Processor) processBlock(ctx context.Context, number uint64, epochNumber int64) error {
	block, err := p.chain.FetchBlock(ctx, number)
	if err != nil {
		return err
	}

	var lastLogIndex uint64
	txs := make([]model.Transaction, 0, len(block.Logs))
	for _, log := range block.Logs {
		if log.LogIndex > lastLogIndex {
			lastLogIndex = log.LogIndex
		}
		event, err := p.parser.Parse(log)
		if err != nil {
			var decodeErr *parser.DecodeError
			if errors.As(err, &decodeErr) {
				// poison pill: skip the log, keep the block
				p.metrics.DecodeFailure()
				failure := model.DecodeFailure{
					BlockNumber: number,
					TxHash:      log.TxHash,
					LogIndex:    log.LogIndex,
					Contract:    log.Contract,
					Topic0:      decodeErr.Topic0,
					Reason:      decodeErr.Reason,
				}
				if recordErr := p.store.RecordDecodeFailure(ctx, failure); recordErr != nil {
					p.logger.Warn("decode failure not recorded", zap.Error(recordErr))
				}
				p.logger.Warn("malformed payload for known signature skipped",
					zap.Uint64("block", number), zap.String("tx_hash", log.TxHash),
					zap.Uint64("log_index", log.LogIndex), zap.String("reason", decodeErr.Reason))
				continue
			}
			return err
		}
		if event == nil {
			continue
		}
		event.BlockNumber = number
		txs = append(txs, p.buildTransaction(ctx, *event, epochNumber))
	}

	cp := model.Checkpoint{LastBlock: number, LastLogIndex: lastLogIndex, UpdatedAt: time.Now().UTC()}
	if err := p.store.CommitBlock(ctx, txs, cp); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	p.metrics.BlockProcessed()
	p.metrics.EventsDecoded(len(txs))
	p.logger.Info("block committed",
		zap.Uint64("block", number), zap.Int("transactions", len(txs)))

	for _, tx := range txs {
		if err := p.calc.Accrue(ctx, tx); err != nil {
			if errors.Is(err, points.ErrNoOpenEpoch) {
				p.logger.Info("no open epoch, transactions parked for next-epoch reconciliation",
					zap.Uint64("block", number), zap.Int("transactions", len(txs)))
				break
			}
			// the pending pass retries; at-least-once with idempotent apply
			p.logger.Warn("accrual deferred to pending pass",
				zap.String("tx_hash", tx.TxHash), zap.Error(err))
			continue
		}
		p.metrics.PointsAccrued()
	}
	return nil
}

// buildTransaction values a domain event through the guarded oracle and
// normalizes it into the persisted form.
func (p *Processor) buildTransaction(ctx context.Context, event model.DomainEvent, epochNumber int64) model.Transaction {
	var notional float64
	if price, ok := pricefeed.Resolve(ctx, p.feed, event.Token); ok {
		notional = priceguard.SanitizeUSDNotional(event.Amount * price)
	}

	return model.Transaction{
		TxHash:      event.TxHash,
		LogIndex:    event.LogIndex,
		BlockNumber: event.BlockNumber,
		UserAddress: event.User,
		Type:        txTypeFor(event.Kind),
		Token:       priceguard.NormalizeSymbol(event.Token),
		USDNotional: notional,
		Epoch:       epochNumber,
		CreatedAt:   time.Now().UTC(),
	}
}

func txTypeFor(kind model.EventKind) model.TxType {
	switch kind {
	case model.EventSwap:
		return model.TxSwap
	case model.EventBridge:
		return model.TxBridge
	case model.EventStake:
		return model.TxStake
	case model.EventClaim:
		return model.TxClaim
	default:
		return model.TxDeposit
	}
}

// handleReorg rolls the checkpoint back to confirmation-depth blocks below
// the last height still agreeing with the canonical chain, deletes the
// transactions above it, and reverses their point deltas. Re-ingestion
// resumes from the rolled-back checkpoint on the next tick.
func (p *Processor) handleReorg(ctx context.Context, reorg *chain.ReorgError) error {
	safeHeight := reorg.Height
	if safeHeight > 0 {
		safeHeight--
	}
	target := uint64(0)
	if safeHeight > p.cfg.Confirmations {
		target = safeHeight - p.cfg.Confirmations
	}

	removed, err := p.store.RollbackToHeight(ctx, target)
	if err != nil {
		return fmt.Errorf("rollback to %d: %w", target, err)
	}
	p.chain.Forget(target)
	p.metrics.ReorgHandled()
	p.logger.Warn("reorg rolled back",
		zap.Uint64("divergent_height", reorg.Height),
		zap.Uint64("rolled_back_to", target),
		zap.Int("transactions_removed", removed),
		zap.String("old_hash", reorg.OldHash),
		zap.String("new_hash", reorg.NewHash))
	return nil
}
