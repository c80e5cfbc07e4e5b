// Package epoch drives the Open -> Finalizing -> Finalized lifecycle and
// produces immutable snapshots of the points ledger.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/merkle"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/storage"
)

// ErrEpochSequence rejects out-of-order lifecycle calls. Non-retryable: it
// signals an upstream scheduling bug.
var ErrEpochSequence = errors.New("epoch sequence violation")

// DefaultDuration is the epoch length (30 days).
const DefaultDuration = 30 * 24 * time.Hour

// Manager is the epoch state machine. The open/finalizing/finalized state
// lives in a persisted epoch row with CAS-guarded transitions, so multiple
// running instances agree on the current epoch.
type Manager struct {
	store    storage.Store
	duration time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager builds a Manager over the store.
func NewManager(store storage.Store, duration time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Manager{store: store, duration: duration, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// ProposeEpochNumber derives an epoch number from a timestamp. Only a
// proposal: the persisted counter is authoritative once an epoch exists.
func (m *Manager) ProposeEpochNumber(at time.Time) int64 {
	return at.Unix() / int64(m.duration/time.Second)
}

// CurrentEpoch returns the single open epoch, bootstrapping one from the
// time-bucket proposal when the store is empty.
func (m *Manager) CurrentEpoch(ctx context.Context) (model.Epoch, error) {
	current, ok, err := m.store.CurrentEpoch(ctx)
	if err != nil {
		return model.Epoch{}, fmt.Errorf("load current epoch: %w", err)
	}
	if ok {
		return current, nil
	}

	latest, exists, err := m.store.LatestEpoch(ctx)
	if err != nil {
		return model.Epoch{}, fmt.Errorf("load latest epoch: %w", err)
	}
	if exists {
		// every epoch is finalized; the caller must StartNewEpoch explicitly
		return model.Epoch{}, fmt.Errorf("%w: no open epoch after %d", ErrEpochSequence, latest.Number)
	}

	bootstrap := model.Epoch{
		Number:    m.ProposeEpochNumber(m.now()),
		State:     model.EpochOpen,
		StartedAt: m.now(),
	}
	if err := m.store.InsertEpoch(ctx, bootstrap); err != nil {
		return model.Epoch{}, fmt.Errorf("bootstrap epoch: %w", err)
	}
	m.logger.Info("bootstrapped first epoch", zap.Int64("epoch", bootstrap.Number))

	current, ok, err = m.store.CurrentEpoch(ctx)
	if err != nil || !ok {
		return bootstrap, err
	}
	return current, nil
}

// FinalizeEpoch seals the given epoch: accrual is cut off by an exclusive
// compare-and-swap to Finalizing, the ledger is aggregated, the merkle root
// is committed, and the epoch flips to Finalized. Valid only for the current
// open epoch; idempotent: repeating the call returns the existing snapshot.
func (m *Manager) FinalizeEpoch(ctx context.Context, number int64) (model.Snapshot, error) {
	if snapshot, ok, err := m.store.GetSnapshot(ctx, number); err != nil {
		return model.Snapshot{}, fmt.Errorf("lookup snapshot: %w", err)
	} else if ok {
		return snapshot, nil
	}

	target, exists, err := m.store.GetEpoch(ctx, number)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load epoch: %w", err)
	}
	if !exists {
		return model.Snapshot{}, fmt.Errorf("%w: epoch %d does not exist", ErrEpochSequence, number)
	}

	switch target.State {
	case model.EpochOpen:
		swapped, err := m.store.CasEpochState(ctx, number, model.EpochOpen, model.EpochFinalizing)
		if err != nil {
			return model.Snapshot{}, fmt.Errorf("flip to finalizing: %w", err)
		}
		if !swapped {
			// lost the race to another finalizer; fall through and aggregate
			m.logger.Warn("finalizing CAS lost, continuing", zap.Int64("epoch", number))
		}
	case model.EpochFinalizing:
		// crash recovery: resume aggregation
		m.logger.Info("resuming interrupted finalization", zap.Int64("epoch", number))
	default:
		// finalized but snapshot missing would have been caught above
		return model.Snapshot{}, fmt.Errorf("%w: epoch %d is %s", ErrEpochSequence, number, target.State)
	}

	totalPoints, err := m.store.SumEpochPoints(ctx, number)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("sum points: %w", err)
	}
	totalUsers, err := m.store.CountEpochUsers(ctx, number)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("count users: %w", err)
	}

	entries, err := m.store.EpochLedger(ctx, number)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load ledger: %w", err)
	}

	root := ""
	leafCount := 0
	if len(entries) > 0 {
		tree, err := merkle.BuildTree(entries)
		if err != nil {
			return model.Snapshot{}, fmt.Errorf("build merkle tree: %w", err)
		}
		root = tree.Root()
		leafCount = tree.LeafCount()
	}

	finalizedAt := m.now()
	snapshot := model.Snapshot{
		Epoch:       number,
		MerkleRoot:  root,
		LeafCount:   leafCount,
		TotalPoints: totalPoints,
		TotalUsers:  totalUsers,
		CreatedAt:   finalizedAt,
	}
	sealed := model.Epoch{
		Number:      number,
		TotalPoints: totalPoints,
		TotalUsers:  totalUsers,
	}
	if err := m.store.SealEpoch(ctx, sealed, snapshot, finalizedAt); err != nil {
		return model.Snapshot{}, fmt.Errorf("seal epoch: %w", err)
	}

	m.logger.Info("epoch finalized",
		zap.Int64("epoch", number),
		zap.Float64("total_points", totalPoints),
		zap.Int64("total_users", totalUsers),
		zap.String("merkle_root", root))
	return snapshot, nil
}

// StartNewEpoch opens the next epoch. Requires number == previous + 1 and
// the previous epoch already finalized.
func (m *Manager) StartNewEpoch(ctx context.Context, number int64) (model.Epoch, error) {
	latest, exists, err := m.store.LatestEpoch(ctx)
	if err != nil {
		return model.Epoch{}, fmt.Errorf("load latest epoch: %w", err)
	}
	if !exists {
		return model.Epoch{}, fmt.Errorf("%w: no epochs exist, bootstrap via CurrentEpoch", ErrEpochSequence)
	}
	if latest.State != model.EpochFinalized {
		return model.Epoch{}, fmt.Errorf("%w: epoch %d is still %s", ErrEpochSequence, latest.Number, latest.State)
	}
	if number != latest.Number+1 {
		return model.Epoch{}, fmt.Errorf("%w: want %d, got %d", ErrEpochSequence, latest.Number+1, number)
	}

	next := model.Epoch{
		Number:    number,
		State:     model.EpochOpen,
		StartedAt: m.now(),
	}
	if err := m.store.InsertEpoch(ctx, next); err != nil {
		return model.Epoch{}, fmt.Errorf("insert epoch: %w", err)
	}
	m.logger.Info("epoch opened", zap.Int64("epoch", number))
	return next, nil
}

// MerkleProof returns the inclusion proof for one user in a finalized
// epoch's snapshot.
func (m *Manager) MerkleProof(ctx context.Context, epochNumber int64, user string) (merkle.Proof, error) {
	if _, ok, err := m.store.GetSnapshot(ctx, epochNumber); err != nil {
		return merkle.Proof{}, fmt.Errorf("lookup snapshot: %w", err)
	} else if !ok {
		return merkle.Proof{}, fmt.Errorf("epoch %d has no snapshot", epochNumber)
	}

	entries, err := m.store.FinalizedLedger(ctx, epochNumber)
	if err != nil {
		return merkle.Proof{}, fmt.Errorf("load ledger: %w", err)
	}
	tree, err := merkle.BuildTree(entries)
	if err != nil {
		return merkle.Proof{}, err
	}
	proof, ok := tree.Prove(user)
	if !ok {
		return merkle.Proof{}, fmt.Errorf("user %s not in epoch %d snapshot", user, epochNumber)
	}
	proof.Epoch = epochNumber
	return proof, nil
}
