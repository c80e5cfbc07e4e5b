// Package memory provides a mutex-guarded Store used as the deterministic
// fake behind the test suite.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/storage"
)

type ledgerKey struct {
	user  string
	epoch int64
}

// Store keeps the full data model in maps. All operations take the single
// mutex, which gives the same atomic-unit semantics as a database
// transaction.
type Store struct {
	mu sync.Mutex

	checkpoint    *model.Checkpoint
	transactions  map[model.TxKey]*model.Transaction
	txOrder       []model.TxKey
	ledger        map[ledgerKey]*model.PointsLedgerEntry
	epochs        map[int64]*model.Epoch
	snapshots     map[int64]*model.Snapshot
	decodeFailers []model.DecodeFailure
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		transactions: make(map[model.TxKey]*model.Transaction),
		ledger:       make(map[ledgerKey]*model.PointsLedgerEntry),
		epochs:       make(map[int64]*model.Epoch),
		snapshots:    make(map[int64]*model.Snapshot),
	}
}

func (s *Store) LoadCheckpoint(ctx context.Context) (model.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint == nil {
		return model.Checkpoint{}, false, nil
	}
	return *s.checkpoint, true, nil
}

func (s *Store) CommitBlock(ctx context.Context, txs []model.Transaction, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		key := tx.Key()
		if _, exists := s.transactions[key]; exists {
			continue
		}
		stored := tx
		s.transactions[key] = &stored
		s.txOrder = append(s.txOrder, key)
	}
	saved := cp
	s.checkpoint = &saved
	return nil
}

func (s *Store) RollbackToHeight(ctx context.Context, height uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.txOrder[:0]
	for _, key := range s.txOrder {
		tx := s.transactions[key]
		if tx.BlockNumber <= height {
			kept = append(kept, key)
			continue
		}
		if tx.Processed {
			s.reversePoints(tx)
		}
		delete(s.transactions, key)
		removed++
	}
	s.txOrder = kept

	s.checkpoint = &model.Checkpoint{LastBlock: height, UpdatedAt: time.Now().UTC()}
	return removed, nil
}

func (s *Store) reversePoints(tx *model.Transaction) {
	entry, ok := s.ledger[ledgerKey{user: tx.UserAddress, epoch: tx.Epoch}]
	if !ok || entry.Finalized {
		return
	}
	switch categoryFor(tx.Type) {
	case model.CategoryBridge:
		entry.BridgePoints -= tx.PointsEarned
	case model.CategoryStaking:
		entry.StakingPoints -= tx.PointsEarned
	default:
		entry.TradingPoints -= tx.PointsEarned
	}
	entry.TotalPoints -= tx.PointsEarned
}

func categoryFor(txType model.TxType) model.PointsCategory {
	switch txType {
	case model.TxBridge:
		return model.CategoryBridge
	case model.TxStake:
		return model.CategoryStaking
	default:
		return model.CategoryTrading
	}
}

func (s *Store) UnprocessedTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Transaction, 0, limit)
	for _, key := range s.txOrder {
		tx := s.transactions[key]
		if tx.Processed {
			continue
		}
		out = append(out, *tx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ApplyPoints(ctx context.Context, key model.TxKey, user string, epoch int64, category model.PointsCategory, delta float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[key]
	if !ok || tx.Processed {
		return false, nil
	}
	ep, ok := s.epochs[epoch]
	if !ok || ep.State != model.EpochOpen {
		return false, storage.ErrEpochClosed
	}

	tx.Processed = true
	tx.PointsEarned = delta
	tx.Epoch = epoch

	entry := s.ledgerEntryLocked(user, epoch)
	switch category {
	case model.CategoryBridge:
		entry.BridgePoints += delta
	case model.CategoryStaking:
		entry.StakingPoints += delta
	default:
		entry.TradingPoints += delta
	}
	entry.TotalPoints += delta
	entry.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) ledgerEntryLocked(user string, epoch int64) *model.PointsLedgerEntry {
	key := ledgerKey{user: user, epoch: epoch}
	entry, ok := s.ledger[key]
	if !ok {
		entry = &model.PointsLedgerEntry{UserAddress: user, Epoch: epoch}
		s.ledger[key] = entry
	}
	return entry
}

func (s *Store) DeferToEpoch(ctx context.Context, key model.TxKey, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.transactions[key]; ok && !tx.Processed {
		tx.Epoch = epoch
	}
	return nil
}

func (s *Store) CurrentEpoch(ctx context.Context) (model.Epoch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, epoch := range s.epochs {
		if epoch.State == model.EpochOpen {
			return *epoch, true, nil
		}
	}
	return model.Epoch{}, false, nil
}

func (s *Store) LatestEpoch(ctx context.Context) (model.Epoch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Epoch
	for _, epoch := range s.epochs {
		if latest == nil || epoch.Number > latest.Number {
			latest = epoch
		}
	}
	if latest == nil {
		return model.Epoch{}, false, nil
	}
	return *latest, true, nil
}

func (s *Store) GetEpoch(ctx context.Context, number int64) (model.Epoch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch, ok := s.epochs[number]
	if !ok {
		return model.Epoch{}, false, nil
	}
	return *epoch, true, nil
}

func (s *Store) InsertEpoch(ctx context.Context, epoch model.Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.epochs[epoch.Number]; exists {
		return nil
	}
	stored := epoch
	s.epochs[epoch.Number] = &stored
	return nil
}

func (s *Store) CasEpochState(ctx context.Context, number int64, from, to model.EpochState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch, ok := s.epochs[number]
	if !ok || epoch.State != from {
		return false, nil
	}
	epoch.State = to
	return true, nil
}

func (s *Store) SealEpoch(ctx context.Context, epoch model.Epoch, snapshot model.Snapshot, finalizedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.epochs[epoch.Number]
	if !ok {
		return nil
	}
	for key, entry := range s.ledger {
		if key.epoch == epoch.Number {
			entry.Finalized = true
		}
	}
	stored.State = model.EpochFinalized
	stored.TotalPoints = epoch.TotalPoints
	stored.TotalUsers = epoch.TotalUsers
	at := finalizedAt
	stored.FinalizedAt = &at

	snap := snapshot
	s.snapshots[snapshot.Epoch] = &snap
	return nil
}

func (s *Store) SumEpochPoints(ctx context.Context, epoch int64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for key, entry := range s.ledger {
		if key.epoch == epoch {
			sum += entry.TotalPoints
		}
	}
	return sum, nil
}

func (s *Store) CountEpochUsers(ctx context.Context, epoch int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for key, entry := range s.ledger {
		// zero-point rows (claim-only users) carry no merkle leaf and do
		// not count toward the snapshot totals
		if key.epoch == epoch && entry.TotalPoints > 0 {
			count++
		}
	}
	return count, nil
}

func (s *Store) GetSnapshot(ctx context.Context, epoch int64) (model.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[epoch]
	if !ok {
		return model.Snapshot{}, false, nil
	}
	return *snapshot, true, nil
}

func (s *Store) LedgerEntry(ctx context.Context, user string, epoch int64) (model.PointsLedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.ledger[ledgerKey{user: user, epoch: epoch}]
	if !ok {
		return model.PointsLedgerEntry{}, false, nil
	}
	return *entry, true, nil
}

func (s *Store) FinalizedLedger(ctx context.Context, epoch int64) ([]model.PointsLedgerEntry, error) {
	return s.ledgerForEpoch(epoch, true), nil
}

func (s *Store) EpochLedger(ctx context.Context, epoch int64) ([]model.PointsLedgerEntry, error) {
	return s.ledgerForEpoch(epoch, false), nil
}

func (s *Store) ledgerForEpoch(epoch int64, finalizedOnly bool) []model.PointsLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PointsLedgerEntry, 0)
	for key, entry := range s.ledger {
		if key.epoch != epoch || entry.TotalPoints <= 0 {
			continue
		}
		if finalizedOnly && !entry.Finalized {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserAddress < out[j].UserAddress })
	return out
}

func (s *Store) RecordDecodeFailure(ctx context.Context, failure model.DecodeFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decodeFailers = append(s.decodeFailers, failure)
	return nil
}

// DecodeFailures returns the recorded poison-pill audit entries.
func (s *Store) DecodeFailures() []model.DecodeFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DecodeFailure, len(s.decodeFailers))
	copy(out, s.decodeFailers)
	return out
}

// TransactionCount reports how many transactions are stored; used by tests.
func (s *Store) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}
