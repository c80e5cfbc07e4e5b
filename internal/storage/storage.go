// Package storage defines the persistence contract shared by the indexer,
// point calculator and epoch manager.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
)

// ErrEpochClosed is returned by ApplyPoints when the target epoch is no
// longer open. Accrual racing a finalization is rejected, never lost: the
// caller re-targets the transaction at the next epoch.
var ErrEpochClosed = errors.New("epoch not open for accrual")

// Store is the relational persistence surface. All multi-row mutations are
// atomic: a crash mid-operation never leaves partial state.
type Store interface {
	// LoadCheckpoint returns the ingestion cursor, if one was ever written.
	LoadCheckpoint(ctx context.Context) (model.Checkpoint, bool, error)

	// CommitBlock persists a block's transactions together with the advanced
	// checkpoint in one atomic unit. Duplicate (tx_hash, log_index) inserts
	// are idempotent no-ops.
	CommitBlock(ctx context.Context, txs []model.Transaction, cp model.Checkpoint) error

	// RollbackToHeight deletes transactions above the given height, reverses
	// the point deltas they applied, and rewinds the checkpoint, atomically.
	// Returns the number of transactions removed.
	RollbackToHeight(ctx context.Context, height uint64) (int, error)

	// UnprocessedTransactions returns transactions still awaiting accrual,
	// oldest first.
	UnprocessedTransactions(ctx context.Context, limit int) ([]model.Transaction, error)

	// ApplyPoints atomically claims the transaction's processed marker and
	// applies the delta to the (user, epoch) ledger row. Returns false when
	// the marker was already claimed (redelivery), ErrEpochClosed when the
	// epoch no longer accepts accrual; neither mutates anything.
	ApplyPoints(ctx context.Context, key model.TxKey, user string, epoch int64, category model.PointsCategory, delta float64) (bool, error)

	// DeferToEpoch re-targets an unprocessed transaction at a later epoch for
	// next-epoch reconciliation.
	DeferToEpoch(ctx context.Context, key model.TxKey, epoch int64) error

	// Epoch lifecycle.
	CurrentEpoch(ctx context.Context) (model.Epoch, bool, error)
	LatestEpoch(ctx context.Context) (model.Epoch, bool, error)
	GetEpoch(ctx context.Context, number int64) (model.Epoch, bool, error)
	InsertEpoch(ctx context.Context, epoch model.Epoch) error
	// CasEpochState transitions an epoch's state; returns false when the
	// current state does not match from.
	CasEpochState(ctx context.Context, number int64, from, to model.EpochState) (bool, error)
	// SealEpoch finalizes the ledger rows of an epoch and stamps its totals,
	// atomically with the snapshot insert.
	SealEpoch(ctx context.Context, epoch model.Epoch, snapshot model.Snapshot, finalizedAt time.Time) error

	// Aggregation over the epoch's ledger. CountEpochUsers counts only users
	// holding positive points, so snapshot totals match the merkle leaf set.
	SumEpochPoints(ctx context.Context, epoch int64) (float64, error)
	CountEpochUsers(ctx context.Context, epoch int64) (int64, error)

	// Lookups exposed to collaborators.
	GetSnapshot(ctx context.Context, epoch int64) (model.Snapshot, bool, error)
	LedgerEntry(ctx context.Context, user string, epoch int64) (model.PointsLedgerEntry, bool, error)
	// FinalizedLedger returns a finalized epoch's entries with positive
	// points, sorted by normalized user address.
	FinalizedLedger(ctx context.Context, epoch int64) ([]model.PointsLedgerEntry, error)
	// EpochLedger is FinalizedLedger without the finalized filter; used
	// while an epoch is sealing and its rows are stable but not yet flagged.
	EpochLedger(ctx context.Context, epoch int64) ([]model.PointsLedgerEntry, error)

	// RecordDecodeFailure keeps a poison-pill log for audit.
	RecordDecodeFailure(ctx context.Context, failure model.DecodeFailure) error
}
