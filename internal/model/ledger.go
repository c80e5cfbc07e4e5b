package model

import "time"

// PointsCategory selects the ledger column a delta applies to.
type PointsCategory string

const (
	CategoryTrading PointsCategory = "trading"
	CategoryBridge  PointsCategory = "bridge"
	CategoryStaking PointsCategory = "staking"
)

// PointsLedgerEntry is the per-user running total for one epoch.
// Additive upsert while the epoch is open; read-only after finalization.
type PointsLedgerEntry struct {
	UserAddress   string    `json:"user_address"`
	Epoch         int64     `json:"epoch"`
	TradingPoints float64   `json:"trading_points"`
	BridgePoints  float64   `json:"bridge_points"`
	StakingPoints float64   `json:"staking_points"`
	TotalPoints   float64   `json:"total_points"`
	Finalized     bool      `json:"finalized"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EpochState is the lifecycle phase of an epoch. Transitions are one-way:
// Open -> Finalizing -> Finalized.
type EpochState string

const (
	EpochOpen       EpochState = "open"
	EpochFinalizing EpochState = "finalizing"
	EpochFinalized  EpochState = "finalized"
)

// Epoch is a fixed-duration accounting period. Exactly one epoch is open at
// a time and numbers are strictly increasing.
type Epoch struct {
	Number      int64      `json:"number"`
	State       EpochState `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	TotalPoints float64    `json:"total_points"`
	TotalUsers  int64      `json:"total_users"`
}

// Snapshot is the immutable record of a finalized epoch, committed to by a
// merkle root.
type Snapshot struct {
	Epoch       int64     `json:"epoch"`
	MerkleRoot  string    `json:"merkle_root"`
	LeafCount   int       `json:"leaf_count"`
	TotalPoints float64   `json:"total_points"`
	TotalUsers  int64     `json:"total_users"`
	CreatedAt   time.Time `json:"created_at"`
}

// Checkpoint marks the last fully ingested chain position for one source.
// Monotonic outside of reorg rollback.
type Checkpoint struct {
	LastBlock    uint64    `json:"last_block"`
	LastLogIndex uint64    `json:"last_log_index"`
	UpdatedAt    time.Time `json:"updated_at"`
}
