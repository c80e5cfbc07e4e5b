package model

import "time"

// TxType classifies an indexed transaction for points accrual.
type TxType string

const (
	TxSwap    TxType = "swap"
	TxBridge  TxType = "bridge"
	TxStake   TxType = "stake"
	TxClaim   TxType = "claim"
	TxDeposit TxType = "deposit"
)

// Transaction is an indexed on-chain action, unique per (tx_hash, log_index).
// Immutable once written; PointsEarned and Processed are set by the point
// calculator after accrual.
type Transaction struct {
	TxHash       string    `json:"tx_hash"`
	LogIndex     uint64    `json:"log_index"`
	BlockNumber  uint64    `json:"block_number"`
	UserAddress  string    `json:"user_address"`
	Type         TxType    `json:"type"`
	Token        string    `json:"token"`
	USDNotional  float64   `json:"usd_notional"`
	Epoch        int64     `json:"epoch"`
	PointsEarned float64   `json:"points_earned"`
	Processed    bool      `json:"processed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key returns the unique identity of the transaction.
func (t Transaction) Key() TxKey {
	return TxKey{TxHash: t.TxHash, LogIndex: t.LogIndex}
}

// TxKey identifies a transaction by its origin log.
type TxKey struct {
	TxHash   string
	LogIndex uint64
}
