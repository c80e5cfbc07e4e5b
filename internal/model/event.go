package model

// EventKind tags a decoded domain event variant.
type EventKind string

const (
	EventSwap    EventKind = "Swap"
	EventBridge  EventKind = "Bridge"
	EventStake   EventKind = "Stake"
	EventClaim   EventKind = "Claim"
	EventDeposit EventKind = "Deposit"
)

// DomainEvent is a decoded on-chain log. Ephemeral: produced by the parser
// and consumed immediately by the block processor.
type DomainEvent struct {
	Kind        EventKind `json:"kind"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint64    `json:"log_index"`
	Contract    string    `json:"contract"`
	User        string    `json:"user"`
	Token       string    `json:"token"`
	TokenOut    string    `json:"token_out,omitempty"`
	Amount      float64   `json:"amount"`
	AmountOut   float64   `json:"amount_out,omitempty"`
}

// RawLog is a chain log prior to decoding. Data holds the raw 32-byte word
// payload as hex strings, in emission order.
type RawLog struct {
	Contract string   `json:"contract"`
	Topics   []string `json:"topics"`
	Data     []string `json:"data"`
	TxHash   string   `json:"tx_hash"`
	LogIndex uint64   `json:"log_index"`
}

// RawBlock is a confirmed block with its logs, as returned by the chain client.
type RawBlock struct {
	Number    uint64   `json:"number"`
	Hash      string   `json:"hash"`
	Timestamp uint64   `json:"timestamp"`
	Logs      []RawLog `json:"logs"`
}

// DecodeFailure records a malformed payload for a known signature, kept for
// audit while the rest of the block continues processing.
type DecodeFailure struct {
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Contract    string `json:"contract"`
	Topic0      string `json:"topic0"`
	Reason      string `json:"reason"`
}
