// Package parser decodes raw chain logs into typed domain events.
package parser

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
)

// amountScale is the fixed-point scale of on-chain amounts (18 decimals).
var amountScale = new(big.Float).SetFloat64(1e18)

// DecodeError marks a malformed payload for a known event signature. The
// block processor treats it as a poison pill: skip the log, keep the block.
type DecodeError struct {
	Topic0 string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Topic0, e.Reason)
}

// Parser decodes logs emitted by the protocol contracts. Logs whose topic0
// is not in the signature map are dropped, not failed, so new contract
// events do not break older indexers.
type Parser struct {
	topicToKind map[string]model.EventKind
	logger      *zap.Logger
}

// New builds a Parser with the protocol event signatures registered.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	topicToKind := map[string]model.EventKind{
		eventTopic("SwapExecuted"):    model.EventSwap,
		eventTopic("BridgeInitiated"): model.EventBridge,
		eventTopic("BridgeExecuted"):  model.EventBridge,
		eventTopic("Staked"):          model.EventStake,
		eventTopic("RewardsClaimed"):  model.EventClaim,
		eventTopic("RewardClaimed"):   model.EventClaim,
		eventTopic("Deposited"):       model.EventDeposit,
	}
	return &Parser{topicToKind: topicToKind, logger: logger}
}

// eventTopic derives the topic hash for a protocol event name.
func eventTopic(name string) string {
	return strings.ToLower(crypto.Keccak256Hash([]byte(name)).Hex())
}

// CanDecode reports whether topic0 belongs to a known signature.
func (p *Parser) CanDecode(topic0 string) bool {
	_, ok := p.topicToKind[strings.ToLower(topic0)]
	return ok
}

// Parse decodes one log. Returns (nil, nil) for unrecognized signatures and
// a *DecodeError for malformed payloads of known ones.
func (p *Parser) Parse(log model.RawLog) (*model.DomainEvent, error) {
	if len(log.Topics) == 0 {
		p.logger.Debug("log without topics dropped",
			zap.String("tx_hash", log.TxHash), zap.Uint64("log_index", log.LogIndex))
		return nil, nil
	}
	topic0 := strings.ToLower(log.Topics[0])
	kind, ok := p.topicToKind[topic0]
	if !ok {
		p.logger.Debug("unrecognized event signature dropped",
			zap.String("topic0", topic0), zap.String("tx_hash", log.TxHash))
		return nil, nil
	}

	var (
		event *model.DomainEvent
		err   error
	)
	switch kind {
	case model.EventSwap:
		event, err = p.parseSwap(log)
	case model.EventBridge:
		event, err = p.parseBridge(log, topic0)
	default:
		event, err = p.parseSimple(log, kind)
	}
	if err != nil {
		return nil, &DecodeError{Topic0: topic0, Reason: err.Error()}
	}

	event.Kind = kind
	event.TxHash = log.TxHash
	event.LogIndex = log.LogIndex
	event.Contract = NormalizeAddress(log.Contract)
	event.User = NormalizeAddress(event.User)
	return event, nil
}

// Swap payload: user in topics[1], data = [amount_in, token_in, token_out, amount_out].
// Older contracts emit everything in data: [user, token_in, token_out, amount_in, amount_out].
func (p *Parser) parseSwap(log model.RawLog) (*model.DomainEvent, error) {
	if len(log.Topics) > 1 {
		if len(log.Data) < 4 {
			return nil, fmt.Errorf("swap payload has %d words, want 4", len(log.Data))
		}
		amountIn, err := parseAmount(log.Data[0])
		if err != nil {
			return nil, err
		}
		amountOut, err := parseAmount(log.Data[3])
		if err != nil {
			return nil, err
		}
		return &model.DomainEvent{
			User:      log.Topics[1],
			Token:     parseSymbol(log.Data[1]),
			TokenOut:  parseSymbol(log.Data[2]),
			Amount:    amountIn,
			AmountOut: amountOut,
		}, nil
	}

	if len(log.Data) < 5 {
		return nil, fmt.Errorf("swap payload has %d words, want 5", len(log.Data))
	}
	amountIn, err := parseAmount(log.Data[3])
	if err != nil {
		return nil, err
	}
	amountOut, err := parseAmount(log.Data[4])
	if err != nil {
		return nil, err
	}
	return &model.DomainEvent{
		User:      log.Data[0],
		Token:     parseSymbol(log.Data[1]),
		TokenOut:  parseSymbol(log.Data[2]),
		Amount:    amountIn,
		AmountOut: amountOut,
	}, nil
}

// BridgeInitiated carries the user in data[1]; BridgeExecuted indexes it in
// topics[1]. Both follow with [amount, token].
func (p *Parser) parseBridge(log model.RawLog, topic0 string) (*model.DomainEvent, error) {
	if topic0 == eventTopic("BridgeInitiated") {
		if len(log.Data) < 3 {
			return nil, fmt.Errorf("bridge payload has %d words, want 3", len(log.Data))
		}
		amount, err := parseAmount(log.Data[0])
		if err != nil {
			return nil, err
		}
		return &model.DomainEvent{
			User:   log.Data[1],
			Token:  parseSymbol(log.Data[2]),
			Amount: amount,
		}, nil
	}

	user, rest, err := userAndData(log)
	if err != nil {
		return nil, err
	}
	if len(rest) < 2 {
		return nil, fmt.Errorf("bridge payload has %d words, want 2", len(rest))
	}
	amount, err := parseAmount(rest[0])
	if err != nil {
		return nil, err
	}
	return &model.DomainEvent{User: user, Token: parseSymbol(rest[1]), Amount: amount}, nil
}

// Stake, claim and deposit share the [amount, token] payload shape.
func (p *Parser) parseSimple(log model.RawLog, kind model.EventKind) (*model.DomainEvent, error) {
	user, rest, err := userAndData(log)
	if err != nil {
		return nil, err
	}
	if len(rest) < 2 {
		return nil, fmt.Errorf("%s payload has %d words, want 2", kind, len(rest))
	}
	amount, err := parseAmount(rest[0])
	if err != nil {
		return nil, err
	}
	return &model.DomainEvent{User: user, Token: parseSymbol(rest[1]), Amount: amount}, nil
}

// userAndData resolves the user from topics[1] when indexed, or data[0]
// otherwise, and returns the remaining payload words.
func userAndData(log model.RawLog) (string, []string, error) {
	if len(log.Topics) > 1 {
		return log.Topics[1], log.Data, nil
	}
	if len(log.Data) == 0 {
		return "", nil, fmt.Errorf("missing user word")
	}
	return log.Data[0], log.Data[1:], nil
}

// parseAmount converts a hex word into token units at the 18-decimal scale.
func parseAmount(word string) (float64, error) {
	raw, ok := new(big.Int).SetString(strings.TrimPrefix(strings.TrimSpace(word), "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("invalid amount word: %s", word)
	}
	units, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), amountScale).Float64()
	return units, nil
}

// parseSymbol decodes a short-string token symbol from a hex word. Words
// that do not decode to printable ASCII are kept verbatim so the price
// guard's fallback path still applies.
func parseSymbol(word string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(word), "0x")
	if trimmed == "" {
		return ""
	}
	if len(trimmed)%2 == 1 {
		trimmed = "0" + trimmed
	}
	raw, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return word
	}
	text := raw.Bytes()
	for _, b := range text {
		if b < 0x20 || b > 0x7e {
			return word
		}
	}
	if len(text) == 0 {
		return word
	}
	return string(text)
}

// NormalizeAddress canonicalizes an address to lowercase hex with a single
// 0x prefix. Idempotent: NormalizeAddress(NormalizeAddress(x)) == NormalizeAddress(x).
func NormalizeAddress(address string) string {
	trimmed := strings.ToLower(strings.TrimSpace(address))
	for strings.HasPrefix(trimmed, "0x") {
		trimmed = trimmed[2:]
	}
	return "0x" + trimmed
}
