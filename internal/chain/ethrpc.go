package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
)

// EthRPC adapts a go-ethereum client to the RPC interface.
type EthRPC struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
}

// DialEthRPC connects to a node over the given URL.
func DialEthRPC(ctx context.Context, rpcURL string) (*EthRPC, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return &EthRPC{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
	}, nil
}

// Close closes the underlying RPC connection.
func (e *EthRPC) Close() {
	if e.rpcClient != nil {
		e.rpcClient.Close()
	}
}

// LatestBlockNumber returns the node's current head height.
func (e *EthRPC) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return e.ethClient.BlockNumber(ctx)
}

// HeaderByNumber returns the header at the given height.
func (e *EthRPC) HeaderByNumber(ctx context.Context, number uint64) (Header, error) {
	header, err := e.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return Header{}, err
	}
	if !header.Number.IsUint64() {
		return Header{}, fmt.Errorf("header number does not fit in uint64: %s", header.Number)
	}
	return Header{
		Number:     header.Number.Uint64(),
		Hash:       strings.ToLower(header.Hash().Hex()),
		ParentHash: strings.ToLower(header.ParentHash.Hex()),
		Time:       header.Time,
	}, nil
}

// BlockLogs returns all logs of one block, with data split into 32-byte
// words.
func (e *EthRPC) BlockLogs(ctx context.Context, number uint64) ([]model.RawLog, error) {
	logs, err := e.ethClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(number),
		ToBlock:   new(big.Int).SetUint64(number),
	})
	if err != nil {
		return nil, err
	}

	records := make([]model.RawLog, 0, len(logs))
	for _, log := range logs {
		topics := make([]string, 0, len(log.Topics))
		for _, topic := range log.Topics {
			topics = append(topics, strings.ToLower(topic.Hex()))
		}
		records = append(records, model.RawLog{
			Contract: strings.ToLower(log.Address.Hex()),
			Topics:   topics,
			Data:     splitWords(log.Data),
			TxHash:   strings.ToLower(log.TxHash.Hex()),
			LogIndex: uint64(log.Index),
		})
	}
	return records, nil
}

// splitWords chops a log payload into 0x-prefixed 32-byte words.
func splitWords(data []byte) []string {
	words := make([]string, 0, (len(data)+31)/32)
	for start := 0; start < len(data); start += 32 {
		end := start + 32
		if end > len(data) {
			end = len(data)
		}
		words = append(words, "0x"+hex.EncodeToString(data[start:end]))
	}
	return words
}
