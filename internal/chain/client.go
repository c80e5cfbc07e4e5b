// Package chain polls a node for confirmed blocks and watches for
// reorganizations of previously observed heights.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
)

// ErrNodeUnavailable is returned once the retry budget for an RPC call is
// exhausted.
var ErrNodeUnavailable = errors.New("chain node unavailable")

// ReorgError signals that a previously observed block hash no longer matches
// the canonical chain at that height.
type ReorgError struct {
	Height  uint64
	OldHash string
	NewHash string
}

func (e *ReorgError) Error() string {
	return fmt.Sprintf("reorg detected at height %d: had %s, chain reports %s", e.Height, e.OldHash, e.NewHash)
}

// Header is the subset of a block header the indexer needs.
type Header struct {
	Number     uint64
	Hash       string
	ParentHash string
	Time       uint64
}

// RPC is the read-only node surface consumed by the client. Implementations
// wrap a real node connection or a deterministic test fake.
type RPC interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number uint64) (Header, error)
	BlockLogs(ctx context.Context, number uint64) ([]model.RawLog, error)
}

// Config bounds the client's retry budget and confirmation depth.
type Config struct {
	Confirmations   uint64
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
}

// Client serves confirmed blocks beyond the configured depth and keeps an
// in-memory record of recently observed hashes for reorg comparison. It has
// no persisted state of its own.
type Client struct {
	rpc    RPC
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	seen map[uint64]string
	head uint64
}

// NewClient builds a Client over the given RPC.
func NewClient(rpc RPC, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = 30 * time.Second
	}
	return &Client{
		rpc:    rpc,
		cfg:    cfg,
		logger: logger,
		seen:   make(map[uint64]string),
	}
}

// Head returns the last observed chain head. Safe for concurrent reads by
// health checks; the indexing loop is the sole writer.
func (c *Client) Head() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// ConfirmedHeight returns the highest height with at least the configured
// number of confirmations.
func (c *Client) ConfirmedHeight(ctx context.Context) (uint64, error) {
	var latest uint64
	err := c.withRetry(ctx, "latest block number", func(ctx context.Context) error {
		var err error
		latest, err = c.rpc.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.head = latest
	c.mu.Unlock()

	if latest < c.cfg.Confirmations {
		return 0, nil
	}
	return latest - c.cfg.Confirmations, nil
}

// FetchBlock returns the confirmed block at the given height. It compares
// the canonical hash against previously observed hashes for this height and
// its parent; a mismatch fails with *ReorgError.
func (c *Client) FetchBlock(ctx context.Context, number uint64) (model.RawBlock, error) {
	var header Header
	err := c.withRetry(ctx, "header", func(ctx context.Context) error {
		var err error
		header, err = c.rpc.HeaderByNumber(ctx, number)
		return err
	})
	if err != nil {
		return model.RawBlock{}, err
	}

	if err := c.checkReorg(number, header); err != nil {
		return model.RawBlock{}, err
	}

	var logs []model.RawLog
	err = c.withRetry(ctx, "block logs", func(ctx context.Context) error {
		var err error
		logs, err = c.rpc.BlockLogs(ctx, number)
		return err
	})
	if err != nil {
		return model.RawBlock{}, err
	}

	c.mu.Lock()
	c.seen[number] = header.Hash
	// keep the window of remembered hashes bounded
	if prune, ok := safeSub(number, 4*c.cfg.Confirmations+64); ok {
		delete(c.seen, prune)
	}
	c.mu.Unlock()

	return model.RawBlock{
		Number:    header.Number,
		Hash:      header.Hash,
		Timestamp: header.Time,
		Logs:      logs,
	}, nil
}

// Forget drops remembered hashes above the given height after a rollback so
// re-ingestion of the canonical branch starts clean.
func (c *Client) Forget(above uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for height := range c.seen {
		if height > above {
			delete(c.seen, height)
		}
	}
}

func (c *Client) checkReorg(number uint64, header Header) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if prev, ok := c.seen[number]; ok && prev != header.Hash {
		return &ReorgError{Height: number, OldHash: prev, NewHash: header.Hash}
	}
	if number > 0 {
		if parent, ok := c.seen[number-1]; ok && parent != header.ParentHash {
			return &ReorgError{Height: number - 1, OldHash: parent, NewHash: header.ParentHash}
		}
	}
	return nil
}

// withRetry runs fn under bounded exponential backoff and maps exhaustion to
// ErrNodeUnavailable. Context cancellation passes through unchanged.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInitial
	policy.MaxElapsedTime = c.cfg.RetryMaxElapsed

	err := backoff.Retry(func() error {
		if err := fn(ctx); err != nil {
			c.logger.Warn("rpc call failed", zap.String("op", op), zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w (%v)", op, ErrNodeUnavailable, err)
	}
	return nil
}

func safeSub(a, b uint64) (uint64, bool) {
	if a < b {
		return 0, false
	}
	return a - b, true
}
