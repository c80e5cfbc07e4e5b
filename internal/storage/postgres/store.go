// Package postgres implements the storage contract on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
  source          TEXT PRIMARY KEY,
  last_block      BIGINT NOT NULL,
  last_log_index  BIGINT NOT NULL DEFAULT 0,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
  tx_hash        TEXT NOT NULL,
  log_index      BIGINT NOT NULL,
  block_number   BIGINT NOT NULL,
  user_address   TEXT NOT NULL,
  tx_type        TEXT NOT NULL,
  token          TEXT NOT NULL DEFAULT '',
  usd_notional   DOUBLE PRECISION NOT NULL DEFAULT 0,
  epoch          BIGINT NOT NULL,
  points_earned  DOUBLE PRECISION NOT NULL DEFAULT 0,
  processed      BOOLEAN NOT NULL DEFAULT false,
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS idx_transactions_block ON transactions (block_number);
CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions (created_at) WHERE processed = false;

CREATE TABLE IF NOT EXISTS points (
  user_address    TEXT NOT NULL,
  epoch           BIGINT NOT NULL,
  trading_points  DOUBLE PRECISION NOT NULL DEFAULT 0,
  bridge_points   DOUBLE PRECISION NOT NULL DEFAULT 0,
  staking_points  DOUBLE PRECISION NOT NULL DEFAULT 0,
  total_points    DOUBLE PRECISION NOT NULL DEFAULT 0,
  finalized       BOOLEAN NOT NULL DEFAULT false,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user_address, epoch)
);

CREATE TABLE IF NOT EXISTS epochs (
  number        BIGINT PRIMARY KEY,
  state         TEXT NOT NULL,
  started_at    TIMESTAMPTZ NOT NULL,
  finalized_at  TIMESTAMPTZ,
  total_points  DOUBLE PRECISION NOT NULL DEFAULT 0,
  total_users   BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS snapshots (
  epoch         BIGINT PRIMARY KEY REFERENCES epochs (number),
  merkle_root   TEXT NOT NULL,
  leaf_count    INT NOT NULL,
  total_points  DOUBLE PRECISION NOT NULL,
  total_users   BIGINT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS decode_failures (
  id            BIGSERIAL PRIMARY KEY,
  block_number  BIGINT NOT NULL,
  tx_hash       TEXT NOT NULL,
  log_index     BIGINT NOT NULL,
  contract      TEXT NOT NULL,
  topic0        TEXT NOT NULL,
  reason        TEXT NOT NULL,
  recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// checkpointSource names the singleton cursor row for this indexed chain.
const checkpointSource = "default"

// Store provides Postgres persistence for the points pipeline.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to Postgres and runs minimal schema setup.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) LoadCheckpoint(ctx context.Context) (model.Checkpoint, bool, error) {
	var cp model.Checkpoint
	row := s.pool.QueryRow(ctx, `
		SELECT last_block, last_log_index, updated_at FROM checkpoints WHERE source=$1
	`, checkpointSource)
	if err := row.Scan(&cp.LastBlock, &cp.LastLogIndex, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *Store) CommitBlock(ctx context.Context, txs []model.Transaction, cp model.Checkpoint) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, t := range txs {
			_, err := tx.Exec(ctx, `
				INSERT INTO transactions (
					tx_hash, log_index, block_number, user_address, tx_type,
					token, usd_notional, epoch, created_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
				ON CONFLICT (tx_hash, log_index) DO NOTHING
			`, t.TxHash, int64(t.LogIndex), int64(t.BlockNumber), t.UserAddress,
				string(t.Type), t.Token, t.USDNotional, t.Epoch)
			if err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO checkpoints (source, last_block, last_log_index, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (source) DO UPDATE
			SET last_block = EXCLUDED.last_block,
			    last_log_index = EXCLUDED.last_log_index,
			    updated_at = now()
		`, checkpointSource, int64(cp.LastBlock), int64(cp.LastLogIndex))
		return err
	})
}

func (s *Store) RollbackToHeight(ctx context.Context, height uint64) (int, error) {
	removed := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT tx_hash, log_index, user_address, tx_type, epoch, points_earned
			FROM transactions
			WHERE block_number > $1 AND processed = true
			FOR UPDATE
		`, int64(height))
		if err != nil {
			return err
		}
		type reversal struct {
			user   string
			txType model.TxType
			epoch  int64
			points float64
		}
		reversals := make([]reversal, 0)
		for rows.Next() {
			var (
				hash     string
				logIndex int64
				rev      reversal
				txType   string
			)
			if err := rows.Scan(&hash, &logIndex, &rev.user, &txType, &rev.epoch, &rev.points); err != nil {
				rows.Close()
				return err
			}
			rev.txType = model.TxType(txType)
			reversals = append(reversals, rev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, rev := range reversals {
			column := categoryColumn(rev.txType)
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				UPDATE points
				SET %s = %s - $1, total_points = total_points - $1, updated_at = now()
				WHERE user_address = $2 AND epoch = $3 AND finalized = false
			`, column, column), rev.points, rev.user, rev.epoch)
			if err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `DELETE FROM transactions WHERE block_number > $1`, int64(height))
		if err != nil {
			return err
		}
		removed = int(tag.RowsAffected())

		_, err = tx.Exec(ctx, `
			INSERT INTO checkpoints (source, last_block, last_log_index, updated_at)
			VALUES ($1, $2, 0, now())
			ON CONFLICT (source) DO UPDATE
			SET last_block = EXCLUDED.last_block, last_log_index = 0, updated_at = now()
		`, checkpointSource, int64(height))
		return err
	})
	return removed, err
}

func categoryColumn(txType model.TxType) string {
	switch txType {
	case model.TxBridge:
		return "bridge_points"
	case model.TxStake:
		return "staking_points"
	default:
		return "trading_points"
	}
}

func (s *Store) UnprocessedTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, log_index, block_number, user_address, tx_type, token,
		       usd_notional, epoch, points_earned, processed, created_at
		FROM transactions
		WHERE processed = false
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Transaction, 0, limit)
	for rows.Next() {
		var (
			t        model.Transaction
			logIndex int64
			blockNum int64
			txType   string
		)
		if err := rows.Scan(&t.TxHash, &logIndex, &blockNum, &t.UserAddress, &txType,
			&t.Token, &t.USDNotional, &t.Epoch, &t.PointsEarned, &t.Processed, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.LogIndex = uint64(logIndex)
		t.BlockNumber = uint64(blockNum)
		t.Type = model.TxType(txType)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ApplyPoints(ctx context.Context, key model.TxKey, user string, epoch int64, category model.PointsCategory, delta float64) (bool, error) {
	applied := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var state string
		row := tx.QueryRow(ctx, `SELECT state FROM epochs WHERE number=$1 FOR SHARE`, epoch)
		if err := row.Scan(&state); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return storage.ErrEpochClosed
			}
			return err
		}
		if model.EpochState(state) != model.EpochOpen {
			return storage.ErrEpochClosed
		}

		tag, err := tx.Exec(ctx, `
			UPDATE transactions
			SET processed = true, points_earned = $3, epoch = $4
			WHERE tx_hash = $1 AND log_index = $2 AND processed = false
		`, key.TxHash, int64(key.LogIndex), delta, epoch)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		var column string
		switch category {
		case model.CategoryStaking:
			column = "staking_points"
		case model.CategoryBridge:
			column = "bridge_points"
		default:
			column = "trading_points"
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO points (user_address, epoch, %s, total_points, updated_at)
			VALUES ($1, $2, $3, $3, now())
			ON CONFLICT (user_address, epoch) DO UPDATE
			SET %s = points.%s + EXCLUDED.%s,
			    total_points = points.total_points + EXCLUDED.total_points,
			    updated_at = now()
		`, column, column, column, column), user, epoch, delta)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Store) DeferToEpoch(ctx context.Context, key model.TxKey, epoch int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE transactions SET epoch = $3
		WHERE tx_hash = $1 AND log_index = $2 AND processed = false
	`, key.TxHash, int64(key.LogIndex), epoch)
	return err
}

func (s *Store) CurrentEpoch(ctx context.Context) (model.Epoch, bool, error) {
	return s.scanEpoch(s.pool.QueryRow(ctx, `
		SELECT number, state, started_at, finalized_at, total_points, total_users
		FROM epochs WHERE state = $1
	`, string(model.EpochOpen)))
}

func (s *Store) LatestEpoch(ctx context.Context) (model.Epoch, bool, error) {
	return s.scanEpoch(s.pool.QueryRow(ctx, `
		SELECT number, state, started_at, finalized_at, total_points, total_users
		FROM epochs ORDER BY number DESC LIMIT 1
	`))
}

func (s *Store) GetEpoch(ctx context.Context, number int64) (model.Epoch, bool, error) {
	return s.scanEpoch(s.pool.QueryRow(ctx, `
		SELECT number, state, started_at, finalized_at, total_points, total_users
		FROM epochs WHERE number = $1
	`, number))
}

func (s *Store) scanEpoch(row pgx.Row) (model.Epoch, bool, error) {
	var (
		epoch model.Epoch
		state string
	)
	err := row.Scan(&epoch.Number, &state, &epoch.StartedAt, &epoch.FinalizedAt,
		&epoch.TotalPoints, &epoch.TotalUsers)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Epoch{}, false, nil
		}
		return model.Epoch{}, false, err
	}
	epoch.State = model.EpochState(state)
	return epoch, true, nil
}

func (s *Store) InsertEpoch(ctx context.Context, epoch model.Epoch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO epochs (number, state, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (number) DO NOTHING
	`, epoch.Number, string(epoch.State), epoch.StartedAt)
	return err
}

func (s *Store) CasEpochState(ctx context.Context, number int64, from, to model.EpochState) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE epochs SET state = $3 WHERE number = $1 AND state = $2
	`, number, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SealEpoch(ctx context.Context, epoch model.Epoch, snapshot model.Snapshot, finalizedAt time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE points SET finalized = true WHERE epoch = $1
		`, epoch.Number); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE epochs
			SET state = $2, total_points = $3, total_users = $4, finalized_at = $5
			WHERE number = $1
		`, epoch.Number, string(model.EpochFinalized), epoch.TotalPoints, epoch.TotalUsers, finalizedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO snapshots (epoch, merkle_root, leaf_count, total_points, total_users, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (epoch) DO NOTHING
		`, snapshot.Epoch, snapshot.MerkleRoot, snapshot.LeafCount,
			snapshot.TotalPoints, snapshot.TotalUsers, snapshot.CreatedAt)
		return err
	})
}

func (s *Store) SumEpochPoints(ctx context.Context, epoch int64) (float64, error) {
	var sum *float64
	row := s.pool.QueryRow(ctx, `SELECT SUM(total_points) FROM points WHERE epoch = $1`, epoch)
	if err := row.Scan(&sum); err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

func (s *Store) CountEpochUsers(ctx context.Context, epoch int64) (int64, error) {
	var count int64
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT user_address) FROM points
		WHERE epoch = $1 AND total_points > 0
	`, epoch)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) GetSnapshot(ctx context.Context, epoch int64) (model.Snapshot, bool, error) {
	var snapshot model.Snapshot
	row := s.pool.QueryRow(ctx, `
		SELECT epoch, merkle_root, leaf_count, total_points, total_users, created_at
		FROM snapshots WHERE epoch = $1
	`, epoch)
	err := row.Scan(&snapshot.Epoch, &snapshot.MerkleRoot, &snapshot.LeafCount,
		&snapshot.TotalPoints, &snapshot.TotalUsers, &snapshot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Snapshot{}, false, nil
		}
		return model.Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *Store) LedgerEntry(ctx context.Context, user string, epoch int64) (model.PointsLedgerEntry, bool, error) {
	var entry model.PointsLedgerEntry
	row := s.pool.QueryRow(ctx, `
		SELECT user_address, epoch, trading_points, bridge_points, staking_points,
		       total_points, finalized, updated_at
		FROM points WHERE user_address = $1 AND epoch = $2
	`, user, epoch)
	err := row.Scan(&entry.UserAddress, &entry.Epoch, &entry.TradingPoints,
		&entry.BridgePoints, &entry.StakingPoints, &entry.TotalPoints,
		&entry.Finalized, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PointsLedgerEntry{}, false, nil
		}
		return model.PointsLedgerEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) FinalizedLedger(ctx context.Context, epoch int64) ([]model.PointsLedgerEntry, error) {
	return s.ledgerForEpoch(ctx, epoch, true)
}

func (s *Store) EpochLedger(ctx context.Context, epoch int64) ([]model.PointsLedgerEntry, error) {
	return s.ledgerForEpoch(ctx, epoch, false)
}

func (s *Store) ledgerForEpoch(ctx context.Context, epoch int64, finalizedOnly bool) ([]model.PointsLedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_address, epoch, trading_points, bridge_points, staking_points,
		       total_points, finalized, updated_at
		FROM points
		WHERE epoch = $1 AND total_points > 0 AND (finalized = true OR $2 = false)
		ORDER BY user_address ASC
	`, epoch, finalizedOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.PointsLedgerEntry, 0)
	for rows.Next() {
		var entry model.PointsLedgerEntry
		if err := rows.Scan(&entry.UserAddress, &entry.Epoch, &entry.TradingPoints,
			&entry.BridgePoints, &entry.StakingPoints, &entry.TotalPoints,
			&entry.Finalized, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) RecordDecodeFailure(ctx context.Context, failure model.DecodeFailure) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO decode_failures (block_number, tx_hash, log_index, contract, topic0, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, int64(failure.BlockNumber), failure.TxHash, int64(failure.LogIndex),
		failure.Contract, failure.Topic0, failure.Reason)
	return err
}
