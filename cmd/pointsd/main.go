package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/chain"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/config"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/epoch"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/health"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/indexer"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/metrics"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/parser"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/points"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/pricefeed"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "pointsd",
		Short:        "Event indexer and points accrual daemon",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("rpc", "", "chain RPC URL")
	root.PersistentFlags().String("pg-dsn", "", "Postgres DSN")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the indexing and accrual loop",
		RunE:  runDaemon,
	}
	runCmd.Flags().Uint64("start-block", 0, "first block to index (ignored once a checkpoint exists)")
	runCmd.Flags().Uint64("confirmations", 6, "confirmation depth before a block is ingested")
	runCmd.Flags().Duration("poll-interval", 10*time.Second, "delay between indexing ticks")
	runCmd.Flags().Duration("epoch-duration", 720*time.Hour, "epoch length")
	runCmd.Flags().Int("pending-batch", 200, "pending transactions per accrual pass")
	runCmd.Flags().Duration("retry-initial", 500*time.Millisecond, "initial RPC retry backoff")
	runCmd.Flags().Duration("retry-max-elapsed", 30*time.Second, "total RPC retry budget")
	runCmd.Flags().String("health-addr", ":8090", "health and metrics listen address")
	runCmd.Flags().String("prices", "", "static price samples (SYM=1.0,SYM2=2.0)")
	root.AddCommand(runCmd)

	finalizeCmd := &cobra.Command{
		Use:   "finalize <epoch>",
		Short: "Finalize an epoch into an immutable snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runFinalize,
	}
	finalizeCmd.Flags().Bool("start-next", false, "open the next epoch after finalizing")
	finalizeCmd.Flags().Duration("epoch-duration", 720*time.Hour, "epoch length")
	root.AddCommand(finalizeCmd)

	proofCmd := &cobra.Command{
		Use:   "proof <epoch> <user>",
		Short: "Print the merkle inclusion proof for a user",
		Args:  cobra.ExactArgs(2),
		RunE:  runProof,
	}
	root.AddCommand(proofCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	rpc, err := chain.DialEthRPC(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer rpc.Close()

	chainClient := chain.NewClient(rpc, chain.Config{
		Confirmations:   cfg.Confirmations,
		RetryInitial:    cfg.RetryInitial,
		RetryMaxElapsed: cfg.RetryMaxElapsed,
	}, logger)

	m := metrics.Init()
	feed := staticFeed(cfg.StaticPrices)
	epochs := epoch.NewManager(store, cfg.EpochDuration, logger)
	calc := points.NewCalculator(store, logger)
	eventParser := parser.New(logger)

	processor := indexer.NewProcessor(indexer.Config{
		StartBlock:    cfg.StartBlock,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollInterval,
		PendingBatch:  cfg.PendingBatch,
	}, chainClient, eventParser, store, epochs, calc, feed, m, logger)

	healthSrv := health.Serve(cfg.HealthAddr, health.Checker{
		DBPing: store.Ping,
		RPCPing: func(ctx context.Context) error {
			_, err := rpc.LatestBlockNumber(ctx)
			return err
		},
		Head: chainClient.Head,
	}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx, healthSrv)
	}()

	logger.Info("pointsd start",
		zap.String("rpc", cfg.RPCURL),
		zap.Uint64("start_block", cfg.StartBlock),
		zap.Uint64("confirmations", cfg.Confirmations),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("epoch_duration", cfg.EpochDuration),
		zap.String("health_addr", cfg.HealthAddr),
	)

	return processor.Run(ctx)
}

func runFinalize(cmd *cobra.Command, args []string) error {
	number, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid epoch number: %s", args[0])
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	epochs := epoch.NewManager(store, cfg.EpochDuration, logger)
	snapshot, err := epochs.FinalizeEpoch(ctx, number)
	if err != nil {
		return err
	}
	printJSON(snapshot)

	if startNext, _ := cmd.Flags().GetBool("start-next"); startNext {
		next, err := epochs.StartNewEpoch(ctx, number+1)
		if err != nil {
			return err
		}
		printJSON(next)
	}
	return nil
}

func runProof(cmd *cobra.Command, args []string) error {
	number, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid epoch number: %s", args[0])
	}
	user := args[1]

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	epochs := epoch.NewManager(store, cfg.EpochDuration, logger)
	proof, err := epochs.MerkleProof(ctx, number, user)
	if err != nil {
		return err
	}
	printJSON(proof)
	return nil
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func staticFeed(prices map[string]float64) pricefeed.Source {
	samples := make(map[string][]float64, len(prices))
	for symbol, price := range prices {
		samples[symbol] = []float64{price}
	}
	return pricefeed.NewStatic(samples)
}

func printJSON(value any) {
	data, _ := json.MarshalIndent(value, "", "  ")
	fmt.Println(string(data))
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
