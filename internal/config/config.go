package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL          string
	PGDSN           string
	StartBlock      uint64
	Confirmations   uint64
	PollInterval    time.Duration
	EpochDuration   time.Duration
	PendingBatch    int
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
	HealthAddr      string
	LogLevel        string
	// StaticPrices seeds the offline price source: symbol -> USD sample.
	StaticPrices map[string]float64
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POINTSD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("confirmations", uint64(6))
	v.SetDefault("poll-interval", 10*time.Second)
	v.SetDefault("epoch-duration", 720*time.Hour)
	v.SetDefault("pending-batch", 200)
	v.SetDefault("retry-initial", 500*time.Millisecond)
	v.SetDefault("retry-max-elapsed", 30*time.Second)
	v.SetDefault("health-addr", ":8090")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	prices, err := getPriceMap(v, "prices")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:          v.GetString("rpc"),
		PGDSN:           v.GetString("pg-dsn"),
		StartBlock:      v.GetUint64("start-block"),
		Confirmations:   v.GetUint64("confirmations"),
		PollInterval:    v.GetDuration("poll-interval"),
		EpochDuration:   v.GetDuration("epoch-duration"),
		PendingBatch:    v.GetInt("pending-batch"),
		RetryInitial:    v.GetDuration("retry-initial"),
		RetryMaxElapsed: v.GetDuration("retry-max-elapsed"),
		HealthAddr:      v.GetString("health-addr"),
		LogLevel:        v.GetString("log-level"),
		StaticPrices:    prices,
	}

	return cfg, nil
}

// getPriceMap reads a symbol->price map from "SYM=1.0,SYM2=2.0" strings or a
// config-file table.
func getPriceMap(v *viper.Viper, key string) (map[string]float64, error) {
	if !v.IsSet(key) {
		return nil, nil
	}

	out := make(map[string]float64)
	switch typed := v.Get(key).(type) {
	case map[string]interface{}:
		for symbol, value := range typed {
			price, err := toFloat(value)
			if err != nil {
				return nil, fmt.Errorf("price for %s: %w", symbol, err)
			}
			out[strings.ToUpper(symbol)] = price
		}
	case string:
		for _, pair := range strings.Split(typed, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("invalid price entry: %s", pair)
			}
			price, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if err != nil {
				return nil, fmt.Errorf("price for %s: %w", parts[0], err)
			}
			out[strings.ToUpper(strings.TrimSpace(parts[0]))] = price
		}
	default:
		return nil, fmt.Errorf("unsupported prices format")
	}
	return out, nil
}

func toFloat(value interface{}) (float64, error) {
	switch typed := value.(type) {
	case float64:
		return typed, nil
	case int:
		return float64(typed), nil
	case string:
		return strconv.ParseFloat(typed, 64)
	default:
		return 0, fmt.Errorf("unsupported value %v", value)
	}
}
