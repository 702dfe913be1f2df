// Package config loads the per-network historical sync configuration: a
// TOML file with environment-variable overrides, via a koanf-based loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// Network holds everything historical.Config and the adapter constructors
// need for one chain.
type Network struct {
	ChainID                   uint64
	RPCURL                    string
	DefaultMaxBlockRange      uint64
	MaxHistoricalConcurrency  int
	FinalityLagBlocks         uint64
	MaxTaskAttempts           int
	ProgressLogInterval       time.Duration
	SourcesPath               string
	PostgresURL               string
	BoltPath                  string
	NATSURL                   string
	NATSPersistDuration       time.Duration
	NATSSubjectPrefix         string
	MetricsAddress            string
	HealthAddress             string
	LogLevel                  string
}

// Load reads configPath (TOML) and applies environment variable overrides:
// CHAIN_RPC_URL overrides chain.rpc_url.
func Load(logger zerolog.Logger, configPath string) (*koanf.Koanf, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", 1)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment variable overrides")
	}

	return ko, nil
}

// fromKoanf decodes the flat koanf keys this module reads into a Network.
// Global defaults: checkpoint debounce is owned by internal/events (500ms),
// progress log interval defaults to 10s here.
func (n *Network) fromKoanf(ko *koanf.Koanf) {
	n.ChainID = uint64(ko.Int64("chain.id"))
	n.RPCURL = ko.String("chain.rpc_url")
	n.DefaultMaxBlockRange = uint64(ko.Int64("historical.default_max_block_range"))
	n.MaxHistoricalConcurrency = ko.Int("historical.max_concurrency")
	n.FinalityLagBlocks = uint64(ko.Int64("historical.finality_lag_blocks"))
	n.MaxTaskAttempts = ko.Int("historical.max_task_attempts")
	n.ProgressLogInterval = ko.Duration("historical.progress_log_interval")
	n.SourcesPath = ko.String("historical.sources_path")
	n.PostgresURL = ko.String("db.postgres_url")
	n.BoltPath = ko.String("db.bolt_path")
	n.NATSURL = ko.String("nats.url")
	n.NATSPersistDuration = ko.Duration("nats.max_age")
	n.NATSSubjectPrefix = ko.String("nats.subject_prefix")
	n.MetricsAddress = ko.String("metrics.address")
	n.HealthAddress = ko.String("health.address")
	n.LogLevel = ko.String("logging.level")

	if n.MaxHistoricalConcurrency == 0 {
		n.MaxHistoricalConcurrency = 8
	}
	if n.ProgressLogInterval == 0 {
		n.ProgressLogInterval = 10 * time.Second
	}
	if n.NATSSubjectPrefix == "" {
		n.NATSSubjectPrefix = "HISTORICAL"
	}
}

// LoadNetwork is the convenience entry point main uses: load the TOML file,
// apply env overrides, and decode into a Network.
func LoadNetwork(logger zerolog.Logger, configPath string) (*Network, error) {
	ko, err := Load(logger, configPath)
	if err != nil {
		return nil, err
	}
	var n Network
	n.fromKoanf(ko)
	return &n, nil
}
