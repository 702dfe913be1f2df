// Historical sync orchestrator service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0xkanth/historical-sync/internal/config"
	"github.com/0xkanth/historical-sync/internal/events"
	"github.com/0xkanth/historical-sync/internal/historical"
	"github.com/0xkanth/historical-sync/internal/metrics"
	"github.com/0xkanth/historical-sync/internal/obs"
	"github.com/0xkanth/historical-sync/internal/rpc"
	"github.com/0xkanth/historical-sync/internal/syncstore"
	"github.com/0xkanth/historical-sync/pkg/models"
	"github.com/0xkanth/historical-sync/pkg/sources"
)

const serviceName = "historical-sync"

func main() {
	logger := obs.NewLogger(serviceName)
	logger.Info().Msg("starting historical sync orchestrator")

	net, err := config.LoadNetwork(logger, "config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	obs.SetLevel(logger, net.LogLevel)

	srcs, err := sources.Load(net.SourcesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load sources")
	}
	logger.Info().Int("count", len(srcs)).Str("path", net.SourcesPath).Msg("loaded sources")

	rpcClient, err := rpc.NewClient(net.RPCURL, net.ChainID, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create rpc client")
	}
	defer rpcClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := syncstore.NewPostgresStore(ctx, net.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pg.Close()

	store, err := syncstore.NewCachedStore(pg, net.BoltPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local cache")
	}
	defer store.Close()
	logger.Info().Str("postgres", "connected").Str("bolt_path", net.BoltPath).Msg("initialized sync store")

	var sink *events.NATSSink
	if net.NATSURL != "" {
		sink, err = events.NewNATSSink(net.NATSURL, net.NATSPersistDuration, net.NATSSubjectPrefix, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create nats sink")
		}
		defer sink.Close()
	}
	emitter := events.NewEmitter(net.ChainID, sink)

	health := newHealthState()
	emitter.OnCheckpoint(health.observeCheckpoint)
	emitter.OnSyncComplete(health.observeSyncComplete)

	orchestrator := historical.NewOrchestrator(
		historical.Config{
			ChainID:              net.ChainID,
			DefaultMaxBlockRange: net.DefaultMaxBlockRange,
			Concurrency:          net.MaxHistoricalConcurrency,
			ProgressLogInterval:  net.ProgressLogInterval,
			MaxTaskAttempts:      net.MaxTaskAttempts,
		},
		rpcClient,
		store,
		emitter,
		logger,
		srcs,
	)

	latest, err := rpcClient.LatestBlockNumber(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to fetch latest block number")
	}
	finalized := uint64(0)
	if latest > net.FinalityLagBlocks {
		finalized = latest - net.FinalityLagBlocks
	}
	logger.Info().Uint64("latest", latest).Uint64("finalized", finalized).Msg("computed finalized block")

	if err := orchestrator.Setup(ctx, latest, finalized); err != nil {
		logger.Fatal().Err(err).Msg("failed to set up orchestrator")
	}

	metrics.SetStartTimestamp(float64(time.Now().UnixMilli()))

	metricsServer := &http.Server{Addr: net.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", net.MetricsAddress).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthServer := &http.Server{Addr: net.HealthAddress, Handler: http.HandlerFunc(health.handler())}
	go func() {
		logger.Info().Str("address", net.HealthAddress).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- orchestrator.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("orchestrator error")
		}
	}

	logger.Info().Msg("shutting down")
	orchestrator.Kill()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// healthState tracks the most recent checkpoint and completion signal so
// the health endpoint can report sync progress without reaching back into
// the orchestrator's own locked state.
type healthState struct {
	mu         sync.Mutex
	checkpoint *models.Checkpoint
	complete   bool
}

func newHealthState() *healthState {
	return &healthState{}
}

func (h *healthState) observeCheckpoint(cp models.Checkpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkpoint = &cp
}

func (h *healthState) observeSyncComplete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.complete = true
}

func (h *healthState) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		cp := h.checkpoint
		complete := h.complete
		h.mu.Unlock()

		w.WriteHeader(http.StatusOK)
		if cp == nil {
			fmt.Fprintf(w, "healthy\nno checkpoint yet\n")
			return
		}
		fmt.Fprintf(w, "healthy\nblock: %d\ncomplete: %t\n", cp.BlockNumber, complete)
	}
}
