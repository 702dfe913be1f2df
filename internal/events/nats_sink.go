// Package events implements the two signals the historical sync core
// emits: a one-shot syncComplete and a debounced, monotonic
// historicalCheckpoint stream, fanned out to in-process typed callbacks and
// optionally to a durable NATS JetStream sink.
//
// The JetStream wiring is grounded on this repository's own teacher
// package (formerly internal/nats), adapted from publishing decoded
// application events to publishing sync progress signals: same
// dedup/durability shape, same subject-prefix convention, different
// payload.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/0xkanth/historical-sync/pkg/models"
)

const (
	streamName           = "HISTORICAL"
	streamSubjectPattern = "HISTORICAL.>"
	streamCreateTimeout  = 10 * time.Second
)

// NATSSink publishes checkpoint and sync-complete signals to a NATS
// JetStream stream, deduplicated by chain ID and block number so a
// reconnect-and-replay never produces a duplicate downstream event.
type NATSSink struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
	prefix string
}

// NewNATSSink connects to natsURL and ensures the HISTORICAL stream exists.
func NewNATSSink(natsURL string, persistDuration time.Duration, subjectPrefix string, logger zerolog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("historical-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	duplicateWindow := 20 * time.Minute
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{streamSubjectPattern},
		MaxAge:     persistDuration,
		Storage:    jetstream.FileStorage,
		Duplicates: duplicateWindow,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info().
		Str("stream", streamName).
		Str("subjects", streamSubjectPattern).
		Dur("max_age", persistDuration).
		Msg("historical sync NATS sink initialized")

	return &NATSSink{js: js, nc: nc, logger: logger, prefix: subjectPrefix}, nil
}

// PublishCheckpoint publishes a historicalCheckpoint signal.
func (s *NATSSink) PublishCheckpoint(cp models.Checkpoint) {
	subject := fmt.Sprintf("%s.checkpoint.%d", s.prefix, cp.ChainID)
	data, err := json.Marshal(cp)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal checkpoint")
		return
	}

	msgID := fmt.Sprintf("checkpoint-%d-%d", cp.ChainID, cp.BlockNumber)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		s.logger.Error().Err(err).Str("subject", subject).Msg("failed to publish checkpoint")
		return
	}

	s.logger.Debug().Uint64("block", cp.BlockNumber).Uint64("chain_id", cp.ChainID).Msg("checkpoint published")
}

// PublishSyncComplete publishes a syncComplete signal for chainID.
func (s *NATSSink) PublishSyncComplete(chainID uint64) {
	subject := fmt.Sprintf("%s.complete.%d", s.prefix, chainID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgID := fmt.Sprintf("complete-%d", chainID)
	if _, err := s.js.Publish(ctx, subject, []byte("{}"), jetstream.WithMsgID(msgID)); err != nil {
		s.logger.Error().Err(err).Str("subject", subject).Msg("failed to publish sync complete")
		return
	}
	s.logger.Info().Uint64("chain_id", chainID).Msg("sync complete published")
}

// Close closes the NATS connection.
func (s *NATSSink) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}
