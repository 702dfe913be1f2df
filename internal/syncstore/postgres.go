// Package syncstore implements the durable SyncStore collaborator over
// Postgres (via pgx/v5), with a local bbolt cache in front of the
// highest-frequency read path. Grounded on this repository's own teacher
// package for its connection and idempotent-upsert conventions
// (internal/db used bbolt directly; this generalizes that pattern to a
// durable multi-writer store while keeping bbolt for the local cache tier).
package syncstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0xkanth/historical-sync/internal/historical"
	"github.com/0xkanth/historical-sync/internal/interval"
	"github.com/0xkanth/historical-sync/pkg/models"
)

// filterKind tags which kind of completed interval a row of the shared
// sync_intervals table records; every kind shares that one table, and the
// kind column is part of the key so a source ID can never collide across
// kinds.
type filterKind string

const (
	filterKindLog           filterKind = "log_filter"
	filterKindFactoryChild  filterKind = "factory_child_address"
	filterKindFactoryLog    filterKind = "factory_log_filter"
	filterKindBlockFilter   filterKind = "block_filter"
	filterKindTraceFilter   filterKind = "trace_filter"
)

// PostgresStore implements historical.SyncStore against a pgx connection
// pool. Every interval insert is an idempotent upsert keyed by (kind,
// chain_id, source_id, interval_start, interval_end) so repeated delivery from a retried task
// never duplicates a row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and returns a ready store. The
// caller owns calling Close.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) getIntervals(ctx context.Context, kind filterKind, chainID uint64, sourceID string) ([]interval.Interval, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT interval_start, interval_end FROM sync_intervals WHERE kind = $1 AND chain_id = $2 AND source_id = $3 ORDER BY interval_start`,
		string(kind), chainID, sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s intervals: %w", kind, err)
	}
	defer rows.Close()

	var out []interval.Interval
	for rows.Next() {
		var iv interval.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, fmt.Errorf("scan %s interval: %w", kind, err)
		}
		out = append(out, iv)
	}
	return interval.Normalize(out), rows.Err()
}

func (s *PostgresStore) upsertInterval(ctx context.Context, tx pgx.Tx, kind filterKind, chainID uint64, sourceID string, iv interval.Interval) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO sync_intervals (kind, chain_id, source_id, interval_start, interval_end)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (kind, chain_id, source_id, interval_start, interval_end) DO NOTHING`,
		string(kind), chainID, sourceID, iv.Start, iv.End,
	)
	if err != nil {
		return fmt.Errorf("upsert %s interval: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) GetLogFilterIntervals(ctx context.Context, chainID uint64, source models.Source) ([]interval.Interval, error) {
	return s.getIntervals(ctx, filterKindLog, chainID, source.ID)
}

func (s *PostgresStore) GetFactoryChildAddressIntervals(ctx context.Context, chainID uint64, source models.Source) ([]interval.Interval, error) {
	return s.getIntervals(ctx, filterKindFactoryChild, chainID, source.ID)
}

func (s *PostgresStore) GetFactoryLogFilterIntervals(ctx context.Context, chainID uint64, source models.Source) ([]interval.Interval, error) {
	return s.getIntervals(ctx, filterKindFactoryLog, chainID, source.ID)
}

func (s *PostgresStore) GetBlockFilterIntervals(ctx context.Context, chainID uint64, source models.Source) ([]interval.Interval, error) {
	return s.getIntervals(ctx, filterKindBlockFilter, chainID, source.ID)
}

func (s *PostgresStore) GetTraceFilterIntervals(ctx context.Context, chainID uint64, source models.Source) ([]interval.Interval, error) {
	return s.getIntervals(ctx, filterKindTraceFilter, chainID, source.ID)
}

func (s *PostgresStore) InsertLogFilterInterval(ctx context.Context, params historical.InsertLogFilterIntervalParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertBlockAndTxs(ctx, tx, params.ChainID, params.Block, params.Transactions, params.TransactionReceipts); err != nil {
		return err
	}
	if err := insertLogs(ctx, tx, params.ChainID, params.Source.ID, params.Logs); err != nil {
		return err
	}
	if err := s.upsertInterval(ctx, tx, filterKindLog, params.ChainID, params.Source.ID, params.Interval); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertFactoryChildAddressLogs(ctx context.Context, chainID uint64, logs []types.Log) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(
			`INSERT INTO factory_child_address_logs (chain_id, block_number, log_index, address, topics, data)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (chain_id, block_number, log_index) DO NOTHING`,
			chainID, l.BlockNumber, l.Index, l.Address.Hex(), hashesToHex(l.Topics), l.Data,
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range logs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert factory child address log: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertFactoryChildAddressInterval(ctx context.Context, chainID uint64, source models.Source, iv interval.Interval) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := s.upsertInterval(ctx, tx, filterKindFactoryChild, chainID, source.ID, iv); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertFactoryLogFilterInterval(ctx context.Context, params historical.InsertFactoryLogFilterIntervalParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertBlockAndTxs(ctx, tx, params.ChainID, params.Block, params.Transactions, params.TransactionReceipts); err != nil {
		return err
	}
	if err := insertLogs(ctx, tx, params.ChainID, params.Source.ID, params.Logs); err != nil {
		return err
	}
	if err := s.upsertInterval(ctx, tx, filterKindFactoryLog, params.ChainID, params.Source.ID, params.Interval); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertBlockFilterInterval(ctx context.Context, params historical.InsertBlockFilterIntervalParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.Block != nil {
		if err := insertBlockAndTxs(ctx, tx, params.ChainID, params.Block, nil, nil); err != nil {
			return err
		}
	}
	if err := s.upsertInterval(ctx, tx, filterKindBlockFilter, params.ChainID, params.Source.ID, params.Interval); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertTraceFilterInterval(ctx context.Context, params historical.InsertTraceFilterIntervalParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.Block != nil {
		if err := insertBlockAndTxs(ctx, tx, params.ChainID, params.Block, nil, nil); err != nil {
			return err
		}
	}
	for _, raw := range params.Traces {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trace_records (chain_id, source_id, block_number, data) VALUES ($1, $2, $3, $4)
			 ON CONFLICT DO NOTHING`,
			params.ChainID, params.Source.ID, params.Interval.End, raw.Data,
		); err != nil {
			return fmt.Errorf("insert trace record: %w", err)
		}
	}
	if err := s.upsertInterval(ctx, tx, filterKindTraceFilter, params.ChainID, params.Source.ID, params.Interval); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetFactoryChildAddresses streams child contract addresses discovered in
// [fromBlock, toBlock] as fixed-size pages.
func (s *PostgresStore) GetFactoryChildAddresses(ctx context.Context, chainID uint64, source models.Source, fromBlock, toBlock uint64) (historical.ChildAddressIterator, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT address FROM factory_child_address_logs
		 WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3
		 ORDER BY address`,
		chainID, fromBlock, toBlock,
	)
	if err != nil {
		return nil, fmt.Errorf("query factory child addresses: %w", err)
	}
	return &pageIterator{rows: rows}, nil
}

// GetBlock reports whether chainID/blockNumber has already been persisted.
func (s *PostgresStore) GetBlock(ctx context.Context, chainID uint64, blockNumber uint64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sync_blocks WHERE chain_id = $1 AND block_number = $2)`,
		chainID, blockNumber,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check block existence: %w", err)
	}
	return exists, nil
}

type pageIterator struct {
	rows pgx.Rows
}

const childAddressPageSize = 500

func (p *pageIterator) Next(ctx context.Context) (historical.ChildAddressBatch, bool, error) {
	var batch historical.ChildAddressBatch
	for len(batch.Addresses) < childAddressPageSize && p.rows.Next() {
		var hexAddr string
		if err := p.rows.Scan(&hexAddr); err != nil {
			return batch, false, fmt.Errorf("scan child address: %w", err)
		}
		batch.Addresses = append(batch.Addresses, common.HexToAddress(hexAddr))
	}
	if err := p.rows.Err(); err != nil {
		return batch, false, err
	}
	if len(batch.Addresses) == 0 {
		return batch, false, nil
	}
	return batch, true, nil
}

func (p *pageIterator) Close() error {
	p.rows.Close()
	return nil
}

func insertBlockAndTxs(ctx context.Context, tx pgx.Tx, chainID uint64, block *types.Block, transactions []*types.Transaction, receipts []*types.Receipt) error {
	if block == nil {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO sync_blocks (chain_id, block_number, block_hash, block_timestamp)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (chain_id, block_number) DO NOTHING`,
		chainID, block.NumberU64(), block.Hash().Hex(), block.Time(),
	); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}

	receiptByHash := make(map[common.Hash]*types.Receipt, len(receipts))
	for _, r := range receipts {
		receiptByHash[r.TxHash] = r
	}

	for _, txn := range transactions {
		var status *uint64
		if r, ok := receiptByHash[txn.Hash()]; ok {
			s := r.Status
			status = &s
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO sync_transactions (chain_id, block_number, tx_hash, status)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (chain_id, tx_hash) DO NOTHING`,
			chainID, block.NumberU64(), txn.Hash().Hex(), status,
		); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}
	return nil
}

func insertLogs(ctx context.Context, tx pgx.Tx, chainID uint64, sourceID string, logs []types.Log) error {
	for _, l := range logs {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("marshal log: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO sync_logs (chain_id, source_id, block_number, log_index, data)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (chain_id, source_id, block_number, log_index) DO NOTHING`,
			chainID, sourceID, l.BlockNumber, l.Index, data,
		); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return nil
}

func hashesToHex(hashes []common.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.Hex()
	}
	return out
}
