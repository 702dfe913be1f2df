package syncstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/0xkanth/historical-sync/internal/historical"
)

// blockSeenBucket holds a one-byte marker per (chainId, blockNumber) already
// confirmed present in the durable store, the write-once fact the
// BLOCK_FILTER worker re-checks for every matching block in every restart.
const blockSeenBucket = "block_seen"

// CachedStore wraps a SyncStore with a local bbolt-backed cache of the
// highest-frequency read: "has this block already been persisted". Same
// bbolt-open-with-timeout, single-bucket shape as a checkpoint store,
// generalized from a single checkpoint key to an arbitrary write-once fact
// cache so a restarted historical sync doesn't replay a GetBlock round trip
// to Postgres for every already-seen block in a re-coalesced range.
type CachedStore struct {
	historical.SyncStore
	bolt *bbolt.DB
}

// NewCachedStore opens boltPath (creating it if absent) and wraps inner.
func NewCachedStore(inner historical.SyncStore, boltPath string) (*CachedStore, error) {
	bolt, err := bbolt.Open(boltPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	err = bolt.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(blockSeenBucket))
		return err
	})
	if err != nil {
		bolt.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}

	return &CachedStore{SyncStore: inner, bolt: bolt}, nil
}

// Close releases the local cache database. It does not close the wrapped
// store; the caller owns that lifecycle separately.
func (c *CachedStore) Close() error {
	return c.bolt.Close()
}

// GetBlock consults the local cache before falling through to the wrapped
// store, and remembers a positive result so the next lookup for the same
// block is a local bbolt read instead of a round trip.
func (c *CachedStore) GetBlock(ctx context.Context, chainID uint64, blockNumber uint64) (bool, error) {
	key := blockKey(chainID, blockNumber)

	var cached bool
	err := c.bolt.View(func(tx *bbolt.Tx) error {
		cached = tx.Bucket([]byte(blockSeenBucket)).Get(key) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read block cache: %w", err)
	}
	if cached {
		return true, nil
	}

	exists, err := c.SyncStore.GetBlock(ctx, chainID, blockNumber)
	if err != nil || !exists {
		return exists, err
	}

	if err := c.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(blockSeenBucket)).Put(key, []byte{1})
	}); err != nil {
		return true, fmt.Errorf("write block cache: %w", err)
	}
	return true, nil
}

// InsertBlockFilterInterval forwards to the wrapped store and, once it
// succeeds, marks the inserted block (the interval's end block, when one was
// fetched) as seen locally so a subsequent GetBlock for that block never
// needs the round trip. Other blocks inside the interval are not marked.
func (c *CachedStore) InsertBlockFilterInterval(ctx context.Context, params historical.InsertBlockFilterIntervalParams) error {
	if err := c.SyncStore.InsertBlockFilterInterval(ctx, params); err != nil {
		return err
	}
	if params.Block == nil {
		return nil
	}
	return c.markSeen(params.ChainID, params.Block.NumberU64())
}

func (c *CachedStore) markSeen(chainID, blockNumber uint64) error {
	key := blockKey(chainID, blockNumber)
	return c.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(blockSeenBucket)).Put(key, []byte{1})
	})
}

func blockKey(chainID, blockNumber uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], chainID)
	binary.BigEndian.PutUint64(key[8:], blockNumber)
	return key
}

var _ historical.SyncStore = (*CachedStore)(nil)
