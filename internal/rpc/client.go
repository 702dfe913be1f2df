// Package rpc adapts go-ethereum's ethclient into historical.RequestQueue:
// a network RPC shim responsible for lifting null responses to errors and
// caching recently-fetched blocks, generalized from a single-purpose
// block/receipt fetcher to the three-method surface the historical core
// needs, plus an LRU block cache.
package rpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// blockCacheSize bounds memory use; the orchestrator's own interval
// coalescing already limits how many distinct blocks are in flight at
// once, so this mainly absorbs re-fetches from retried BLOCK tasks.
const blockCacheSize = 4096

// Client implements historical.RequestQueue over a single JSON-RPC
// endpoint. It does not itself rate limit or retry at the transport level;
// callers needing that should wrap it or point RPCURL at an endpoint that
// already provides it.
type Client struct {
	eth        *ethclient.Client
	blockCache *lru.Cache[uint64, *types.Block]
	logger     zerolog.Logger
}

// NewClient dials rpcURL and verifies it reports expectedChainID.
func NewClient(rpcURL string, expectedChainID uint64, logger zerolog.Logger) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	actual, err := eth.ChainID(context.Background())
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if actual.Cmp(new(big.Int).SetUint64(expectedChainID)) != 0 {
		eth.Close()
		return nil, fmt.Errorf("chain ID mismatch: expected %d, got %s", expectedChainID, actual.String())
	}

	cache, err := lru.New[uint64, *types.Block](blockCacheSize)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to allocate block cache: %w", err)
	}

	logger.Info().Str("rpc_url", rpcURL).Uint64("chain_id", expectedChainID).Msg("historical sync rpc client connected")
	return &Client{eth: eth, blockCache: cache, logger: logger}, nil
}

// FilterLogs lowercases every address in query (addresses are already
// canonical 20-byte values once decoded from hex, so this is a no-op on the
// wire but documents the normalization step explicitly) and forwards to
// eth_getLogs.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	query.Addresses = lowercaseAddresses(query.Addresses)

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs failed: %w", err)
	}
	return logs, nil
}

// GetBlockByNumber fetches a block with full transaction bodies, serving
// from the LRU cache when available. A nil block with no error (which
// go-ethereum itself does not produce, but downstream mocks might) is
// lifted to ethereum.NotFound so callers can classify it uniformly.
func (c *Client) GetBlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	if block, ok := c.blockCache.Get(number); ok {
		return block, nil
	}

	block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%d) failed: %w", number, err)
	}
	if block == nil {
		return nil, ethereum.NotFound
	}

	c.blockCache.Add(number, block)
	return block, nil
}

// GetTransactionReceipt fetches a single transaction receipt.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, ethereum.NotFound
		}
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s) failed: %w", txHash.Hex(), err)
	}
	if receipt == nil {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// LatestBlockNumber returns the chain head, used by main to compute the
// finalized block before calling Orchestrator.Setup.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber failed: %w", err)
	}
	return n, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.eth.Close()
}

func lowercaseAddresses(addrs []common.Address) []common.Address {
	if addrs == nil {
		return nil
	}
	out := make([]common.Address, len(addrs))
	for i, a := range addrs {
		out[i] = common.HexToAddress(a.Hex())
	}
	return out
}
