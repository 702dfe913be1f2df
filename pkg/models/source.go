// Package models defines the data shapes shared across the historical sync
// orchestrator and its collaborators: source descriptors, the emitted
// checkpoint, and the common address/topic types the sync store and RPC
// adapters normalize against.
package models

import "github.com/ethereum/go-ethereum/common"

// Kind tags the variant of a Source.
type Kind string

const (
	KindLog          Kind = "log"
	KindFactory      Kind = "factory"
	KindBlock        Kind = "block"
	KindFunctionCall Kind = "function_call"
)

// LogCriteria filters eth_getLogs for a plain log source.
type LogCriteria struct {
	Address                   *common.Address
	Topics                    [][]common.Hash
	IncludeTransactionReceipts bool
}

// ChildAddressLocation describes where in a factory event log a child
// contract address is emitted: either a specific indexed topic position or
// a byte offset within the ABI-encoded data.
type ChildAddressLocation struct {
	Topic      *int // index into log.Topics, if the address is indexed
	DataOffset *int // byte offset into log.Data, if the address is not indexed
}

// FactoryCriteria filters the parent-contract event that emits child
// contract addresses, and the event selector used once those addresses are
// known.
type FactoryCriteria struct {
	Address                    common.Address
	EventSelector              common.Hash
	ChildAddressLocation       ChildAddressLocation
	Topics                     [][]common.Hash
	IncludeTransactionReceipts bool
}

// BlockCriteria matches blocks whose number n satisfies
// (n - Offset) mod Interval == 0.
type BlockCriteria struct {
	Interval uint64
	Offset   uint64
}

// Source is a tagged union over the four source kinds the orchestrator
// accepts. Exactly one of the *Criteria fields is populated, matching Kind.
type Source struct {
	ID           string
	Kind         Kind
	ChainID      uint64
	ContractName string
	SourceName   string // used by block sources in place of ContractName
	StartBlock   uint64
	EndBlock     *uint64 // nil means "open ended", clipped to the finalized block at setup

	Log          *LogCriteria
	Factory      *FactoryCriteria
	Block        *BlockCriteria
	FunctionCall *LogCriteria // trace filters share the log criteria shape

	MaxBlockRange *uint64 // nil means "use the network default"
}

// Label returns the metrics/log label for this source: the source ID
// rather than ContractName, since contract names are not guaranteed unique
// across sources on the same network.
func (s Source) Label() string {
	return s.ID
}

// Checkpoint is the monotonic progress signal emitted to downstream
// consumers once a contiguous prefix of a source's required range is
// durable.
type Checkpoint struct {
	ChainID        uint64
	BlockNumber    uint64
	BlockTimestamp uint64
}
