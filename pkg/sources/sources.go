// Package sources loads the JSON source-descriptor file historical sync is
// configured with: read-file-then-json.Unmarshal into a flat source list,
// followed by a conversion step that resolves hex strings into typed
// go-ethereum values.
package sources

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xkanth/historical-sync/pkg/models"
)

// rawSource mirrors models.Source but with JSON-friendly field shapes
// (hex-string addresses/topics, a string kind tag) so the on-disk format
// doesn't need a custom UnmarshalJSON on every nested common.* type.
type rawSource struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	ContractName string          `json:"contractName"`
	SourceName   string          `json:"sourceName"`
	StartBlock   uint64          `json:"startBlock"`
	EndBlock     *uint64         `json:"endBlock,omitempty"`
	MaxBlockRange *uint64        `json:"maxBlockRange,omitempty"`

	Log          *rawLogCriteria     `json:"log,omitempty"`
	Factory      *rawFactoryCriteria `json:"factory,omitempty"`
	Block        *rawBlockCriteria   `json:"block,omitempty"`
	FunctionCall *rawLogCriteria     `json:"functionCall,omitempty"`
}

type rawLogCriteria struct {
	Address                    string     `json:"address,omitempty"`
	Topics                     [][]string `json:"topics,omitempty"`
	IncludeTransactionReceipts bool       `json:"includeTransactionReceipts"`
}

type rawFactoryCriteria struct {
	Address                    string     `json:"address"`
	EventSelector              string     `json:"eventSelector"`
	ChildAddressTopic          *int       `json:"childAddressTopic,omitempty"`
	ChildAddressDataOffset     *int       `json:"childAddressDataOffset,omitempty"`
	Topics                     [][]string `json:"topics,omitempty"`
	IncludeTransactionReceipts bool       `json:"includeTransactionReceipts"`
}

type rawBlockCriteria struct {
	Interval uint64 `json:"interval"`
	Offset   uint64 `json:"offset"`
}

// Load reads path (a JSON array of source descriptors) and decodes it into
// []models.Source.
func Load(path string) ([]models.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file %s: %w", path, err)
	}

	var raw []rawSource
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse sources file %s: %w", path, err)
	}

	out := make([]models.Source, 0, len(raw))
	for _, r := range raw {
		s, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", r.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r rawSource) toModel() (models.Source, error) {
	s := models.Source{
		ID:            r.ID,
		ContractName:  r.ContractName,
		SourceName:    r.SourceName,
		StartBlock:    r.StartBlock,
		EndBlock:      r.EndBlock,
		MaxBlockRange: r.MaxBlockRange,
	}

	switch r.Kind {
	case string(models.KindLog):
		s.Kind = models.KindLog
		if r.Log == nil {
			return s, fmt.Errorf("log source missing \"log\" criteria")
		}
		s.Log = r.Log.toModel()
	case string(models.KindFactory):
		s.Kind = models.KindFactory
		if r.Factory == nil {
			return s, fmt.Errorf("factory source missing \"factory\" criteria")
		}
		fc, err := r.Factory.toModel()
		if err != nil {
			return s, err
		}
		s.Factory = fc
	case string(models.KindBlock):
		s.Kind = models.KindBlock
		if r.Block == nil {
			return s, fmt.Errorf("block source missing \"block\" criteria")
		}
		s.Block = &models.BlockCriteria{Interval: r.Block.Interval, Offset: r.Block.Offset}
	case string(models.KindFunctionCall):
		s.Kind = models.KindFunctionCall
		if r.FunctionCall == nil {
			return s, fmt.Errorf("function_call source missing \"functionCall\" criteria")
		}
		s.FunctionCall = r.FunctionCall.toModel()
	default:
		return s, fmt.Errorf("unknown source kind %q", r.Kind)
	}
	return s, nil
}

func (r *rawLogCriteria) toModel() *models.LogCriteria {
	if r == nil {
		return nil
	}
	out := &models.LogCriteria{
		Topics:                     decodeTopics(r.Topics),
		IncludeTransactionReceipts: r.IncludeTransactionReceipts,
	}
	if r.Address != "" {
		addr := common.HexToAddress(r.Address)
		out.Address = &addr
	}
	return out
}

func (r *rawFactoryCriteria) toModel() (*models.FactoryCriteria, error) {
	if r.Address == "" || r.EventSelector == "" {
		return nil, fmt.Errorf("factory criteria requires address and eventSelector")
	}
	return &models.FactoryCriteria{
		Address:       common.HexToAddress(r.Address),
		EventSelector: common.HexToHash(r.EventSelector),
		ChildAddressLocation: models.ChildAddressLocation{
			Topic:      r.ChildAddressTopic,
			DataOffset: r.ChildAddressDataOffset,
		},
		Topics:                     decodeTopics(r.Topics),
		IncludeTransactionReceipts: r.IncludeTransactionReceipts,
	}, nil
}

func decodeTopics(raw [][]string) [][]common.Hash {
	if raw == nil {
		return nil
	}
	out := make([][]common.Hash, len(raw))
	for i, group := range raw {
		hashes := make([]common.Hash, len(group))
		for j, h := range group {
			hashes[j] = common.HexToHash(h)
		}
		out[i] = hashes
	}
	return out
}
