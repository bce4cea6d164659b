package ethereum

import (
	"context"
	"fmt"
	"math/big"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"sequencer/observability"
)

// LeafInsertionEvent is a decoded identity-insertion log record: the
// accumulator index the commitment landed at, and the commitment itself as a
// 32-byte big-endian hash.
type LeafInsertionEvent struct {
	LeafIndex  uint64
	Commitment common.Hash
}

// FetchEvents reads LeafInsertion events from startingBlock up to the current
// head and decodes them in the order the log query returns them. Mock mode
// returns an empty slice without touching the network. The query range is
// unbounded; callers scanning very large ranges should bound their context.
func (e *Ethereum) FetchEvents(ctx context.Context, startingBlock uint64) ([]LeafInsertionEvent, error) {
	e.log.Info("reading leaf insertion events", "starting_block", startingBlock)
	if e.mock {
		e.log.Info("mock mode enabled, skipping", "starting_block", startingBlock)
		return []LeafInsertionEvent{}, nil
	}

	query := geth.FilterQuery{
		FromBlock: new(big.Int).SetUint64(startingBlock),
		Addresses: []common.Address{e.contract},
		Topics:    [][]common.Hash{{leafInsertionTopic}},
	}
	logs, err := e.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ethereum: query leaf insertion logs: %w", err)
	}

	insertions := make([]LeafInsertionEvent, 0, len(logs))
	for _, record := range logs {
		event, err := decodeLeafInsertion(record.Data)
		if err != nil {
			return nil, err
		}
		insertions = append(insertions, event)
	}

	e.log.Info("read events", "count", len(insertions))
	observability.Sequencer().RecordEventsFetched(len(insertions))
	return insertions, nil
}

func decodeLeafInsertion(data []byte) (LeafInsertionEvent, error) {
	values, err := leafInsertionArgs.Unpack(data)
	if err != nil {
		return LeafInsertionEvent{}, fmt.Errorf("ethereum: decode leaf insertion: %w", err)
	}
	leaf, ok := values[0].(*big.Int)
	if !ok {
		return LeafInsertionEvent{}, fmt.Errorf("ethereum: decode leaf insertion: unexpected leaf type %T", values[0])
	}
	leafIndex, ok := values[1].(*big.Int)
	if !ok {
		return LeafInsertionEvent{}, fmt.Errorf("ethereum: decode leaf insertion: unexpected index type %T", values[1])
	}

	commitment, overflow := uint256.FromBig(leaf)
	if overflow {
		return LeafInsertionEvent{}, fmt.Errorf("ethereum: decode leaf insertion: leaf exceeds 256 bits")
	}
	return LeafInsertionEvent{
		LeafIndex:  leafIndex.Uint64(),
		Commitment: commitment.Bytes32(),
	}, nil
}
