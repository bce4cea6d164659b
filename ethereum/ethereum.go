// Package ethereum implements the chain-facing core of the identity
// sequencer: a signing pipeline that turns unsigned contract calls into
// nonce-correct chain-bound transactions, interchangeable submission
// backends, and ingestion of the contract's leaf insertion events.
package ethereum

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// TxRequest describes an unsigned contract call.
type TxRequest struct {
	To       *common.Address
	Value    *big.Int
	GasLimit uint64
	Data     []byte
}

// Receipt describes a confirmed submission.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
}

// Backend submits state-changing calls to the ledger. Implementations must be
// safe for concurrent use. isRetry asks the backend to deduplicate against
// previously accepted submissions where it can; backends without a
// deduplication need ignore it.
type Backend interface {
	Submit(ctx context.Context, call TxRequest, isRetry bool) (*Receipt, error)
}

var (
	insertIdentitySelector = crypto.Keccak256([]byte("insertIdentity(uint256)"))[:4]
	leafInsertionTopic     = crypto.Keccak256Hash([]byte("LeafInsertion(uint256,uint256)"))

	uint256Type        = mustType("uint256")
	insertIdentityArgs = abi.Arguments{{Name: "identityCommitment", Type: uint256Type}}
	leafInsertionArgs  = abi.Arguments{
		{Name: "leaf", Type: uint256Type},
		{Name: "leafIndex", Type: uint256Type},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
	}
	return typ
}

// Ethereum is the submission facade application code talks to. Writes are
// routed through the configured backend; reads go straight to the chain
// client. In mock mode every chain-mutating call is a no-op so the rest of
// the system stays exercised without a live network.
type Ethereum struct {
	client   ChainClient
	contract common.Address
	backend  Backend
	mock     bool
	log      *slog.Logger
}

// Option customises the facade.
type Option func(*Ethereum)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Ethereum) { e.log = logger }
}

// New constructs the facade around a chain client, the identity contract
// address, and a submission backend.
func New(client ChainClient, contract common.Address, backend Backend, mock bool, opts ...Option) *Ethereum {
	eth := &Ethereum{
		client:   client,
		contract: contract,
		backend:  backend,
		mock:     mock,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(eth)
	}
	return eth
}

// LastBlock returns the current chain height.
func (e *Ethereum) LastBlock(ctx context.Context) (uint64, error) {
	return e.client.BlockNumber(ctx)
}

// InsertIdentity submits an insertIdentity call for the commitment through
// the configured backend and propagates its outcome unchanged. Callers that
// retry after an ambiguous failure pass isRetry so backends with their own
// job tracking can deduplicate.
func (e *Ethereum) InsertIdentity(ctx context.Context, commitment common.Hash, isRetry bool) (*Receipt, error) {
	e.log.Info("inserting identity in contract", "commitment", commitment)
	if e.mock {
		e.log.Info("mock mode enabled, skipping", "commitment", commitment)
		return &Receipt{}, nil
	}

	data, err := packInsertIdentity(commitment)
	if err != nil {
		return nil, err
	}
	call := TxRequest{
		To:   &e.contract,
		Data: data,
	}
	return e.backend.Submit(ctx, call, isRetry)
}

func packInsertIdentity(commitment common.Hash) ([]byte, error) {
	value := new(uint256.Int).SetBytes32(commitment[:])
	packed, err := insertIdentityArgs.Pack(value.ToBig())
	if err != nil {
		return nil, fmt.Errorf("ethereum: pack insertIdentity: %w", err)
	}
	return append(append([]byte{}, insertIdentitySelector...), packed...), nil
}
