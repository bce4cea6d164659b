package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"sequencer/observability"
)

// DirectBackend broadcasts signed transactions straight to the network and
// waits for inclusion. It carries no retry logic of its own: every Submit
// reserves a fresh nonce, so a caller re-invoking it produces a genuinely new
// transaction and deduplication is unnecessary.
type DirectBackend struct {
	client       ChainClient
	signer       *Signer
	pollInterval time.Duration
	log          *slog.Logger
}

// DirectOption customises the direct backend.
type DirectOption func(*DirectBackend)

// WithDirectPollInterval configures the receipt polling cadence.
func WithDirectPollInterval(interval time.Duration) DirectOption {
	return func(b *DirectBackend) { b.pollInterval = interval }
}

// WithDirectLogger overrides the default logger.
func WithDirectLogger(logger *slog.Logger) DirectOption {
	return func(b *DirectBackend) { b.log = logger }
}

// NewDirectBackend constructs a backend that submits through the supplied
// signer and chain client.
func NewDirectBackend(client ChainClient, signer *Signer, opts ...DirectOption) *DirectBackend {
	backend := &DirectBackend{
		client:       client,
		signer:       signer,
		pollInterval: time.Second,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend
}

// Submit signs the call, broadcasts it, and waits for a receipt. A
// transaction that vanishes from the pending pool without being mined yields
// ErrDropped; transport faults are wrapped in SendError. The isRetry flag is
// accepted for interface parity and ignored.
func (b *DirectBackend) Submit(ctx context.Context, call TxRequest, isRetry bool) (*Receipt, error) {
	started := time.Now()

	fees, err := b.suggestFees(ctx)
	if err != nil {
		observability.Sequencer().RecordError("direct", "fees")
		return nil, &SendError{Cause: err}
	}

	gasLimit := call.GasLimit
	if gasLimit == 0 {
		estimated, err := b.client.EstimateGas(ctx, geth.CallMsg{
			From:  b.signer.Address(),
			To:    call.To,
			Value: call.Value,
			Data:  call.Data,
		})
		if err != nil {
			observability.Sequencer().RecordError("direct", "estimate")
			return nil, &SendError{Cause: err}
		}
		gasLimit = estimated
	}
	call.GasLimit = gasLimit

	nonce := b.signer.ReserveNonce()
	tx, err := b.signer.SignTx(call, nonce, fees)
	if err != nil {
		observability.Sequencer().RecordError("direct", "sign")
		return nil, &SendError{Cause: err}
	}

	observability.Sequencer().RecordSubmission(observability.SelectorLabel(call.Data))
	b.log.Info("broadcasting transaction", "hash", tx.Hash(), "nonce", nonce, "gas_limit", gasLimit)

	if err := b.client.SendTransaction(ctx, tx); err != nil {
		observability.Sequencer().RecordError("direct", "send")
		return nil, &SendError{Cause: err}
	}

	receipt, err := b.waitMined(ctx, tx.Hash())
	if err != nil {
		if errors.Is(err, ErrDropped) {
			observability.Sequencer().RecordError("direct", "dropped")
		}
		return nil, err
	}
	observability.Sequencer().ObserveSubmitLatency("direct", time.Since(started))
	return receipt, nil
}

// waitMined polls for the transaction receipt. The transaction is considered
// dropped once it is absent from both the pending pool and the chain. The
// first round of absence is tolerated: a node behind a load balancer may not
// have indexed the broadcast yet.
func (b *DirectBackend) waitMined(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	probed := false
	for {
		receipt, err := b.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return &Receipt{TxHash: hash, BlockNumber: receipt.BlockNumber.Uint64()}, nil
		case err != nil && !errors.Is(err, geth.NotFound):
			return nil, &SendError{Cause: fmt.Errorf("fetch receipt: %w", err)}
		}

		if _, _, err := b.client.TransactionByHash(ctx, hash); err != nil {
			switch {
			case !errors.Is(err, geth.NotFound):
				return nil, &SendError{Cause: fmt.Errorf("probe mempool: %w", err)}
			case probed:
				return nil, ErrDropped
			}
		}
		probed = true

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *DirectBackend) suggestFees(ctx context.Context) (Fees, error) {
	if b.signer.FeeMode() == FeeLegacy {
		gasPrice, err := b.client.SuggestGasPrice(ctx)
		if err != nil {
			return Fees{}, fmt.Errorf("suggest gas price: %w", err)
		}
		return Fees{GasPrice: gasPrice}, nil
	}

	tip, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return Fees{GasTipCap: tip, GasFeeCap: feeCap}, nil
}
