// Package relay submits transactions through a third-party relay service
// instead of broadcasting them directly. The relay owns broadcast, fee
// bumping, and retries; this package owns credentials, submission
// deduplication, and status polling.
package relay

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sequencer/ethereum"
	"sequencer/observability"
)

const (
	defaultSendTimeout  = time.Minute
	defaultPollInterval = 5 * time.Second

	// The relay's own gas estimation is not trusted; every job carries this
	// override.
	gasLimitOverride = 1_000_000
)

// Backend submits transactions as relay jobs. It implements
// ethereum.Backend.
type Backend struct {
	client       *Client
	sendTimeout  time.Duration
	pollInterval time.Duration
	tracer       trace.Tracer
	log          *slog.Logger
}

// Option customises the backend.
type Option func(*Backend)

// WithSendTimeout bounds the time allowed to obtain a relay job id.
func WithSendTimeout(timeout time.Duration) Option {
	return func(b *Backend) { b.sendTimeout = timeout }
}

// WithPollInterval configures the job status polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(b *Backend) { b.pollInterval = interval }
}

// WithBackendLogger overrides the default logger.
func WithBackendLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.log = logger }
}

// NewBackend constructs a relay submission backend around an API client.
func NewBackend(client *Client, opts ...Option) *Backend {
	backend := &Backend{
		client:       client,
		sendTimeout:  defaultSendTimeout,
		pollInterval: defaultPollInterval,
		tracer:       otel.Tracer("sequencer/relay"),
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend
}

// Submit hands the call to the relay and waits for the resulting job to reach
// a terminal status. When isRetry is set, the relay's job list is scanned for
// an existing job carrying the same payload first; a match is polled instead
// of resubmitted, because the previous attempt may have been accepted even
// though its result never reached the caller.
func (b *Backend) Submit(ctx context.Context, call ethereum.TxRequest, isRetry bool) (*ethereum.Receipt, error) {
	ctx, span := b.tracer.Start(ctx, "relay.submit",
		trace.WithAttributes(attribute.Bool("retry", isRetry)))
	defer span.End()

	started := time.Now()

	tx := RelayTransaction{
		To:       call.To,
		GasLimit: gasLimitOverride,
		Data:     hexutil.Bytes(call.Data),
	}
	if call.Value != nil && call.Value.Sign() > 0 {
		tx.Value = (*hexutil.Big)(call.Value)
	}

	if isRetry {
		b.log.Info("checking relay for an existing job before resubmitting")
		existing, err := b.client.ListTransactions(ctx)
		if err != nil {
			observability.Sequencer().RecordError("relay", "list")
			return nil, &ethereum.SendError{Cause: err}
		}
		if match := findByPayload(existing, call.Data); match != nil {
			b.log.Info("existing relay job matches payload, skipping resubmission", "job_id", match.TransactionID)
			observability.Sequencer().RecordDedupedResend()
			final, err := b.MineTransaction(ctx, match.TransactionID)
			if err != nil {
				return nil, err
			}
			return receiptFor(final), nil
		}
	}

	selector := observability.SelectorLabel(call.Data)
	observability.Sequencer().RecordSubmission(selector)
	b.log.Info("sending transaction to relay", "selector", selector, "gas_limit", tx.GasLimit)

	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	id, err := b.client.SendTransaction(sendCtx, tx)
	if err != nil {
		if sendCtx.Err() != nil && ctx.Err() == nil {
			observability.Sequencer().RecordError("relay", "timeout")
			return nil, ethereum.ErrSendTimeout
		}
		observability.Sequencer().RecordError("relay", "send")
		return nil, &ethereum.SendError{Cause: err}
	}
	b.log.Info("transaction submitted to relay", "job_id", id)

	final, err := b.MineTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	observability.Sequencer().ObserveSubmitLatency("relay", time.Since(started))
	return receiptFor(final), nil
}

// MineTransaction polls the job until it reaches a terminal status. Polling
// has no upper bound of its own; the caller's context is the only limit.
func (b *Backend) MineTransaction(ctx context.Context, id string) (*RelayTransaction, error) {
	for {
		record, err := b.client.QueryTransaction(ctx, id)
		if err != nil {
			observability.Sequencer().RecordError("relay", "query")
			return nil, &ethereum.SendError{Cause: err}
		}
		if record.Status == "" {
			// A job the relay no longer reports a status for has been
			// discarded.
			observability.Sequencer().RecordError("relay", "dropped")
			return nil, ethereum.ErrDropped
		}
		if record.Terminal() {
			return record, nil
		}

		b.log.Info("waiting for relay job", "job_id", id, "status", record.Status)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

// ListJobs exposes the relay's job records for operational tooling.
func (b *Backend) ListJobs(ctx context.Context) ([]RelayTransaction, error) {
	return b.client.ListTransactions(ctx)
}

// QueryJob exposes a single job record for operational tooling.
func (b *Backend) QueryJob(ctx context.Context, id string) (*RelayTransaction, error) {
	return b.client.QueryTransaction(ctx, id)
}

func findByPayload(records []RelayTransaction, payload []byte) *RelayTransaction {
	if len(payload) == 0 {
		return nil
	}
	for i := range records {
		if bytes.Equal(records[i].Data, payload) {
			return &records[i]
		}
	}
	return nil
}

func receiptFor(record *RelayTransaction) *ethereum.Receipt {
	receipt := &ethereum.Receipt{}
	if record.Hash != nil {
		receipt.TxHash = *record.Hash
	}
	return receipt
}
