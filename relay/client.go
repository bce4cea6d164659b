package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// defaultBaseURL is the relay's public API root. Overridable for tests.
const defaultBaseURL = "https://api.defender.openzeppelin.com"

// RelayTransaction mirrors the relay's job record. Optional fields are
// omitted when absent, matching the wire contract.
type RelayTransaction struct {
	TransactionID string          `json:"transactionId,omitempty"`
	Hash          *common.Hash    `json:"hash,omitempty"`
	To            *common.Address `json:"to,omitempty"`
	Value         *hexutil.Big    `json:"value,omitempty"`
	GasLimit      uint64          `json:"gasLimit,omitempty"`
	Data          hexutil.Bytes   `json:"data,omitempty"`
	Status        string          `json:"status,omitempty"`
}

// Job statuses reported by the relay.
const (
	StatusPending   = "pending"
	StatusMined     = "mined"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Terminal reports whether the status will not change again.
func (t RelayTransaction) Terminal() bool {
	switch t.Status {
	case StatusMined, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// Client speaks the relay's /txs HTTP API using clients issued by the
// credential cache. All calls flow through a rate limiter so status polling
// cannot hammer the relay.
type Client struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	credentials *CredentialCache
	limiter     *rate.Limiter
	log         *slog.Logger
}

// ClientConfig represents the relay client configuration.
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	Credentials       *CredentialCache
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// NewClient constructs a relay API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("relay: api key and secret required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	credentials := cfg.Credentials
	if credentials == nil {
		credentials = NewCredentialCache()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	// Fractional rates still need one token of burst or Wait can never
	// succeed.
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		apiSecret:   cfg.APISecret,
		credentials: credentials,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		log:         logger,
	}, nil
}

// ListTransactions returns the relay's job records.
func (c *Client) ListTransactions(ctx context.Context) ([]RelayTransaction, error) {
	var items []RelayTransaction
	if err := c.do(ctx, http.MethodGet, "/txs", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// QueryTransaction returns the current record for a relay job id.
func (c *Client) QueryTransaction(ctx context.Context, id string) (*RelayTransaction, error) {
	var item RelayTransaction
	if err := c.do(ctx, http.MethodGet, "/txs/"+id, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// SendTransaction submits a new job and returns the relay-assigned id.
func (c *Client) SendTransaction(ctx context.Context, tx RelayTransaction) (string, error) {
	var created RelayTransaction
	if err := c.do(ctx, http.MethodPost, "/txs", &tx, &created); err != nil {
		return "", err
	}
	if created.TransactionID == "" {
		return "", fmt.Errorf("%w: creation response carries no transactionId", ErrUnknownResponse)
	}
	return created.TransactionID, nil
}

// do issues one authenticated request. The relay treats rejected requests as
// an authentication-class failure, so transport faults and non-success
// statuses both map to ErrAuthentication; only unparseable bodies surface as
// ErrUnknownResponse.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	httpClient, err := c.credentials.AcquireClient(ctx, c.apiKey, c.apiSecret)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("relay: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("relay: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.Error("relay rejected request", "method", method, "path", path, "status", resp.StatusCode, "body", string(text))
		return fmt.Errorf("%w: relay returned status %d", ErrAuthentication, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.log.Error("unparseable relay response", "method", method, "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrUnknownResponse, err)
	}
	return nil
}
