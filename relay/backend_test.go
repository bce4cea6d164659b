package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"sequencer/ethereum"
)

type relayFixture struct {
	server *httptest.Server

	mu           sync.Mutex
	jobs         []RelayTransaction
	statuses     map[string][]string
	createStatus int
	createDelay  time.Duration

	posts   atomic.Int64
	lists   atomic.Int64
	queries atomic.Int64
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	fixture := &relayFixture{
		statuses:     make(map[string][]string),
		createStatus: http.StatusOK,
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(fixture.handle))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *relayFixture) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/txs":
		f.lists.Add(1)
		f.mu.Lock()
		jobs := append([]RelayTransaction(nil), f.jobs...)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(jobs)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/txs/"):
		f.queries.Add(1)
		id := strings.TrimPrefix(r.URL.Path, "/txs/")
		f.mu.Lock()
		record := RelayTransaction{TransactionID: id}
		if queue := f.statuses[id]; len(queue) > 0 {
			record.Status = queue[0]
			if len(queue) > 1 {
				f.statuses[id] = queue[1:]
			}
			if record.Terminal() {
				hash := common.HexToHash("0xabc1")
				record.Hash = &hash
			}
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(record)
	case r.Method == http.MethodPost && r.URL.Path == "/txs":
		f.posts.Add(1)
		f.mu.Lock()
		status, delay := f.createStatus, f.createDelay
		f.mu.Unlock()
		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(RelayTransaction{TransactionID: "job-1", Status: StatusPending})
	default:
		http.NotFound(w, r)
	}
}

func newRelayBackend(t *testing.T, fixture *relayFixture, opts ...Option) *Backend {
	t.Helper()
	auth := newAuthFixture(t)
	client, err := NewClient(ClientConfig{
		BaseURL:     fixture.server.URL,
		APIKey:      "key",
		APISecret:   "secret",
		Credentials: NewCredentialCache(WithAuthURL(auth.server.URL)),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	opts = append([]Option{WithPollInterval(time.Millisecond)}, opts...)
	return NewBackend(client, opts...)
}

func testCall() ethereum.TxRequest {
	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	return ethereum.TxRequest{To: &to, Data: []byte{0x01, 0x02, 0x03, 0x04, 0xaa}}
}

func TestRelaySubmitPollsUntilTerminal(t *testing.T) {
	fixture := newRelayFixture(t)
	fixture.statuses["job-1"] = []string{StatusPending, StatusPending, StatusMined}
	backend := newRelayBackend(t, fixture)

	receipt, err := backend.Submit(context.Background(), testCall(), false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.TxHash != common.HexToHash("0xabc1") {
		t.Fatalf("unexpected receipt hash %s", receipt.TxHash)
	}
	if got := fixture.queries.Load(); got != 3 {
		t.Fatalf("expected 3 status queries, got %d", got)
	}
	if got := fixture.posts.Load(); got != 1 {
		t.Fatalf("expected one job creation, got %d", got)
	}
}

func TestRelaySubmitReturnsFailedJobs(t *testing.T) {
	fixture := newRelayFixture(t)
	fixture.statuses["job-1"] = []string{StatusFailed}
	backend := newRelayBackend(t, fixture)

	if _, err := backend.Submit(context.Background(), testCall(), false); err != nil {
		t.Fatalf("expected terminal failed job to return a record, got %v", err)
	}
}

func TestRelayRetryReusesExistingJob(t *testing.T) {
	fixture := newRelayFixture(t)
	call := testCall()
	fixture.jobs = []RelayTransaction{
		{TransactionID: "job-other", Data: hexutil.Bytes{0xff}},
		{TransactionID: "job-9", Data: hexutil.Bytes(call.Data)},
	}
	fixture.statuses["job-9"] = []string{StatusConfirmed}
	backend := newRelayBackend(t, fixture)

	receipt, err := backend.Submit(context.Background(), call, true)
	if err != nil {
		t.Fatalf("submit retry: %v", err)
	}
	if receipt == nil {
		t.Fatal("expected receipt from existing job")
	}
	if got := fixture.posts.Load(); got != 0 {
		t.Fatalf("expected no resubmission, got %d posts", got)
	}
	if got := fixture.lists.Load(); got != 1 {
		t.Fatalf("expected one job listing, got %d", got)
	}
}

func TestRelayRetryWithoutMatchSubmits(t *testing.T) {
	fixture := newRelayFixture(t)
	fixture.jobs = []RelayTransaction{{TransactionID: "job-other", Data: hexutil.Bytes{0xff}}}
	fixture.statuses["job-1"] = []string{StatusMined}
	backend := newRelayBackend(t, fixture)

	if _, err := backend.Submit(context.Background(), testCall(), true); err != nil {
		t.Fatalf("submit retry: %v", err)
	}
	if got := fixture.posts.Load(); got != 1 {
		t.Fatalf("expected a fresh submission, got %d posts", got)
	}
}

func TestRelaySubmitTimesOut(t *testing.T) {
	fixture := newRelayFixture(t)
	fixture.createDelay = 500 * time.Millisecond
	backend := newRelayBackend(t, fixture, WithSendTimeout(10*time.Millisecond))

	_, err := backend.Submit(context.Background(), testCall(), false)
	if !errors.Is(err, ethereum.ErrSendTimeout) {
		t.Fatalf("expected ErrSendTimeout, got %v", err)
	}
}

func TestRelaySubmitCallerCancellationIsNotTimeout(t *testing.T) {
	fixture := newRelayFixture(t)
	fixture.createDelay = 500 * time.Millisecond
	backend := newRelayBackend(t, fixture, WithSendTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := backend.Submit(ctx, testCall(), false)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ethereum.ErrSendTimeout) {
		t.Fatalf("caller cancellation must not classify as send timeout: %v", err)
	}
}

func TestRelayRejectedSubmissionIsAuthenticationError(t *testing.T) {
	fixture := newRelayFixture(t)
	fixture.createStatus = http.StatusUnauthorized
	backend := newRelayBackend(t, fixture)

	_, err := backend.Submit(context.Background(), testCall(), false)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	var sendErr *ethereum.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected SendError wrapper, got %v", err)
	}
}

func TestRelayJobWithoutStatusIsDropped(t *testing.T) {
	fixture := newRelayFixture(t)
	// job-1 has no status queue, so queries return an empty status.
	backend := newRelayBackend(t, fixture)

	_, err := backend.Submit(context.Background(), testCall(), false)
	if !errors.Is(err, ethereum.ErrDropped) {
		t.Fatalf("expected ErrDropped, got %v", err)
	}
}

func TestRelayGasOverrideAndValue(t *testing.T) {
	fixture := newRelayFixture(t)
	fixture.statuses["job-1"] = []string{StatusMined}

	var created RelayTransaction
	var createdMu sync.Mutex
	wrapped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/txs" {
			createdMu.Lock()
			_ = json.NewDecoder(r.Body).Decode(&created)
			createdMu.Unlock()
		}
		fixture.handle(w, r)
	}))
	defer wrapped.Close()

	auth := newAuthFixture(t)
	client, err := NewClient(ClientConfig{
		BaseURL:     wrapped.URL,
		APIKey:      "key",
		APISecret:   "secret",
		Credentials: NewCredentialCache(WithAuthURL(auth.server.URL)),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	backend := NewBackend(client, WithPollInterval(time.Millisecond))

	call := testCall()
	call.Value = big.NewInt(5)
	if _, err := backend.Submit(context.Background(), call, false); err != nil {
		t.Fatalf("submit: %v", err)
	}

	createdMu.Lock()
	defer createdMu.Unlock()
	if created.GasLimit != 1_000_000 {
		t.Fatalf("expected gas override 1000000, got %d", created.GasLimit)
	}
	if created.Value == nil || (*big.Int)(created.Value).Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected value 5, got %v", created.Value)
	}
}
