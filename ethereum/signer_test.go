package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// stubChain is an in-memory ChainClient used across the package tests.
type stubChain struct {
	mu sync.Mutex

	chainID     *big.Int
	chainIDErr  error
	nonce       uint64
	blockNumber uint64
	gasPrice    *big.Int
	tipCap      *big.Int
	header      *gethtypes.Header
	estimate    uint64
	sendErr     error
	sent        []*gethtypes.Transaction
	receipts    map[common.Hash]*gethtypes.Receipt
	pending     map[common.Hash]*gethtypes.Transaction
	logs        []gethtypes.Log
	filterErr   error

	// mineOnSend records a receipt for every accepted transaction.
	mineOnSend bool
	mineBlock  uint64

	// receiptDelay answers NotFound to that many receipt queries before
	// revealing recorded receipts, imitating indexing lag.
	receiptDelay   int
	receiptQueries int
}

func newStubChain() *stubChain {
	return &stubChain{
		chainID:  big.NewInt(1),
		gasPrice: big.NewInt(2_000_000_000),
		tipCap:   big.NewInt(1_000_000_000),
		header:   &gethtypes.Header{Number: big.NewInt(1), BaseFee: big.NewInt(100)},
		estimate: 21_000,
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		pending:  make(map[common.Hash]*gethtypes.Transaction),
	}
}

func (s *stubChain) ChainID(ctx context.Context) (*big.Int, error) {
	if s.chainIDErr != nil {
		return nil, s.chainIDErr
	}
	return new(big.Int).Set(s.chainID), nil
}

func (s *stubChain) BlockNumber(ctx context.Context) (uint64, error) {
	return s.blockNumber, nil
}

func (s *stubChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return s.nonce, nil
}

func (s *stubChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.gasPrice), nil
}

func (s *stubChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.tipCap), nil
}

func (s *stubChain) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return s.header, nil
}

func (s *stubChain) EstimateGas(ctx context.Context, call geth.CallMsg) (uint64, error) {
	return s.estimate, nil
}

func (s *stubChain) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	if s.mineOnSend {
		s.receipts[tx.Hash()] = &gethtypes.Receipt{BlockNumber: new(big.Int).SetUint64(s.mineBlock)}
	}
	return nil
}

func (s *stubChain) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.pending[hash]; ok {
		return tx, true, nil
	}
	return nil, false, geth.NotFound
}

func (s *stubChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiptQueries++
	if s.receiptQueries <= s.receiptDelay {
		return nil, geth.NotFound
	}
	if receipt, ok := s.receipts[hash]; ok {
		return receipt, nil
	}
	return nil, geth.NotFound
}

func (s *stubChain) FilterLogs(ctx context.Context, query geth.FilterQuery) ([]gethtypes.Log, error) {
	if s.filterErr != nil {
		return nil, s.filterErr
	}
	return s.logs, nil
}

func TestSignerReservesUniqueNonces(t *testing.T) {
	chain := newStubChain()
	chain.nonce = 7
	signer, err := NewSigner(context.Background(), chain, testKeyHex, FeeDynamic, 1)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	const workers = 32
	results := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- signer.ReserveNonce()
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool, workers)
	for nonce := range results {
		if seen[nonce] {
			t.Fatalf("nonce %d reserved twice", nonce)
		}
		if nonce < 7 || nonce >= 7+workers {
			t.Fatalf("nonce %d outside expected range", nonce)
		}
		seen[nonce] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct nonces, got %d", workers, len(seen))
	}
}

func TestSignerChainIDMismatch(t *testing.T) {
	chain := newStubChain()
	chain.chainID = big.NewInt(5)
	if _, err := NewSigner(context.Background(), chain, testKeyHex, FeeDynamic, 1); err == nil {
		t.Fatal("expected chain id mismatch error")
	}
}

func TestSignerAcceptsPrefixedKey(t *testing.T) {
	chain := newStubChain()
	signer, err := NewSigner(context.Background(), chain, "0x"+testKeyHex, FeeDynamic, 0)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Fatal("expected derived address")
	}
}

func TestSignerDefaultsToDynamicFees(t *testing.T) {
	chain := newStubChain()
	signer, err := NewSigner(context.Background(), chain, testKeyHex, "", 0)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if signer.FeeMode() != FeeDynamic {
		t.Fatalf("expected dynamic fee mode, got %q", signer.FeeMode())
	}
}

func TestSignerRejectsUnknownFeeMode(t *testing.T) {
	chain := newStubChain()
	if _, err := NewSigner(context.Background(), chain, testKeyHex, "turbo", 0); err == nil {
		t.Fatal("expected fee mode error")
	}
}

func TestSignTxEnvelopes(t *testing.T) {
	chain := newStubChain()
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	call := TxRequest{To: &to, GasLimit: 21_000, Data: []byte{0x01}}

	legacy, err := NewSigner(context.Background(), chain, testKeyHex, FeeLegacy, 0)
	if err != nil {
		t.Fatalf("new legacy signer: %v", err)
	}
	tx, err := legacy.SignTx(call, 3, Fees{GasPrice: big.NewInt(10)})
	if err != nil {
		t.Fatalf("sign legacy tx: %v", err)
	}
	if tx.Type() != gethtypes.LegacyTxType {
		t.Fatalf("expected legacy envelope, got type %d", tx.Type())
	}
	if tx.Nonce() != 3 {
		t.Fatalf("expected nonce 3, got %d", tx.Nonce())
	}

	dynamic, err := NewSigner(context.Background(), chain, testKeyHex, FeeDynamic, 0)
	if err != nil {
		t.Fatalf("new dynamic signer: %v", err)
	}
	tx, err = dynamic.SignTx(call, 4, Fees{GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(20)})
	if err != nil {
		t.Fatalf("sign dynamic tx: %v", err)
	}
	if tx.Type() != gethtypes.DynamicFeeTxType {
		t.Fatalf("expected dynamic envelope, got type %d", tx.Type())
	}

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(dynamic.ChainID()), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != dynamic.Address() {
		t.Fatalf("expected sender %s, got %s", dynamic.Address(), sender)
	}
}

func TestSignTxRejectsContractCreation(t *testing.T) {
	chain := newStubChain()
	signer, err := NewSigner(context.Background(), chain, testKeyHex, FeeDynamic, 0)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if _, err := signer.SignTx(TxRequest{Data: []byte{0x01}}, 0, Fees{GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)}); err == nil {
		t.Fatal("expected error for missing destination")
	}
}

func TestSendErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &SendError{Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected SendError to unwrap to its cause")
	}
}
