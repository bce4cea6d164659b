package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// FeeMode selects the envelope used for outgoing transactions. Some target
// networks and test harnesses do not support the dynamic-fee format.
type FeeMode string

const (
	// FeeLegacy emits pre-EIP-1559 transactions with a single gas price.
	FeeLegacy FeeMode = "legacy"
	// FeeDynamic emits EIP-1559 transactions with tip and fee caps.
	FeeDynamic FeeMode = "dynamic"
)

// Fees carries the fee fields resolved for a single transaction. GasPrice is
// set in legacy mode; GasTipCap and GasFeeCap in dynamic mode.
type Fees struct {
	GasPrice  *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// Signer binds a local private key to the discovered chain id and sequences
// account nonces locally so concurrent submissions never share one.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  gethtypes.Signer
	feeMode FeeMode

	mu    sync.Mutex
	nonce uint64
}

// NewSigner constructs a signer from a hex-encoded private key. The chain id
// is discovered from the client; when expectedChainID is non-zero a mismatch
// against the discovered id fails construction rather than a later call. The
// nonce counter is seeded from the account's pending nonce.
func NewSigner(ctx context.Context, client ChainClient, privateKeyHex string, feeMode FeeMode, expectedChainID uint64) (*Signer, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("ethereum: invalid signing key: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethereum: discover chain id: %w", err)
	}
	if expectedChainID != 0 && chainID.Cmp(new(big.Int).SetUint64(expectedChainID)) != 0 {
		return nil, fmt.Errorf("ethereum: chain id mismatch: node reports %s, signer configured for %d", chainID, expectedChainID)
	}

	nonce, err := client.PendingNonceAt(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("ethereum: fetch account nonce: %w", err)
	}

	switch feeMode {
	case FeeLegacy, FeeDynamic:
	case "":
		feeMode = FeeDynamic
	default:
		return nil, fmt.Errorf("ethereum: unknown fee mode %q", feeMode)
	}

	return &Signer{
		key:     key,
		address: address,
		chainID: chainID,
		signer:  gethtypes.LatestSignerForChainID(chainID),
		feeMode: feeMode,
		nonce:   nonce,
	}, nil
}

// Address returns the account address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain id the signer is bound to.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// FeeMode returns the envelope this signer emits.
func (s *Signer) FeeMode() FeeMode {
	return s.feeMode
}

// ReserveNonce returns the next unused account nonce. Reservation happens
// before broadcast and the counter never rewinds, so a transaction that later
// fails still consumes its nonce.
func (s *Signer) ReserveNonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := s.nonce
	s.nonce++
	return nonce
}

// SignTx produces a chain-bound signed transaction for the call under the
// supplied nonce and fees.
func (s *Signer) SignTx(call TxRequest, nonce uint64, fees Fees) (*gethtypes.Transaction, error) {
	if call.To == nil {
		return nil, fmt.Errorf("ethereum: contract creation not supported")
	}
	var inner gethtypes.TxData
	switch s.feeMode {
	case FeeLegacy:
		inner = &gethtypes.LegacyTx{
			Nonce:    nonce,
			To:       call.To,
			Value:    call.Value,
			Gas:      call.GasLimit,
			GasPrice: fees.GasPrice,
			Data:     call.Data,
		}
	default:
		inner = &gethtypes.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			To:        call.To,
			Value:     call.Value,
			Gas:       call.GasLimit,
			GasTipCap: fees.GasTipCap,
			GasFeeCap: fees.GasFeeCap,
			Data:      call.Data,
		}
	}
	signed, err := gethtypes.SignNewTx(s.key, s.signer, inner)
	if err != nil {
		return nil, fmt.Errorf("ethereum: sign transaction: %w", err)
	}
	return signed, nil
}
