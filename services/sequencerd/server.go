package sequencerd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sequencer/ethereum"
)

// Server exposes the sequencer's submission and ingestion surface over HTTP.
type Server struct {
	eth     *ethereum.Ethereum
	metrics http.Handler
}

// NewServer constructs the HTTP surface around the submission facade.
func NewServer(eth *ethereum.Ethereum) (*Server, error) {
	if eth == nil {
		return nil, fmt.Errorf("ethereum facade required")
	}
	return &Server{eth: eth, metrics: promhttp.Handler()}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	case "/metrics":
		s.metrics.ServeHTTP(w, r)
	case "/identities":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleInsertIdentity(w, r)
	case "/events":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleEvents(w, r)
	case "/block":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleBlock(w, r)
	default:
		http.NotFound(w, r)
	}
}

type insertIdentityRequest struct {
	IdentityCommitment string `json:"identityCommitment"`
	Retry              bool   `json:"retry"`
}

type insertIdentityResponse struct {
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

func (s *Server) handleInsertIdentity(w http.ResponseWriter, r *http.Request) {
	var req insertIdentityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	raw := strings.TrimSpace(req.IdentityCommitment)
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("identityCommitment required"))
		return
	}
	decoded, err := hexutil.Decode(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse identityCommitment: %w", err))
		return
	}
	if len(decoded) > common.HashLength {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("identityCommitment exceeds %d bytes", common.HashLength))
		return
	}
	commitment := common.BytesToHash(decoded)

	receipt, err := s.eth.InsertIdentity(r.Context(), commitment, req.Retry)
	if err != nil {
		s.writeError(w, submissionStatus(err), fmt.Errorf("insert identity: %w", err))
		return
	}
	resp := insertIdentityResponse{BlockNumber: receipt.BlockNumber}
	if receipt.TxHash != (common.Hash{}) {
		resp.TxHash = receipt.TxHash.Hex()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type eventRecord struct {
	LeafIndex  uint64 `json:"leafIndex"`
	Commitment string `json:"commitment"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := uint64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("start")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse start block: %w", err))
			return
		}
		start = parsed
	}
	events, err := s.eth.FetchEvents(r.Context(), start)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Errorf("fetch events: %w", err))
		return
	}
	records := make([]eventRecord, 0, len(events))
	for _, event := range events {
		records = append(records, eventRecord{
			LeafIndex:  event.LeafIndex,
			Commitment: event.Commitment.Hex(),
		})
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	block, err := s.eth.LastBlock(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Errorf("fetch block number: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"blockNumber": block})
}

// submissionStatus maps submission failure classes onto HTTP statuses so
// callers can distinguish retryable outcomes.
func submissionStatus(err error) int {
	switch {
	case errors.Is(err, ethereum.ErrSendTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ethereum.ErrDropped):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		w.WriteHeader(status)
		return
	}
	log.Printf("request error: %v", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
