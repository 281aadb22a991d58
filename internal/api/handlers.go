package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/session"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// Handlers contains HTTP handlers for the API
type Handlers struct {
	session *session.Session
	logger  *logrus.Logger
}

// NewHandlers creates new API handlers
func NewHandlers(s *session.Session, logger *logrus.Logger) *Handlers {
	return &Handlers{
		session: s,
		logger:  logger,
	}
}

// Observe keeps the session's chain state and transaction ledger active so
// that status reads and the ledger see live data. The returned function
// releases the subscriptions.
func (h *Handlers) Observe() (release func()) {
	s := h.session
	unsubscribers := []func(){
		s.Consensus.State.Subscribe(func(types.ConsensusState) {}),
		s.Head.Height.Subscribe(func(uint64) {}),
		s.Network.PeerCount.Subscribe(func(uint64) {}),
		s.Transactions.Transactions.Subscribe(func([]types.Transaction) {}),
	}
	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}

// StatusResponse is the body of GET /api/v1/status
type StatusResponse struct {
	Ready                  bool                 `json:"ready"`
	Network                types.Network        `json:"network"`
	Consensus              types.ConsensusState `json:"consensus"`
	HeadHash               string               `json:"head_hash,omitempty"`
	Height                 uint64               `json:"height"`
	PeerCount              uint64               `json:"peer_count"`
	Accounts               int                  `json:"accounts"`
	Transactions           int                  `json:"transactions"`
	AccountsRefreshing     bool                 `json:"accounts_refreshing"`
	TransactionsRefreshing bool                 `json:"transactions_refreshing"`
}

// AccountsRequest is the body of account mutations
type AccountsRequest struct {
	Address   string   `json:"address,omitempty"`
	Label     *string  `json:"label,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// SortRequest is the body of PUT /api/v1/transactions/sort
type SortRequest struct {
	Order string `json:"order"`
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !h.session.Ready.Get() {
		status = "starting"
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"service": "ledgerwatch",
	})
}

// GetStatus reports the session and chain state
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.session
	resp := StatusResponse{
		Ready:                  s.Ready.Get(),
		Network:                s.Options().Network,
		Consensus:              s.Consensus.State.Get(),
		Height:                 s.Head.Height.Get(),
		PeerCount:              s.Network.PeerCount.Get(),
		Accounts:               len(s.Accounts.Snapshot()),
		Transactions:           len(s.Transactions.Snapshot()),
		AccountsRefreshing:     s.Accounts.Refreshing.Get(),
		TransactionsRefreshing: s.Transactions.Refreshing.Get(),
	}
	if hash := s.Head.Hash.Get(); hash != (common.Hash{}) {
		resp.HeadHash = hash.Hex()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Accounts lists (GET), adds (POST) or removes (DELETE) tracked accounts
func (h *Handlers) Accounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, types.NewAccountViews(h.session.Accounts.Snapshot()))
	case http.MethodPost:
		h.addAccounts(w, r)
	case http.MethodDelete:
		h.removeAccounts(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) addAccounts(w http.ResponseWriter, r *http.Request) {
	var req AccountsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	items, err := req.addressLikes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(items) == 0 {
		http.Error(w, "Missing required field: address", http.StatusBadRequest)
		return
	}

	if err := h.session.Accounts.Add(items...); err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.WithField("count", len(items)).Info("Accounts added")
	h.writeJSON(w, http.StatusOK, types.NewAccountViews(h.session.Accounts.Snapshot()))
}

func (h *Handlers) removeAccounts(w http.ResponseWriter, r *http.Request) {
	req := AccountsRequest{Addresses: r.URL.Query()["address"]}
	if len(req.Addresses) == 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	items, err := req.addressLikes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.session.Accounts.Remove(items...); err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.WithField("count", len(items)).Info("Accounts removed")
	h.writeJSON(w, http.StatusOK, types.NewAccountViews(h.session.Accounts.Snapshot()))
}

// RefreshAccounts refreshes the given addresses, or every tracked one
func (h *Handlers) RefreshAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	items, ok := h.optionalAddresses(w, r)
	if !ok {
		return
	}
	if err := h.session.Accounts.Refresh(r.Context(), items...); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, types.NewAccountViews(h.session.Accounts.Snapshot()))
}

// Transactions lists transactions, optionally for one address
func (h *Handlers) Transactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	txs := h.session.Transactions.Snapshot()
	if raw := r.URL.Query().Get("address"); raw != "" {
		addr, err := types.ParseAddress(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		txs = h.session.Transactions.ForAddress(addr)
	}
	h.writeJSON(w, http.StatusOK, types.NewTransactionViews(txs))
}

// RefreshTransactions fetches history for the given addresses, or every tracked one
func (h *Handlers) RefreshTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	items, ok := h.optionalAddresses(w, r)
	if !ok {
		return
	}
	if err := h.session.Transactions.Refresh(r.Context(), items...); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, types.NewTransactionViews(h.session.Transactions.Snapshot()))
}

// SetSort changes the transaction order
func (h *Handlers) SetSort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	switch strings.ToLower(req.Order) {
	case "newest", "":
		h.session.Transactions.SetSort(types.NewestFirst)
	case "oldest":
		h.session.Transactions.SetSort(types.OldestFirst)
	default:
		http.Error(w, "order must be newest or oldest", http.StatusBadRequest)
		return
	}
	h.writeJSON(w, http.StatusOK, types.NewTransactionViews(h.session.Transactions.Snapshot()))
}

// optionalAddresses decodes an optional AccountsRequest body
func (h *Handlers) optionalAddresses(w http.ResponseWriter, r *http.Request) ([]types.AddressLike, bool) {
	var req AccountsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return nil, false
	}
	items, err := req.addressLikes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return items, true
}

func (req AccountsRequest) addressLikes() ([]types.AddressLike, error) {
	var items []types.AddressLike
	if req.Address != "" {
		addr, err := types.ParseAddress(req.Address)
		if err != nil {
			return nil, err
		}
		acc := types.Account{Address: addr, Label: req.Label}
		items = append(items, acc)
	}
	for _, raw := range req.Addresses {
		addr, err := types.ParseAddress(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, addr)
	}
	return items, nil
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, types.ErrInvalidAddress):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	h.logger.WithField("error", err).Warn("Request failed")
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}
