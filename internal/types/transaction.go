package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionState represents the status of a transaction
type TransactionState string

const (
	TxPending TransactionState = "pending"
	TxMined   TransactionState = "mined"
	TxFailed  TransactionState = "failed"
)

// Transaction is a canonical ledger transfer record. It is pending until it
// carries a timestamp. Records are never mutated; a newer record under the same
// hash replaces the old one.
type Transaction struct {
	Hash          common.Hash      `json:"hash"`
	Sender        Address          `json:"sender"`
	Recipient     *Address         `json:"recipient,omitempty"`
	Value         *big.Int         `json:"value,omitempty"`
	Fee           *big.Int         `json:"fee,omitempty"`
	Nonce         uint64           `json:"nonce"`
	BlockHash     *common.Hash     `json:"block_hash,omitempty"`
	BlockHeight   uint64           `json:"block_height,omitempty"`
	Timestamp     *time.Time       `json:"timestamp,omitempty"`
	State         TransactionState `json:"state"`
	Confirmations uint64           `json:"confirmations,omitempty"`
}

// Normalize returns the canonical form of tx: the state is derived from the
// timestamp when missing or inconsistent with it.
func (tx Transaction) Normalize() Transaction {
	switch {
	case tx.Timestamp == nil && tx.State != TxFailed:
		tx.State = TxPending
	case tx.Timestamp != nil && (tx.State == "" || tx.State == TxPending):
		tx.State = TxMined
	}
	return tx
}

// IsPending reports whether tx has not been included in a block yet
func (tx Transaction) IsPending() bool {
	return tx.Timestamp == nil
}

// Involves reports whether addr is the sender or the recipient of tx
func (tx Transaction) Involves(addr Address) bool {
	if tx.Sender == addr {
		return true
	}
	return tx.Recipient != nil && *tx.Recipient == addr
}

// NewestFirst orders pending transactions first, then by descending timestamp.
// Equal timestamps compare as 0.
func NewestFirst(a, b Transaction) int {
	switch {
	case a.Timestamp == nil && b.Timestamp == nil:
		return 0
	case a.Timestamp == nil:
		return -1
	case b.Timestamp == nil:
		return 1
	}
	return b.Timestamp.Compare(*a.Timestamp)
}

// OldestFirst orders by ascending timestamp with pending transactions last
func OldestFirst(a, b Transaction) int {
	return NewestFirst(b, a)
}
