package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AccountType classifies accounts by the ledger data behind them
type AccountType string

const (
	AccountBasic    AccountType = "basic"
	AccountContract AccountType = "contract"
	AccountToken    AccountType = "token"
)

// Account is the locally maintained view of a tracked address. Every field other
// than Address is optional; nil (or the empty type) means "not known".
type Account struct {
	Address Address `json:"address"`

	// Set locally, never returned by the remote
	Label *string `json:"label,omitempty"`

	Type     AccountType  `json:"type,omitempty"`
	Balance  *big.Int     `json:"balance,omitempty"`
	Nonce    *uint64      `json:"nonce,omitempty"`
	CodeHash *common.Hash `json:"code_hash,omitempty"`

	// ERC-20 contracts
	TokenName     *string  `json:"token_name,omitempty"`
	TokenSymbol   *string  `json:"token_symbol,omitempty"`
	TokenDecimals *uint8   `json:"token_decimals,omitempty"`
	TotalSupply   *big.Int `json:"total_supply,omitempty"`
}

// AccountInput implements AddressLike for partial records
func (a Account) AccountInput() (Account, error) {
	if a.Address == (Address{}) {
		return Account{}, fmt.Errorf("%w: account record without address", ErrInvalidAddress)
	}
	return a, nil
}

// Merge returns a copy of a with every field carried by u applied on top.
// Fields absent from u keep their current value; the address never changes.
func (a Account) Merge(u Account) Account {
	out := a
	if u.Label != nil {
		out.Label = u.Label
	}
	if u.Type != "" {
		out.Type = u.Type
	}
	if u.Balance != nil {
		out.Balance = u.Balance
	}
	if u.Nonce != nil {
		out.Nonce = u.Nonce
	}
	if u.CodeHash != nil {
		out.CodeHash = u.CodeHash
	}
	if u.TokenName != nil {
		out.TokenName = u.TokenName
	}
	if u.TokenSymbol != nil {
		out.TokenSymbol = u.TokenSymbol
	}
	if u.TokenDecimals != nil {
		out.TokenDecimals = u.TokenDecimals
	}
	if u.TotalSupply != nil {
		out.TotalSupply = u.TotalSupply
	}
	return out
}

// WithLabel returns a copy of a carrying the given label
func (a Account) WithLabel(label string) Account {
	a.Label = &label
	return a
}
