package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned when an address-like input cannot be normalized
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies a ledger account. It is comparable and usable as a map key;
// its canonical form is the checksummed hex string.
type Address struct {
	common.Address
}

// AddressLike is anything that can be normalized into an account input record
type AddressLike interface {
	AccountInput() (Account, error)
}

// HexAddress is an address-like given as a hex string
type HexAddress string

// NewAddress wraps a go-ethereum address
func NewAddress(a common.Address) Address {
	return Address{Address: a}
}

// ParseAddress parses a hex encoded address, with or without 0x prefix
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address{Address: common.HexToAddress(s)}, nil
}

// MustParseAddress is like ParseAddress but panics on error
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AccountInput implements AddressLike
func (a Address) AccountInput() (Account, error) {
	return Account{Address: a}, nil
}

// AccountInput implements AddressLike
func (h HexAddress) AccountInput() (Account, error) {
	a, err := ParseAddress(string(h))
	if err != nil {
		return Account{}, err
	}
	return Account{Address: a}, nil
}

// NormalizeAddressLikes converts address-likes into canonical account inputs.
// Nil entries are skipped; the first invalid entry fails the whole batch.
func NormalizeAddressLikes(items []AddressLike) ([]Account, error) {
	out := make([]Account, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		acc, err := item.AccountInput()
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, nil
}

// AddressesOf returns the addresses of the given accounts, preserving order
func AddressesOf(accounts []Account) []Address {
	out := make([]Address, len(accounts))
	for i, acc := range accounts {
		out[i] = acc.Address
	}
	return out
}
