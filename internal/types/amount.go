package types

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimals of the native currency
const EtherDecimals = 18

// FormatEther renders wei as a decimal ether string
func FormatEther(wei *big.Int) string {
	return FormatUnits(wei, EtherDecimals)
}

// FormatUnits renders amount scaled down by decimals, trimming trailing zeros
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	if decimals < 0 {
		decimals = 0
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ParseEther converts a decimal ether string to wei
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(EtherDecimals).BigInt(), nil
}
