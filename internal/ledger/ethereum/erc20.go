package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/igwedaniel/ledgerwatch/internal/types"
)

const erc20ABI = `[
{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

func parseERC20() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ERC-20 ABI: %w", err)
	}
	return parsed, nil
}

type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
}

// probeToken fills the token fields of acc when the contract answers the
// ERC-20 metadata calls. It reports whether the contract looks like a token.
func probeToken(ctx context.Context, caller contractCaller, token abi.ABI, acc *types.Account) bool {
	call := func(method string) ([]interface{}, bool) {
		input, err := token.Pack(method)
		if err != nil {
			return nil, false
		}
		to := acc.Address.Address
		out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
		if err != nil || len(out) == 0 {
			return nil, false
		}
		values, err := token.Unpack(method, out)
		if err != nil || len(values) == 0 {
			return nil, false
		}
		return values, true
	}

	values, ok := call("symbol")
	if !ok {
		return false
	}
	symbol, ok := values[0].(string)
	if !ok {
		return false
	}
	values, ok = call("decimals")
	if !ok {
		return false
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return false
	}
	acc.TokenSymbol = &symbol
	acc.TokenDecimals = &decimals

	if values, ok := call("name"); ok {
		if name, ok := values[0].(string); ok {
			acc.TokenName = &name
		}
	}
	if values, ok := call("totalSupply"); ok {
		if supply, ok := values[0].(*big.Int); ok {
			acc.TotalSupply = supply
		}
	}
	return true
}
