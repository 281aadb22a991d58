package types

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addrHex = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

func ptr[T any](v T) *T { return &v }

func TestParseAddress(t *testing.T) {
	t.Run("accepts mixed case and missing prefix", func(t *testing.T) {
		a, err := ParseAddress("742d35cc6634c0532925a3b844bc454e4438f44e")
		require.NoError(t, err)
		assert.Equal(t, addrHex, a.Hex())

		b, err := ParseAddress(addrHex)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseAddress("not-an-address")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidAddress))
	})
}

func TestNormalizeAddressLikes(t *testing.T) {
	a := MustParseAddress(addrHex)

	got, err := NormalizeAddressLikes([]AddressLike{
		a,
		HexAddress(addrHex),
		Account{Address: a}.WithLabel("savings"),
		nil,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, acc := range got {
		assert.Equal(t, a, acc.Address)
	}
	require.NotNil(t, got[2].Label)
	assert.Equal(t, "savings", *got[2].Label)

	_, err = NormalizeAddressLikes([]AddressLike{a, HexAddress("0x12")})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = NormalizeAddressLikes([]AddressLike{Account{}})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAccountMerge(t *testing.T) {
	a := MustParseAddress(addrHex)
	stored := Account{
		Address:  a,
		Label:    ptr("x"),
		Type:     AccountBasic,
		Balance:  big.NewInt(5),
		Nonce:    ptr(uint64(3)),
		CodeHash: ptr(common.HexToHash("0x01")),
	}

	t.Run("absent fields are preserved", func(t *testing.T) {
		merged := stored.Merge(Account{Address: a, Balance: big.NewInt(7)})
		assert.Equal(t, big.NewInt(7), merged.Balance)
		assert.Equal(t, "x", *merged.Label)
		assert.Equal(t, AccountBasic, merged.Type)
		assert.Equal(t, uint64(3), *merged.Nonce)
		assert.Equal(t, stored.CodeHash, merged.CodeHash)
	})

	t.Run("idempotent", func(t *testing.T) {
		update := Account{Address: a, Type: AccountToken, TokenSymbol: ptr("USDT"), TokenDecimals: ptr(uint8(6))}
		once := stored.Merge(update)
		twice := once.Merge(update)
		assert.Equal(t, once, twice)
	})

	t.Run("does not mutate receiver", func(t *testing.T) {
		_ = stored.Merge(Account{Address: a, Label: ptr("y")})
		assert.Equal(t, "x", *stored.Label)
	})
}

func TestTransactionNormalize(t *testing.T) {
	ts := time.Unix(100, 0)

	assert.Equal(t, TxPending, Transaction{}.Normalize().State)
	assert.Equal(t, TxMined, Transaction{Timestamp: &ts}.Normalize().State)
	assert.Equal(t, TxMined, Transaction{Timestamp: &ts, State: TxPending}.Normalize().State)
	assert.Equal(t, TxFailed, Transaction{Timestamp: &ts, State: TxFailed}.Normalize().State)
}

func TestNewestFirst(t *testing.T) {
	t100, t200 := time.Unix(100, 0), time.Unix(200, 0)
	pending := Transaction{}
	old := Transaction{Timestamp: &t100}
	recent := Transaction{Timestamp: &t200}

	assert.Equal(t, 0, NewestFirst(pending, pending))
	assert.Negative(t, NewestFirst(pending, old))
	assert.Positive(t, NewestFirst(old, pending))
	assert.Negative(t, NewestFirst(recent, old))
	assert.Positive(t, NewestFirst(old, recent))
	assert.Equal(t, 0, NewestFirst(old, Transaction{Timestamp: &t100}))

	assert.Negative(t, OldestFirst(old, recent))
	assert.Positive(t, OldestFirst(pending, old))
}

func TestTransactionInvolves(t *testing.T) {
	a := MustParseAddress(addrHex)
	b := MustParseAddress("0x0000000000000000000000000000000000000001")
	c := MustParseAddress("0x0000000000000000000000000000000000000002")

	tx := Transaction{Sender: a, Recipient: &b}
	assert.True(t, tx.Involves(a))
	assert.True(t, tx.Involves(b))
	assert.False(t, tx.Involves(c))
	assert.False(t, Transaction{Sender: a}.Involves(c))
}

func TestNetworkChainID(t *testing.T) {
	id, ok := TestNet.ChainID()
	require.True(t, ok)
	assert.Equal(t, int64(11155111), id.Int64())
	assert.False(t, Network("ropsten").Valid())
}

func TestFormatUnits(t *testing.T) {
	wei, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)
	assert.Equal(t, "1.5", FormatEther(wei))
	assert.Equal(t, "0", FormatEther(nil))
	assert.Equal(t, "12.345", FormatUnits(big.NewInt(12345), 3))

	back, err := ParseEther("1.5")
	require.NoError(t, err)
	assert.Equal(t, 0, wei.Cmp(back))

	_, err = ParseEther("one")
	require.Error(t, err)
}

func TestViews(t *testing.T) {
	label := "savings"
	decimals := uint8(6)
	acc := Account{
		Address:       MustParseAddress(addrHex),
		Label:         &label,
		Type:          AccountToken,
		Balance:       big.NewInt(2_000_000_000_000_000_000),
		TokenDecimals: &decimals,
		TotalSupply:   big.NewInt(1_500_000),
	}
	v := NewAccountView(acc)
	assert.Equal(t, addrHex, v.Address)
	assert.Equal(t, "savings", v.Label)
	assert.Equal(t, "2", v.Balance)
	assert.Equal(t, "1.5", v.TotalSupply)

	ts := time.Unix(100, 0)
	tx := Transaction{
		Hash:      common.HexToHash("0x01"),
		Sender:    acc.Address,
		Value:     big.NewInt(1_000_000_000_000_000),
		Timestamp: &ts,
		State:     TxMined,
	}
	tv := NewTransactionView(tx)
	assert.Equal(t, "0.001", tv.Value)
	assert.Empty(t, tv.Recipient)
	assert.Empty(t, tv.Fee)
	assert.Equal(t, TxMined, tv.State)
}
