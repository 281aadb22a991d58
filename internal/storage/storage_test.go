package storage

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ BlockCache = (*RedisStorage)(nil)
var _ BlockCache = (*InMemoryStorage)(nil)

func record(network types.Network, number uint64) *types.BlockRecord {
	return &types.BlockRecord{
		Network: network,
		Block:   types.Block{Number: number, Hash: common.BigToHash(common.Big1)},
		Transactions: []types.Transaction{
			{Hash: common.HexToHash("0x01"), State: types.TxMined},
		},
	}
}

func TestInMemoryStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage(0)

	_, err := s.GetBlock(ctx, types.MainNet, 10)
	require.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, s.SetBlock(ctx, record(types.MainNet, 10)))
	got, err := s.GetBlock(ctx, types.MainNet, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Block.Number)
	require.Len(t, got.Transactions, 1)

	_, err = s.GetBlock(ctx, types.TestNet, 10)
	require.ErrorIs(t, err, ErrCacheMiss, "entries are scoped by network")

	require.NoError(t, s.DeleteBlock(ctx, types.MainNet, 10))
	_, err = s.GetBlock(ctx, types.MainNet, 10)
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestInMemoryStorageReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage(0)
	require.NoError(t, s.SetBlock(ctx, record(types.MainNet, 1)))

	got, err := s.GetBlock(ctx, types.MainNet, 1)
	require.NoError(t, err)
	got.Transactions[0].State = types.TxFailed

	again, err := s.GetBlock(ctx, types.MainNet, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TxMined, again.Transactions[0].State)
}

func TestInMemoryStorageExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage(time.Minute)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.SetBlock(ctx, record(types.DevNet, 3)))
	_, err := s.GetBlock(ctx, types.DevNet, 3)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = s.GetBlock(ctx, types.DevNet, 3)
	require.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, 0, s.Len())
}
