package blockchain

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/ledger/ledgertest"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestConsensusActivation(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusSyncing)
	c := NewConsensus(context.Background(), ledgertest.NewProvider(remote), testLogger())

	assert.Equal(t, types.ConsensusLoading, c.State.Get())
	assert.Equal(t, 0, remote.Listeners(), "no listener without subscribers")

	unsubscribe := c.State.Subscribe(func(types.ConsensusState) {})
	require.Eventually(t, func() bool { return c.State.Get() == types.ConsensusSyncing }, waitFor, tick)
	require.Eventually(t, func() bool { return remote.Listeners() == 1 }, waitFor, tick)

	remote.SetConsensus(types.ConsensusEstablished)
	assert.Equal(t, types.ConsensusEstablished, c.State.Get())
	assert.True(t, c.Established.Get())

	unsubscribe()
	assert.Equal(t, 0, remote.Listeners())
}

func TestConsensusWaitEstablished(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusSyncing)
	c := NewConsensus(context.Background(), ledgertest.NewProvider(remote), testLogger())

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		errCh <- c.WaitEstablished(ctx)
	}()

	require.Eventually(t, func() bool { return remote.Listeners() == 1 }, waitFor, tick)
	remote.SetConsensus(types.ConsensusEstablished)

	require.NoError(t, <-errCh)
	require.Eventually(t, func() bool { return remote.Listeners() == 0 }, waitFor, tick)
}

func TestListenerWaitsForSession(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusEstablished)
	provider := ledgertest.NewPendingProvider(remote)
	c := NewConsensus(context.Background(), provider, testLogger())

	unsubscribe := c.State.Subscribe(func(types.ConsensusState) {})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.ConsensusLoading, c.State.Get())

	provider.Release()
	require.Eventually(t, func() bool { return c.Established.Get() }, waitFor, tick)

	unsubscribe()
	assert.Equal(t, 0, remote.Listeners())
}

func TestUnsubscribeBeforeSessionReady(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusEstablished)
	provider := ledgertest.NewPendingProvider(remote)
	c := NewConsensus(context.Background(), provider, testLogger())

	unsubscribe := c.State.Subscribe(func(types.ConsensusState) {})
	unsubscribe()
	provider.Release()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, remote.Listeners())
	assert.Empty(t, remote.Events())
}

func TestHead(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusEstablished)
	genesis := types.Block{Number: 7, Hash: common.HexToHash("0x07")}
	remote.SetHead(genesis)

	h := NewHead(context.Background(), ledgertest.NewProvider(remote), testLogger())
	assert.Equal(t, uint64(0), h.Height.Get())

	unsubscribe := h.Height.Subscribe(func(uint64) {})
	defer unsubscribe()

	require.Eventually(t, func() bool { return h.Height.Get() == 7 }, waitFor, tick)
	assert.Equal(t, genesis.Hash, h.Hash.Get())

	next := types.Block{Number: 8, Hash: common.HexToHash("0x08"), ParentHash: genesis.Hash}
	remote.SetHead(next)

	require.Eventually(t, func() bool { return h.Height.Get() == 8 }, waitFor, tick)
	block := h.Block.Get()
	require.NotNil(t, block)
	assert.Equal(t, genesis.Hash, block.ParentHash)
}

func TestHeadSkipsInitialFetchWhileSyncing(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusSyncing)
	remote.SetHead(types.Block{Number: 3, Hash: common.HexToHash("0x03")})

	h := NewHead(context.Background(), ledgertest.NewProvider(remote), testLogger())
	unsubscribe := h.Hash.Subscribe(func(common.Hash) {})
	defer unsubscribe()

	require.Eventually(t, func() bool { return remote.Listeners() == 1 }, waitFor, tick)
	assert.Equal(t, common.Hash{}, h.Hash.Get())
}

func TestNetworkPolling(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusEstablished)
	remote.SetNetworkStatistics(types.NetworkStatistics{PeerCount: 4}, nil)

	n := NewNetwork(context.Background(), ledgertest.NewProvider(remote), testLogger(), 10*time.Millisecond)
	assert.Equal(t, 0, remote.StatisticsPolls())

	unsubscribe := n.PeerCount.Subscribe(func(uint64) {})
	require.Eventually(t, func() bool { return n.PeerCount.Get() == 4 }, waitFor, tick)
	require.Eventually(t, func() bool { return remote.StatisticsPolls() >= 3 }, waitFor, tick)

	remote.SetNetworkStatistics(types.NetworkStatistics{}, errors.New("offline"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, uint64(4), n.PeerCount.Get(), "failed polls keep the previous snapshot")

	unsubscribe()
	polls := remote.StatisticsPolls()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, polls, remote.StatisticsPolls(), "polling stops with the last subscriber")
}
