package session

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/config"
	"github.com/igwedaniel/ledgerwatch/internal/ledger"
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

func testConfig() *config.Config {
	return &config.Config{
		Ethereum: config.EthereumConfig{RPCURLs: []string{"http://node:8545"}, MaxConcurrentBlocks: 2},
		Session:  config.SessionConfig{Network: "main", FetchTransactionHistory: true},
	}
}

type connectorSpy struct {
	mu       sync.Mutex
	calls    int
	networks []types.Network
	rpcURLs  [][]string
	remote   ledger.Remote
	err      error
	gate     chan struct{}
}

func (c *connectorSpy) connect(ctx context.Context, cfg *config.EthereumConfig, network types.Network) (ledger.Remote, error) {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.networks = append(c.networks, network)
	c.rpcURLs = append(c.rpcURLs, cfg.RPCURLs)
	return c.remote, c.err
}

func TestStartIsIdempotent(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusEstablished)
	spy := &connectorSpy{remote: remote, gate: make(chan struct{})}
	s := New(testConfig(), spy.connect, testLogger(), nil)
	defer s.Close()

	var configured atomic.Int32
	configure := func(cfg *config.EthereumConfig) {
		configured.Add(1)
		cfg.RPCURLs = []string{"http://custom:8545"}
	}

	assert.False(t, s.Ready.Get())

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Start(context.Background(), configure, ledger.WithNetwork(types.TestNet))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	assert.False(t, s.Ready.Get())
	close(spy.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.True(t, s.Ready.Get())
	assert.Equal(t, int32(1), configured.Load())
	assert.Equal(t, 1, spy.calls)
	assert.Equal(t, []types.Network{types.TestNet}, spy.networks)
	assert.Equal(t, []string{"http://custom:8545"}, spy.rpcURLs[0])
	assert.Equal(t, []string{"http://node:8545"}, s.cfg.Ethereum.RPCURLs, "configure works on a copy")

	// later options are ignored
	require.NoError(t, s.Start(context.Background(), configure, ledger.WithNetwork(types.DevNet)))
	assert.Equal(t, types.TestNet, s.Options().Network)
	assert.Equal(t, int32(1), configured.Load())
}

func TestClientQueuesBehindStart(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusEstablished)
	spy := &connectorSpy{remote: remote}
	s := New(testConfig(), spy.connect, testLogger(), nil)
	defer s.Close()

	got := make(chan ledger.Remote, 1)
	go func() {
		r, err := s.Client(context.Background())
		assert.NoError(t, err)
		got <- r
	}()

	select {
	case <-got:
		t.Fatal("client returned before start")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, s.Start(context.Background(), nil))
	select {
	case r := <-got:
		assert.Same(t, remote, r)
	case <-time.After(waitFor):
		t.Fatal("client did not return after start")
	}
}

func TestStartFailureIsFatal(t *testing.T) {
	boom := errors.New("dial failed")
	spy := &connectorSpy{err: boom}
	s := New(testConfig(), spy.connect, testLogger(), nil)
	defer s.Close()

	require.ErrorIs(t, s.Start(context.Background(), nil), boom)
	require.ErrorIs(t, s.Start(context.Background(), nil), boom)
	_, err := s.Client(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, s.Ready.Get())
	assert.Equal(t, 1, spy.calls)

	err = s.Accounts.Refresh(context.Background(), types.MustParseAddress("0x00000000000000000000000000000000000000aa"))
	require.ErrorIs(t, err, boom)
	assert.False(t, s.Accounts.Refreshing.Get())
}

func TestStartRejectsUnknownNetwork(t *testing.T) {
	spy := &connectorSpy{remote: ledgertest.NewRemote(types.ConsensusEstablished)}
	s := New(testConfig(), spy.connect, testLogger(), nil)
	defer s.Close()

	err := s.Start(context.Background(), nil, ledger.WithNetwork("moon"))
	require.Error(t, err)
	assert.Zero(t, spy.calls)
}

func TestDefaultsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Session = config.SessionConfig{Network: "dev", FetchTransactionHistory: false}
	s := New(cfg, (&connectorSpy{}).connect, testLogger(), nil)
	defer s.Close()

	assert.Equal(t, ledger.Options{Network: types.DevNet, FetchTransactionHistory: false}, s.Options())
}

func TestCloseReleasesWaiters(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusEstablished)
	s := New(testConfig(), (&connectorSpy{remote: remote}).connect, testLogger(), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Client(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())
	require.ErrorIs(t, <-errCh, ErrClosed)
	require.NoError(t, s.Close())
}

func TestCloseClosesRemote(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusEstablished)
	s := New(testConfig(), (&connectorSpy{remote: remote}).connect, testLogger(), nil)
	require.NoError(t, s.Start(context.Background(), nil))

	require.NoError(t, s.Close())
	assert.True(t, remote.Closed())
	_, err := s.Client(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestSessionEndToEnd(t *testing.T) {
	remote := ledgertest.NewRemote(types.ConsensusSyncing)
	addr := types.MustParseAddress("0x00000000000000000000000000000000000000aa")
	remote.SetAccount(types.Account{Address: addr, Type: types.AccountBasic, Balance: big.NewInt(5)})
	ts := time.Unix(100, 0)
	remote.SetHistory(addr, types.Transaction{Hash: common.HexToHash("0x01"), Sender: addr, Timestamp: &ts})

	s := New(testConfig(), (&connectorSpy{remote: remote}).connect, testLogger(), nil)
	defer s.Close()
	require.NoError(t, s.Start(context.Background(), nil, ledger.WithNetwork(types.TestNet)))

	unsubscribe := s.Transactions.Transactions.Subscribe(func([]types.Transaction) {})
	defer unsubscribe()

	require.NoError(t, s.Accounts.Add(addr))
	assert.Equal(t, []types.Account{{Address: addr}}, s.Accounts.Accounts.Get())

	remote.SetConsensus(types.ConsensusEstablished)
	require.Eventually(t, func() bool {
		accs := s.Accounts.Accounts.Get()
		return len(accs) == 1 && accs[0].Balance != nil && accs[0].Balance.Int64() == 5
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(s.Transactions.Transactions.Get()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return !s.Transactions.Refreshing.Get() && !s.Accounts.Refreshing.Get() }, waitFor, tick)

	label := "x"
	require.NoError(t, s.Accounts.Add(types.Account{Address: addr, Label: &label}))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, remote.AccountCalls(), 1)
	assert.Len(t, remote.TransactionsCalls(), 1)
}
