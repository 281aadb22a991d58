package transactions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/ledger/ledgertest"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	addrA = types.MustParseAddress("0x00000000000000000000000000000000000000aa")
	addrB = types.MustParseAddress("0x00000000000000000000000000000000000000bb")
	addrC = types.MustParseAddress("0x00000000000000000000000000000000000000cc")
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func at(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func tx(hash string, from types.Address, ts *time.Time) types.Transaction {
	to := addrC
	return types.Transaction{
		Hash:      common.HexToHash(hash),
		Sender:    from,
		Recipient: &to,
		Timestamp: ts,
	}
}

func hashes(txs []types.Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.Hash.Hex()[64:]
	}
	return out
}

type fixture struct {
	remote   *ledgertest.Remote
	accounts *observable.Value[[]types.Account]
	feed     *Feed
	ledger   *Ledger
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	remote := ledgertest.NewRemote(types.ConsensusEstablished)
	provider := ledgertest.NewProvider(remote, opts...)
	accounts := observable.NewValue([]types.Account{}, nil)
	feed := NewFeed(context.Background(), provider, accounts, testLogger())
	return &fixture{
		remote:   remote,
		accounts: accounts,
		feed:     feed,
		ledger:   NewLedger(context.Background(), provider, accounts, feed.Latest, testLogger(), nil, 2),
	}
}

func track(addrs ...types.Address) []types.Account {
	out := make([]types.Account, len(addrs))
	for i, a := range addrs {
		out[i] = types.Account{Address: a}
	}
	return out
}

func TestAddReplacesPending(t *testing.T) {
	f := newFixture(t)

	f.ledger.Add(tx("0x01", addrA, nil))
	f.ledger.Add(tx("0x01", addrA, at(100)))

	txs := f.ledger.Transactions.Get()
	require.Len(t, txs, 1)
	require.NotNil(t, txs[0].Timestamp)
	assert.Equal(t, int64(100), txs[0].Timestamp.Unix())
	assert.Equal(t, types.TxMined, txs[0].State)
}

func TestAddReplacementDoesNotResurrectFields(t *testing.T) {
	f := newFixture(t)

	first := tx("0x01", addrA, nil)
	first.Confirmations = 3
	f.ledger.Add(first)
	f.ledger.Add(tx("0x01", addrA, at(5)))

	got, ok := f.ledger.Get(common.HexToHash("0x01"))
	require.True(t, ok)
	assert.Zero(t, got.Confirmations)
}

func TestDefaultOrder(t *testing.T) {
	f := newFixture(t)

	f.ledger.Add(tx("0x01", addrA, at(100)))
	f.ledger.Add(tx("0x02", addrA, at(200)))
	f.ledger.Add(tx("0x03", addrA, nil))

	assert.Equal(t, []string{"03", "02", "01"}, hashes(f.ledger.Transactions.Get()))
}

func TestOrderStableForEqualKeys(t *testing.T) {
	f := newFixture(t)

	f.ledger.Add(tx("0x01", addrA, at(100)), tx("0x02", addrA, at(100)))
	f.ledger.Add(tx("0x03", addrA, at(100)), tx("0x04", addrA, at(300)))
	f.ledger.Add(tx("0x02", addrB, at(100)))

	assert.Equal(t, []string{"04", "01", "02", "03"}, hashes(f.ledger.Transactions.Get()))
}

func TestSortInvariant(t *testing.T) {
	f := newFixture(t)

	var published [][]types.Transaction
	unsubscribe := f.ledger.Transactions.Subscribe(func(txs []types.Transaction) {
		published = append(published, txs)
	})
	defer unsubscribe()

	stamps := []*time.Time{at(5), nil, at(9), at(1), nil, at(9), at(3)}
	for i, ts := range stamps {
		f.ledger.Add(tx(fmt.Sprintf("0x%02x", i+1), addrA, ts))
	}
	f.ledger.SetSort(types.OldestFirst)

	for _, txs := range published {
		assert.True(t, slices.IsSortedFunc(txs, types.NewestFirst) || slices.IsSortedFunc(txs, types.OldestFirst))
	}
	last := published[len(published)-1]
	assert.True(t, slices.IsSortedFunc(last, types.OldestFirst))
	assert.Len(t, last, len(stamps))
}

func TestSetSort(t *testing.T) {
	f := newFixture(t)
	f.ledger.Add(tx("0x01", addrA, at(100)), tx("0x02", addrA, at(200)), tx("0x03", addrA, nil))

	f.ledger.SetSort(types.OldestFirst)
	assert.Equal(t, []string{"01", "02", "03"}, hashes(f.ledger.Transactions.Get()))

	f.ledger.SetSort(nil)
	assert.Equal(t, []string{"03", "02", "01"}, hashes(f.ledger.Transactions.Get()))
}

func TestRefreshPassesKnownTransactions(t *testing.T) {
	f := newFixture(t)
	known := tx("0x01", addrA, at(100))
	other := tx("0x02", addrB, at(50))
	f.ledger.Add(known, other)

	f.remote.SetHistory(addrA, tx("0x03", addrA, at(150)))
	require.NoError(t, f.ledger.Refresh(context.Background(), addrA))

	calls := f.remote.TransactionsCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, addrA, calls[0].Address)
	assert.Equal(t, []string{"01"}, hashes(calls[0].Known))
	assert.Equal(t, []string{"03", "01", "02"}, hashes(f.ledger.Transactions.Get()))
}

func TestRefreshPartialFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	f.remote.SetHistory(addrA, tx("0x01", addrA, at(1)))
	f.remote.FailHistory(addrB, boom)

	err := f.ledger.Refresh(context.Background(), addrA, addrB)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"01"}, hashes(f.ledger.Transactions.Get()))
	assert.False(t, f.ledger.Refreshing.Get())
}

func TestRefreshMergesHistoryReturnedWithError(t *testing.T) {
	f := newFixture(t)
	f.ledger.Add(tx("0x01", addrA, nil))

	timeout := errors.New("receipt 0x02: timeout")
	f.remote.SetHistory(addrA, tx("0x01", addrA, at(40)), tx("0x03", addrA, at(50)))
	f.remote.FailHistory(addrA, timeout)

	err := f.ledger.Refresh(context.Background(), addrA)
	require.ErrorIs(t, err, timeout)

	assert.Equal(t, []string{"03", "01"}, hashes(f.ledger.Transactions.Get()))
	promoted, ok := f.ledger.Get(common.HexToHash("0x01"))
	require.True(t, ok)
	assert.Equal(t, types.TxMined, promoted.State)
	assert.False(t, f.ledger.Refreshing.Get())
}

func TestRefreshHistoryDisabled(t *testing.T) {
	f := newFixture(t, ledger.WithTransactionHistory(false))

	require.NoError(t, f.ledger.Refresh(context.Background(), addrA))
	assert.Empty(t, f.remote.TransactionsCalls())
	assert.False(t, f.ledger.Refreshing.Get())
}

func TestRefreshWaitsForConsensus(t *testing.T) {
	f := newFixture(t)
	f.remote.SetConsensus(types.ConsensusSyncing)

	errCh := make(chan error, 1)
	go func() { errCh <- f.ledger.Refresh(context.Background(), addrA) }()

	require.Eventually(t, f.ledger.Refreshing.Get, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.remote.TransactionsCalls())

	f.remote.SetConsensus(types.ConsensusEstablished)
	require.NoError(t, <-errCh)
	assert.Len(t, f.remote.TransactionsCalls(), 1)
	assert.False(t, f.ledger.Refreshing.Get())
}

func TestTracksNewAddressesOnly(t *testing.T) {
	f := newFixture(t)
	unsubscribe := f.ledger.Transactions.Subscribe(func([]types.Transaction) {})
	defer unsubscribe()

	f.accounts.Set(track(addrA))
	require.Eventually(t, func() bool { return len(f.remote.TransactionsCalls()) == 1 }, waitFor, tick)

	// republish with unrelated field change
	f.accounts.Set([]types.Account{{Address: addrA, Type: types.AccountBasic}})
	f.accounts.Set(track(addrA, addrB))
	require.Eventually(t, func() bool { return len(f.remote.TransactionsCalls()) == 2 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	calls := f.remote.TransactionsCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, addrB, calls[1].Address)
	assert.Equal(t, []types.Address{addrA, addrB}, f.ledger.Tracked())
}

func TestFeedSwapsListenerRegisterFirst(t *testing.T) {
	f := newFixture(t)
	f.accounts.Set(track(addrA))

	unsubscribe := f.feed.Latest.Subscribe(func(*types.Transaction) {})
	require.Eventually(t, func() bool { return f.remote.Listeners() == 1 }, waitFor, tick)

	f.accounts.Set(track(addrA, addrB))
	require.Eventually(t, func() bool { return len(f.remote.Events()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"add:tx:1", "add:tx:2", "remove:1"}, f.remote.Events())

	filters := f.remote.TransactionFilters()
	require.Len(t, filters, 1)
	assert.ElementsMatch(t, []types.Address{addrA, addrB}, filters[0])

	// same set in a different order keeps the listener
	f.accounts.Set(track(addrB, addrA))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.remote.Events(), 3)

	unsubscribe()
	assert.Equal(t, 0, f.remote.Listeners())
	assert.Equal(t, "remove:2", f.remote.Events()[3])
}

func TestFeedRetriesRejectedFilter(t *testing.T) {
	f := newFixture(t)
	var attempts atomic.Int32
	f.remote.OnAddTransactionListener = func(_ context.Context, addresses []types.Address) error {
		if len(addresses) == 2 && attempts.Add(1) == 1 {
			return errors.New("subscription limit")
		}
		return nil
	}
	f.accounts.Set(track(addrA))

	unsubscribe := f.feed.Latest.Subscribe(func(*types.Transaction) {})
	defer unsubscribe()
	require.Eventually(t, func() bool { return f.remote.Listeners() == 1 }, waitFor, tick)

	f.accounts.Set(track(addrA, addrB))
	require.Eventually(t, func() bool { return len(f.remote.Events()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"add:tx:1", "add:tx:2", "remove:1"}, f.remote.Events())
	assert.Equal(t, int32(2), attempts.Load())

	filters := f.remote.TransactionFilters()
	require.Len(t, filters, 1)
	assert.ElementsMatch(t, []types.Address{addrA, addrB}, filters[0])
}

func TestFeedDeliversAndLedgerMerges(t *testing.T) {
	f := newFixture(t)
	f.accounts.Set(track(addrA))

	var seen []types.Transaction
	unsubscribe := f.ledger.Transactions.Subscribe(func(txs []types.Transaction) { seen = txs })
	defer unsubscribe()
	require.Eventually(t, func() bool { return f.remote.Listeners() == 1 }, waitFor, tick)

	f.remote.EmitTransaction(tx("0x0a", addrA, nil))
	f.remote.EmitTransaction(tx("0x0b", addrB, nil))

	latest := f.feed.Latest.Get()
	require.NotNil(t, latest)
	assert.Equal(t, common.HexToHash("0x0a"), latest.Hash)
	assert.Equal(t, types.TxPending, latest.State)
	assert.Equal(t, []string{"0a"}, hashes(seen))

	f.remote.EmitTransaction(tx("0x0a", addrA, at(10)))
	require.Len(t, seen, 1)
	assert.Equal(t, types.TxMined, seen[0].State)
}
