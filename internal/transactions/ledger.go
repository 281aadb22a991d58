// Package transactions maintains the deduplicated, ordered transaction history
// of the tracked addresses and the live feed of new transactions.
package transactions

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/metrics"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const component = "transactions"

// DefaultConcurrency bounds parallel history fetches when none is configured
const DefaultConcurrency = 4

// Ledger holds at most one transaction per hash, sorted by the active comparator
type Ledger struct {
	ctx         context.Context
	provider    ledger.Provider
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	concurrency int

	mu      sync.Mutex
	list    []types.Transaction
	index   map[common.Hash]int
	cmp     func(a, b types.Transaction) int
	tracked []types.Address
	version uint64

	// only read and written inside Transactions.UpdateIf
	published uint64

	// Transactions is the sorted history. While observed it follows the
	// tracked addresses and merges the live feed.
	Transactions *observable.Value[[]types.Transaction]

	inFlight *observable.Value[int]

	// Refreshing is true while at least one refresh is in flight
	Refreshing *observable.Value[bool]
}

// NewLedger creates an empty ledger. concurrency bounds per-address history
// fetches of a single refresh.
func NewLedger(ctx context.Context, provider ledger.Provider, accounts observable.Readable[[]types.Account], feed observable.Readable[*types.Transaction], logger *logrus.Logger, m *metrics.Metrics, concurrency int) *Ledger {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	l := &Ledger{
		ctx:         ctx,
		provider:    provider,
		logger:      logger,
		metrics:     m,
		concurrency: concurrency,
		index:       make(map[common.Hash]int),
		cmp:         types.NewestFirst,
		inFlight:    observable.NewValue(0, nil),
	}

	l.Transactions = observable.NewValue([]types.Transaction{}, func(set func([]types.Transaction)) func() {
		unsubscribeAccounts := accounts.Subscribe(l.onAccountsChanged)
		unsubscribeFeed := feed.Subscribe(func(tx *types.Transaction) {
			if tx != nil {
				l.Add(*tx)
			}
		})
		return func() {
			unsubscribeAccounts()
			unsubscribeFeed()
		}
	})
	l.Refreshing = observable.Derive(l.inFlight, func(n int) bool { return n > 0 }, observable.Equal[bool]())

	return l
}

// Add merges txs into the ledger. A transaction whose hash is already known
// replaces the stored record entirely.
func (l *Ledger) Add(txs ...types.Transaction) {
	if len(txs) == 0 {
		return
	}

	l.mu.Lock()
	next := slices.Clone(l.list)
	index := make(map[common.Hash]int, len(l.index)+len(txs))
	for h, i := range l.index {
		index[h] = i
	}
	for _, tx := range txs {
		tx = tx.Normalize()
		if i, ok := index[tx.Hash]; ok {
			next[i] = tx
			continue
		}
		index[tx.Hash] = len(next)
		next = append(next, tx)
	}
	snapshot, version := l.sortLocked(next)
	l.mu.Unlock()

	l.publish(snapshot, version)
}

// SetSort replaces the comparator and republishes the re-sorted history
func (l *Ledger) SetSort(cmp func(a, b types.Transaction) int) {
	if cmp == nil {
		cmp = types.NewestFirst
	}

	l.mu.Lock()
	l.cmp = cmp
	snapshot, version := l.sortLocked(slices.Clone(l.list))
	l.mu.Unlock()

	l.publish(snapshot, version)
}

// Refresh fetches the history of the given addresses, or of every tracked
// address when none are given. Each address merges independently; failures
// are combined into the returned error.
func (l *Ledger) Refresh(ctx context.Context, items ...types.AddressLike) error {
	inputs, err := types.NormalizeAddressLikes(items)
	if err != nil {
		return fmt.Errorf("failed to refresh transactions: %w", err)
	}
	addresses := types.AddressesOf(inputs)
	if len(addresses) == 0 {
		addresses = l.Tracked()
	}
	if len(addresses) == 0 {
		return nil
	}

	l.begin()
	return l.run(ctx, addresses)
}

// ForAddress returns the known transactions sent or received by addr
func (l *Ledger) ForAddress(addr types.Address) []types.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.Transaction
	for _, tx := range l.list {
		if tx.Involves(addr) {
			out = append(out, tx)
		}
	}
	return out
}

// Get returns the transaction with the given hash
func (l *Ledger) Get(hash common.Hash) (types.Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[hash]
	if !ok {
		return types.Transaction{}, false
	}
	return l.list[i], true
}

// Tracked returns the addresses the ledger follows
func (l *Ledger) Tracked() []types.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.tracked)
}

// Snapshot returns the current history without activating the ledger
func (l *Ledger) Snapshot() []types.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.list)
}

func (l *Ledger) onAccountsChanged(accounts []types.Account) {
	l.mu.Lock()
	known := make(map[types.Address]bool, len(l.tracked))
	for _, a := range l.tracked {
		known[a] = true
	}
	var added []types.Address
	current := types.AddressesOf(accounts)
	for _, a := range current {
		if !known[a] {
			added = append(added, a)
			known[a] = true
		}
	}
	l.tracked = current
	l.mu.Unlock()

	if len(added) == 0 {
		return
	}

	l.begin()
	go func() {
		if err := l.run(l.ctx, added); err != nil {
			l.logger.WithFields(logrus.Fields{
				"addresses": len(added),
				"error":     err,
			}).Error("Transaction history refresh failed")
		}
	}()
}

// run performs a refresh that has already been counted by begin
func (l *Ledger) run(ctx context.Context, addresses []types.Address) (err error) {
	defer func() { l.end(err) }()

	remote, err := l.provider.Client(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ledger client: %w", err)
	}
	if err := remote.WaitForConsensusEstablished(ctx); err != nil {
		return fmt.Errorf("failed waiting for consensus: %w", err)
	}
	if !l.provider.Options().FetchTransactionHistory {
		l.logger.Debug("Transaction history disabled, skipping refresh")
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(l.concurrency)
	for _, addr := range addresses {
		g.Go(func() error {
			started := time.Now()
			txs, err := remote.GetTransactionsByAddress(ctx, addr, 0, l.ForAddress(addr))
			l.metrics.ObserveRemote("get_transactions", started, err)
			// partial history is merged before the failure is recorded
			if len(txs) > 0 {
				l.logger.WithFields(logrus.Fields{
					"address":      addr.Hex(),
					"transactions": len(txs),
				}).Debug("Fetched transaction history")
				l.Add(txs...)
			}
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("address %s: %w", addr.Hex(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		return fmt.Errorf("failed to get transactions: %w", errs)
	}
	return nil
}

func (l *Ledger) sortLocked(next []types.Transaction) ([]types.Transaction, uint64) {
	slices.SortStableFunc(next, l.cmp)
	index := make(map[common.Hash]int, len(next))
	for i, tx := range next {
		index[tx.Hash] = i
	}
	l.list, l.index = next, index
	l.version++
	return next, l.version
}

// publish sets snapshot unless a newer one has been published meanwhile
func (l *Ledger) publish(snapshot []types.Transaction, version uint64) {
	l.Transactions.UpdateIf(func(current []types.Transaction) ([]types.Transaction, bool) {
		if version <= l.published {
			return current, false
		}
		l.published = version
		return snapshot, true
	})
	l.metrics.SetTransactions(len(snapshot))
}

func (l *Ledger) begin() {
	l.inFlight.Update(func(n int) int { return n + 1 })
	l.metrics.RefreshStarted(component)
}

func (l *Ledger) end(err error) {
	l.inFlight.Update(func(n int) int { return n - 1 })
	l.metrics.RefreshFinished(component, err)
}
