// Package accounts maintains the registry of tracked accounts.
package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/metrics"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

const component = "accounts"

// Registry owns the set of tracked addresses and their merged account state.
// Membership of the registry is the tracked address set.
type Registry struct {
	ctx      context.Context
	provider ledger.Provider
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	order    []types.Address
	accounts map[types.Address]types.Account
	version  uint64

	// only read and written inside Accounts.UpdateIf
	published uint64

	// Accounts is the registry snapshot in insertion order. While observed it
	// refreshes every account on each new head.
	Accounts *observable.Value[[]types.Account]

	inFlight *observable.Value[int]

	// Refreshing is true while at least one refresh is in flight
	Refreshing *observable.Value[bool]
}

// NewRegistry creates an empty registry. Background refreshes run on ctx.
func NewRegistry(ctx context.Context, provider ledger.Provider, head observable.Readable[common.Hash], logger *logrus.Logger, m *metrics.Metrics) *Registry {
	r := &Registry{
		ctx:      ctx,
		provider: provider,
		logger:   logger,
		metrics:  m,
		accounts: make(map[types.Address]types.Account),
		inFlight: observable.NewValue(0, nil),
	}

	r.Accounts = observable.NewValue([]types.Account{}, func(set func([]types.Account)) func() {
		return head.Subscribe(func(h common.Hash) {
			if h == (common.Hash{}) {
				return
			}
			r.refreshInBackground(nil)
		})
	})
	r.Refreshing = observable.Derive(r.inFlight, func(n int) bool { return n > 0 }, observable.Equal[bool]())

	return r
}

// Add merges the given address-likes into the registry, publishes the result
// and refreshes the addresses that were not tracked before.
func (r *Registry) Add(items ...types.AddressLike) error {
	inputs, err := types.NormalizeAddressLikes(items)
	if err != nil {
		return fmt.Errorf("failed to add accounts: %w", err)
	}
	if len(inputs) == 0 {
		return nil
	}

	r.mu.Lock()
	var added []types.Address
	for _, in := range inputs {
		stored, ok := r.accounts[in.Address]
		if !ok {
			stored = types.Account{Address: in.Address}
			r.order = append(r.order, in.Address)
			added = append(added, in.Address)
		}
		r.accounts[in.Address] = stored.Merge(in)
	}
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(snapshot, version)

	if len(added) > 0 {
		r.logger.WithField("addresses", hexes(added)).Debug("Tracking new accounts")
		r.refreshInBackground(added)
	}
	return nil
}

// Remove drops the given addresses and their accounts
func (r *Registry) Remove(items ...types.AddressLike) error {
	inputs, err := types.NormalizeAddressLikes(items)
	if err != nil {
		return fmt.Errorf("failed to remove accounts: %w", err)
	}
	if len(inputs) == 0 {
		return nil
	}

	r.mu.Lock()
	removed := 0
	for _, in := range inputs {
		if _, ok := r.accounts[in.Address]; !ok {
			continue
		}
		delete(r.accounts, in.Address)
		for i, a := range r.order {
			if a == in.Address {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
		removed++
	}
	if removed == 0 {
		r.mu.Unlock()
		return nil
	}
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(snapshot, version)
	return nil
}

// Refresh fetches authoritative state for the given addresses, or for every
// tracked address when none are given. It waits for the session and for
// consensus; accounts that could be fetched are merged even if others failed.
func (r *Registry) Refresh(ctx context.Context, items ...types.AddressLike) error {
	inputs, err := types.NormalizeAddressLikes(items)
	if err != nil {
		return fmt.Errorf("failed to refresh accounts: %w", err)
	}
	addresses := types.AddressesOf(inputs)
	if len(addresses) == 0 {
		addresses = r.Addresses()
	}
	if len(addresses) == 0 {
		return nil
	}

	r.begin()
	return r.run(ctx, addresses)
}

// Get returns the stored account for addr
func (r *Registry) Get(addr types.Address) (types.Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[addr]
	return acc, ok
}

// Addresses returns the tracked addresses in insertion order
func (r *Registry) Addresses() []types.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Address(nil), r.order...)
}

// Snapshot returns the current accounts without activating the registry
func (r *Registry) Snapshot() []types.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot, _ := r.snapshotLocked()
	return snapshot
}

func (r *Registry) refreshInBackground(addresses []types.Address) {
	if len(addresses) == 0 {
		addresses = r.Addresses()
	}
	if len(addresses) == 0 {
		return
	}

	r.begin()
	go func() {
		if err := r.run(r.ctx, addresses); err != nil {
			r.logger.WithFields(logrus.Fields{
				"addresses": hexes(addresses),
				"error":     err,
			}).Error("Account refresh failed")
		}
	}()
}

// run performs a refresh that has already been counted by begin
func (r *Registry) run(ctx context.Context, addresses []types.Address) (err error) {
	defer func() { r.end(err) }()

	r.logger.WithField("addresses", hexes(addresses)).Debug("Refreshing accounts")

	remote, err := r.provider.Client(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ledger client: %w", err)
	}
	if err := remote.WaitForConsensusEstablished(ctx); err != nil {
		return fmt.Errorf("failed waiting for consensus: %w", err)
	}

	started := time.Now()
	fetched, err := remote.GetAccounts(ctx, addresses)
	r.metrics.ObserveRemote("get_accounts", started, err)

	r.merge(fetched)

	if err != nil {
		return fmt.Errorf("failed to get accounts: %w", err)
	}
	return nil
}

// merge applies remote results field by field. Results for addresses that are
// no longer tracked are dropped and local fields are never taken from the remote.
func (r *Registry) merge(fetched []types.Account) {
	if len(fetched) == 0 {
		return
	}

	r.mu.Lock()
	merged := 0
	for _, acc := range fetched {
		stored, ok := r.accounts[acc.Address]
		if !ok {
			continue
		}
		acc.Label = nil
		r.accounts[acc.Address] = stored.Merge(acc)
		merged++
	}
	if merged == 0 {
		r.mu.Unlock()
		return
	}
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(snapshot, version)
}

func (r *Registry) snapshotLocked() ([]types.Account, uint64) {
	r.version++
	snapshot := make([]types.Account, len(r.order))
	for i, a := range r.order {
		snapshot[i] = r.accounts[a]
	}
	return snapshot, r.version
}

// publish sets snapshot unless a newer one has been published meanwhile
func (r *Registry) publish(snapshot []types.Account, version uint64) {
	r.Accounts.UpdateIf(func(current []types.Account) ([]types.Account, bool) {
		if version <= r.published {
			return current, false
		}
		r.published = version
		return snapshot, true
	})
	r.metrics.SetTrackedAccounts(len(snapshot))
}

func (r *Registry) begin() {
	r.inFlight.Update(func(n int) int { return n + 1 })
	r.metrics.RefreshStarted(component)
}

func (r *Registry) end(err error) {
	r.inFlight.Update(func(n int) int { return n - 1 })
	r.metrics.RefreshFinished(component, err)
}

func hexes(addresses []types.Address) []string {
	out := make([]string, len(addresses))
	for i, a := range addresses {
		out[i] = a.Hex()
	}
	return out
}
