package transactions

import (
	"context"
	"time"

	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// Delays between attempts to register a listener the remote refused
const (
	minListenerRetry = 500 * time.Millisecond
	maxListenerRetry = 30 * time.Second
)

// Feed pushes newly observed transactions for the tracked addresses. While
// observed it keeps exactly one remote transaction listener whose filter
// follows the account registry.
type Feed struct {
	// Latest is the most recently observed transaction, nil until the first one
	Latest *observable.Value[*types.Transaction]

	provider ledger.Provider
	logger   *logrus.Logger
}

// NewFeed creates a feed scoped to the addresses of accounts
func NewFeed(ctx context.Context, provider ledger.Provider, accounts observable.Readable[[]types.Account], logger *logrus.Logger) *Feed {
	f := &Feed{
		provider: provider,
		logger:   logger,
	}
	f.Latest = observable.NewValue[*types.Transaction](nil, func(set func(*types.Transaction)) func() {
		return f.activate(ctx, accounts, set)
	})
	return f
}

func (f *Feed) activate(base context.Context, accounts observable.Readable[[]types.Account], set func(*types.Transaction)) func() {
	ctx, cancel := context.WithCancel(base)
	done := make(chan struct{})

	// holds only the latest filter; older ones are superseded
	filters := make(chan []types.Address, 1)
	unsubscribe := accounts.Subscribe(func(accs []types.Account) {
		addrs := types.AddressesOf(accs)
		select {
		case <-filters:
		default:
		}
		filters <- addrs
	})

	var (
		remote ledger.Remote
		handle ledger.Handle
	)
	go func() {
		defer close(done)

		r, err := f.provider.Client(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Errorf("Failed to obtain ledger client for transaction feed: %v", err)
			}
			return
		}
		remote = r

		var (
			current, next []types.Address
			retry         <-chan time.Time
			delay         = minListenerRetry
		)
		for {
			// a failed filter stays in next until it is applied or superseded
			select {
			case <-ctx.Done():
				return
			case next = <-filters:
				retry, delay = nil, minListenerRetry
			case <-retry:
				retry = nil
			}
			if handle != 0 && sameAddresses(current, next) {
				continue
			}

			var fresh ledger.Handle
			if len(next) > 0 {
				fresh, err = remote.AddTransactionListener(ctx, func(tx types.Transaction) {
					tx = tx.Normalize()
					set(&tx)
				}, next)
				if err != nil {
					if ctx.Err() == nil {
						f.logger.WithFields(logrus.Fields{
							"addresses": len(next),
							"retry_in":  delay,
							"error":     err,
						}).Error("Failed to register transaction listener")
					}
					retry = time.After(delay)
					delay = min(delay*2, maxListenerRetry)
					continue
				}
			}

			// the new listener is live before the old one goes away
			if handle != 0 {
				if err := remote.RemoveListener(ctx, handle); err != nil {
					f.logger.Warnf("Failed to remove transaction listener %d: %v", handle, err)
				}
			}
			handle, current = fresh, next
			f.logger.WithFields(logrus.Fields{
				"handle":    handle,
				"addresses": len(current),
			}).Debug("Transaction listener updated")
		}
	}()

	return func() {
		unsubscribe()
		cancel()
		<-done
		if remote == nil || handle == 0 {
			return
		}
		if err := remote.RemoveListener(context.Background(), handle); err != nil {
			f.logger.Warnf("Failed to remove transaction listener %d: %v", handle, err)
		}
	}
}

func sameAddresses(a, b []types.Address) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[types.Address]struct{}, len(a))
	for _, addr := range a {
		set[addr] = struct{}{}
	}
	for _, addr := range b {
		if _, ok := set[addr]; !ok {
			return false
		}
	}
	return true
}
