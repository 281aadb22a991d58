package blockchain

import (
	"context"
	"time"

	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// DefaultStatsInterval is the network statistics polling interval
const DefaultStatsInterval = time.Second

// Network polls connection statistics while observed
type Network struct {
	Statistics *observable.Value[types.NetworkStatistics]
	PeerCount  *observable.Value[uint64]
}

// NewNetwork creates the statistics poller
func NewNetwork(ctx context.Context, provider ledger.Provider, logger *logrus.Logger, interval time.Duration) *Network {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}

	stats := observable.NewValue(types.NetworkStatistics{}, func(set func(types.NetworkStatistics)) func() {
		pollCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			pollStatistics(pollCtx, provider, logger, interval, set)
		}()
		return func() {
			cancel()
			<-done
		}
	})

	return &Network{
		Statistics: stats,
		PeerCount: observable.Derive(stats, func(s types.NetworkStatistics) uint64 {
			return s.PeerCount
		}, observable.Equal[uint64]()),
	}
}

func pollStatistics(ctx context.Context, provider ledger.Provider, logger *logrus.Logger, interval time.Duration, set func(types.NetworkStatistics)) {
	remote, err := provider.Client(ctx)
	if err != nil {
		return
	}

	poll := func() {
		stats, err := remote.GetNetworkStatistics(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warnf("Failed to get network statistics: %v", err)
			}
			return
		}
		set(stats)
	}

	poll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}
