package messaging

import (
	"context"

	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// DefaultRelayBuffer is the number of events queued before the relay drops
const DefaultRelayBuffer = 256

// Relay forwards reactive session state to a Publisher. Observing the feed
// keeps its remote transaction listener registered while the relay runs.
type Relay struct {
	publisher Publisher
	network   types.Network
	logger    *logrus.Logger
	queue     chan *types.Event
}

// NewRelay creates a relay publishing events for network
func NewRelay(publisher Publisher, network types.Network, logger *logrus.Logger, buffer int) *Relay {
	if buffer <= 0 {
		buffer = DefaultRelayBuffer
	}
	return &Relay{
		publisher: publisher,
		network:   network,
		logger:    logger,
		queue:     make(chan *types.Event, buffer),
	}
}

// Run subscribes to feed and accounts and publishes until ctx is done. The
// account snapshot current at subscription time is not published, only later
// changes are.
func (r *Relay) Run(ctx context.Context, feed observable.Readable[*types.Transaction], accounts observable.Readable[[]types.Account]) error {
	stopFeed := feed.Subscribe(func(tx *types.Transaction) {
		if tx == nil {
			return
		}
		r.enqueue(NewTransactionEvent(r.network, *tx))
	})
	defer stopFeed()

	initial := true
	stopAccounts := accounts.Subscribe(func(list []types.Account) {
		if initial {
			initial = false
			return
		}
		r.enqueue(NewAccountsEvent(r.network, list))
	})
	defer stopAccounts()

	r.logger.WithField("network", r.network).Info("Event relay started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Event relay stopped")
			return nil
		case event := <-r.queue:
			if err := r.publisher.Publish(ctx, event); err != nil {
				r.logger.WithFields(logrus.Fields{
					"event_type": event.Type,
					"error":      err,
				}).Error("Failed to publish event")
			}
		}
	}
}

func (r *Relay) enqueue(event *types.Event) {
	select {
	case r.queue <- event:
	default:
		r.logger.WithField("event_type", event.Type).Warn("Event queue full, dropping event")
	}
}
