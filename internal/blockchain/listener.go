package blockchain

import (
	"context"

	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/sirupsen/logrus"
)

// attachFunc registers a remote listener that feeds set
type attachFunc[T any] func(ctx context.Context, remote ledger.Remote, set func(T)) (ledger.Handle, error)

// remoteListener returns a StartFunc that waits for the session, registers a
// remote listener and removes it again when the value loses its last subscriber.
func remoteListener[T any](base context.Context, provider ledger.Provider, logger *logrus.Logger, name string, attach attachFunc[T]) observable.StartFunc[T] {
	return func(set func(T)) func() {
		ctx, cancel := context.WithCancel(base)
		done := make(chan struct{})

		var (
			remote ledger.Remote
			handle ledger.Handle
		)
		go func() {
			defer close(done)

			r, err := provider.Client(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Errorf("Failed to obtain ledger client for %s listener: %v", name, err)
				}
				return
			}

			h, err := attach(ctx, r, set)
			if err != nil {
				if ctx.Err() == nil {
					logger.Errorf("Failed to register %s listener: %v", name, err)
				}
				return
			}
			remote, handle = r, h
			logger.WithFields(logrus.Fields{
				"listener": name,
				"handle":   h,
			}).Debug("Remote listener registered")
		}()

		return func() {
			cancel()
			<-done
			if remote == nil {
				return
			}
			if err := remote.RemoveListener(context.Background(), handle); err != nil {
				logger.Warnf("Failed to remove %s listener %d: %v", name, handle, err)
				return
			}
			logger.WithFields(logrus.Fields{
				"listener": name,
				"handle":   handle,
			}).Debug("Remote listener removed")
		}
	}
}
