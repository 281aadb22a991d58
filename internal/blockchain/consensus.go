// Package blockchain tracks chain-level state of the remote ledger client:
// consensus, the head block and network statistics.
package blockchain

import (
	"context"

	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// Consensus tracks the remote sync state
type Consensus struct {
	// State is loading until the remote reports otherwise
	State *observable.Value[types.ConsensusState]

	// Established is true while State is established
	Established *observable.Value[bool]
}

// NewConsensus creates the consensus monitor
func NewConsensus(ctx context.Context, provider ledger.Provider, logger *logrus.Logger) *Consensus {
	state := observable.NewValue(types.ConsensusLoading,
		remoteListener(ctx, provider, logger, "consensus",
			func(ctx context.Context, remote ledger.Remote, set func(types.ConsensusState)) (ledger.Handle, error) {
				set(remote.ConsensusState())
				return remote.AddConsensusChangedListener(ctx, set)
			}),
		observable.Equal[types.ConsensusState](),
	)

	return &Consensus{
		State: state,
		Established: observable.Derive(state, func(s types.ConsensusState) bool {
			return s == types.ConsensusEstablished
		}, observable.Equal[bool]()),
	}
}

// WaitEstablished blocks until consensus is established or ctx is done
func (c *Consensus) WaitEstablished(ctx context.Context) error {
	_, err := observable.WaitFor(ctx, c.Established, func(ok bool) bool { return ok })
	return err
}
