package blockchain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// Head tracks the latest block
type Head struct {
	// Hash of the latest block, zero until known
	Hash *observable.Value[common.Hash]

	// Block is fetched lazily whenever Hash changes
	Block *observable.Value[*types.Block]

	// Height of Block, 0 when no block is known
	Height *observable.Value[uint64]
}

// NewHead creates the head tracker
func NewHead(ctx context.Context, provider ledger.Provider, logger *logrus.Logger) *Head {
	hash := observable.NewValue(common.Hash{},
		remoteListener(ctx, provider, logger, "head",
			func(ctx context.Context, remote ledger.Remote, set func(common.Hash)) (ledger.Handle, error) {
				if remote.ConsensusState() == types.ConsensusEstablished {
					h, err := remote.GetHeadHash(ctx)
					if err != nil {
						logger.Warnf("Failed to get head hash: %v", err)
					} else {
						set(h)
					}
				}
				return remote.AddHeadChangedListener(ctx, set)
			}),
		observable.Equal[common.Hash](),
	)

	block := observable.DeriveAsync(hash, (*types.Block)(nil), func(h common.Hash, set func(*types.Block)) {
		if h == (common.Hash{}) {
			return
		}
		go func() {
			remote, err := provider.Client(ctx)
			if err != nil {
				return
			}
			b, err := remote.GetBlock(ctx, h)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"hash":  h.Hex(),
					"error": err,
				}).Warn("Failed to fetch head block")
				return
			}
			set(b)
		}()
	})

	return &Head{
		Hash:  hash,
		Block: block,
		Height: observable.Derive[*types.Block](block, func(b *types.Block) uint64 {
			if b == nil {
				return 0
			}
			return b.Number
		}, observable.Equal[uint64]()),
	}
}
