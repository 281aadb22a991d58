package session

import (
	"context"

	"github.com/igwedaniel/ledgerwatch/internal/config"
	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/ledger/ethereum"
	"github.com/igwedaniel/ledgerwatch/internal/storage"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// EthereumConnector connects sessions to an Ethereum JSON-RPC node, caching
// blocks in cache
func EthereumConnector(cache storage.BlockCache, logger *logrus.Logger) Connector {
	return func(ctx context.Context, cfg *config.EthereumConfig, network types.Network) (ledger.Remote, error) {
		return ethereum.Connect(ctx, cfg, network, cache, logger)
	}
}
