// Package storage caches blocks fetched from the remote ledger.
package storage

import (
	"context"
	"errors"

	"github.com/igwedaniel/ledgerwatch/internal/types"
)

// ErrCacheMiss is returned when a block is not cached
var ErrCacheMiss = errors.New("block not cached")

// BlockCache stores block records by network and number
type BlockCache interface {
	SetBlock(ctx context.Context, record *types.BlockRecord) error
	GetBlock(ctx context.Context, network types.Network, number uint64) (*types.BlockRecord, error)
	DeleteBlock(ctx context.Context, network types.Network, number uint64) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
