// Package ledger defines the capability surface of the remote ledger client
// that the reconciliation components consume.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/types"
)

// ErrUnknownListener is returned when removing a handle that is not registered
var ErrUnknownListener = errors.New("unknown listener handle")

// Handle identifies a registered remote listener
type Handle uint64

// Remote is the remote ledger client. Implementations must be safe for
// concurrent use; listener callbacks may run on any goroutine.
type Remote interface {
	// ConsensusState returns the current sync state
	ConsensusState() types.ConsensusState

	// WaitForConsensusEstablished blocks until consensus is established
	WaitForConsensusEstablished(ctx context.Context) error

	// AddConsensusChangedListener registers fn for consensus state changes
	AddConsensusChangedListener(ctx context.Context, fn func(types.ConsensusState)) (Handle, error)

	// AddHeadChangedListener registers fn for new head blocks
	AddHeadChangedListener(ctx context.Context, fn func(common.Hash)) (Handle, error)

	// AddTransactionListener registers fn for transactions touching any of addresses
	AddTransactionListener(ctx context.Context, fn func(types.Transaction), addresses []types.Address) (Handle, error)

	// RemoveListener deregisters a listener of any kind
	RemoveListener(ctx context.Context, handle Handle) error

	// GetHeadHash returns the hash of the latest block
	GetHeadHash(ctx context.Context) (common.Hash, error)

	// GetBlock returns the block with the given hash
	GetBlock(ctx context.Context, hash common.Hash) (*types.Block, error)

	// GetAccounts returns the ledger state of addresses. Accounts that could be
	// fetched are returned even when others failed; the error then describes
	// the failures.
	GetAccounts(ctx context.Context, addresses []types.Address) ([]types.Account, error)

	// GetTransactionsByAddress returns transactions of address above sinceHeight.
	// known lists what the caller already holds so only new or changed records
	// need to be returned. Transactions that could be fetched are returned even
	// when others failed; the error then describes the failures.
	GetTransactionsByAddress(ctx context.Context, address types.Address, sinceHeight uint64, known []types.Transaction) ([]types.Transaction, error)

	// GetNetworkStatistics returns a snapshot of connection statistics
	GetNetworkStatistics(ctx context.Context) (types.NetworkStatistics, error)

	// Close releases connections and stops background work
	Close() error
}

// Provider gives components access to the session's remote once it is ready
type Provider interface {
	// Client blocks until the remote is initialized, initialization failed or
	// ctx is done.
	Client(ctx context.Context) (Remote, error)

	// Options returns the session options
	Options() Options
}
