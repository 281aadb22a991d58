// Package ledgertest provides an in-memory ledger.Remote for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"go.uber.org/multierr"
)

// ErrNotFound is returned for unknown blocks
var ErrNotFound = errors.New("not found")

type listenerKind int

const (
	consensusListener listenerKind = iota
	headListener
	txListener
)

type listener struct {
	kind      listenerKind
	consensus func(types.ConsensusState)
	head      func(common.Hash)
	tx        func(types.Transaction)
	filter    map[types.Address]bool
}

// TransactionsCall records a GetTransactionsByAddress invocation
type TransactionsCall struct {
	Address     types.Address
	SinceHeight uint64
	Known       []types.Transaction
}

// Remote is a scriptable fake remote ledger client
type Remote struct {
	consensus *observable.Value[types.ConsensusState]

	mu         sync.Mutex
	nextHandle ledger.Handle
	listeners  map[ledger.Handle]*listener
	events     []string

	head   common.Hash
	blocks map[common.Hash]*types.Block

	accounts     map[types.Address]types.Account
	accountErrs  map[types.Address]error
	accountCalls [][]types.Address

	history  map[types.Address][]types.Transaction
	txErrs   map[types.Address]error
	txCalls  []TransactionsCall
	stats    types.NetworkStatistics
	statsErr error
	polls    int
	closed   bool

	// OnGetAccounts runs before GetAccounts answers; returning an error fails the call
	OnGetAccounts func(ctx context.Context, addresses []types.Address) error

	// OnGetTransactions runs before GetTransactionsByAddress answers
	OnGetTransactions func(ctx context.Context, address types.Address) error

	// OnAddTransactionListener runs before a transaction listener is
	// registered; returning an error rejects the registration
	OnAddTransactionListener func(ctx context.Context, addresses []types.Address) error
}

var _ ledger.Remote = (*Remote)(nil)

// NewRemote creates a fake in the given consensus state
func NewRemote(state types.ConsensusState) *Remote {
	return &Remote{
		consensus:   observable.NewValue(state, nil),
		listeners:   make(map[ledger.Handle]*listener),
		blocks:      make(map[common.Hash]*types.Block),
		accounts:    make(map[types.Address]types.Account),
		accountErrs: make(map[types.Address]error),
		history:     make(map[types.Address][]types.Transaction),
		txErrs:      make(map[types.Address]error),
	}
}

// SetConsensus changes the consensus state and notifies listeners
func (r *Remote) SetConsensus(state types.ConsensusState) {
	r.consensus.Set(state)
	for _, l := range r.snapshot(consensusListener) {
		l.consensus(state)
	}
}

// SetHead records block as the new head and notifies head listeners
func (r *Remote) SetHead(block types.Block) {
	r.mu.Lock()
	r.head = block.Hash
	r.blocks[block.Hash] = &block
	r.mu.Unlock()

	for _, l := range r.snapshot(headListener) {
		l.head(block.Hash)
	}
}

// SetAccount sets the state GetAccounts returns for acc.Address
func (r *Remote) SetAccount(acc types.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[acc.Address] = acc
	delete(r.accountErrs, acc.Address)
}

// FailAccount makes GetAccounts fail for addr
func (r *Remote) FailAccount(addr types.Address, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accountErrs[addr] = err
}

// SetHistory sets the transactions GetTransactionsByAddress returns for addr
func (r *Remote) SetHistory(addr types.Address, txs ...types.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[addr] = txs
	delete(r.txErrs, addr)
}

// FailHistory makes GetTransactionsByAddress fail for addr. History set
// beforehand is still returned alongside the error.
func (r *Remote) FailHistory(addr types.Address, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txErrs[addr] = err
}

// SetNetworkStatistics sets the snapshot GetNetworkStatistics returns
func (r *Remote) SetNetworkStatistics(stats types.NetworkStatistics, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = stats
	r.statsErr = err
}

// EmitTransaction delivers tx to every transaction listener whose filter matches
func (r *Remote) EmitTransaction(tx types.Transaction) {
	for _, l := range r.snapshot(txListener) {
		if l.filter[tx.Sender] || (tx.Recipient != nil && l.filter[*tx.Recipient]) {
			l.tx(tx)
		}
	}
}

// AccountCalls returns the address batches GetAccounts was called with
func (r *Remote) AccountCalls() [][]types.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]types.Address(nil), r.accountCalls...)
}

// TransactionsCalls returns the recorded GetTransactionsByAddress calls
func (r *Remote) TransactionsCalls() []TransactionsCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TransactionsCall(nil), r.txCalls...)
}

// StatisticsPolls returns how often GetNetworkStatistics was called
func (r *Remote) StatisticsPolls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

// Events returns the listener registration log ("add:<kind>:<handle>" and
// "remove:<handle>") in order.
func (r *Remote) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Listeners returns the number of registered listeners
func (r *Remote) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// TransactionFilters returns the address filters of the active transaction listeners
func (r *Remote) TransactionFilters() [][]types.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]types.Address
	for _, l := range r.listeners {
		if l.kind != txListener {
			continue
		}
		addrs := make([]types.Address, 0, len(l.filter))
		for a := range l.filter {
			addrs = append(addrs, a)
		}
		out = append(out, addrs)
	}
	return out
}

// Closed reports whether Close was called
func (r *Remote) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Remote) snapshot(kind listenerKind) []*listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*listener
	for h := ledger.Handle(1); h <= r.nextHandle; h++ {
		if l, ok := r.listeners[h]; ok && l.kind == kind {
			out = append(out, l)
		}
	}
	return out
}

func (r *Remote) add(l *listener, name string) ledger.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextHandle++
	r.listeners[r.nextHandle] = l
	r.events = append(r.events, fmt.Sprintf("add:%s:%d", name, r.nextHandle))
	return r.nextHandle
}

// ConsensusState implements ledger.Remote
func (r *Remote) ConsensusState() types.ConsensusState {
	return r.consensus.Get()
}

// WaitForConsensusEstablished implements ledger.Remote
func (r *Remote) WaitForConsensusEstablished(ctx context.Context) error {
	_, err := observable.WaitFor(ctx, r.consensus, func(s types.ConsensusState) bool {
		return s == types.ConsensusEstablished
	})
	return err
}

// AddConsensusChangedListener implements ledger.Remote
func (r *Remote) AddConsensusChangedListener(ctx context.Context, fn func(types.ConsensusState)) (ledger.Handle, error) {
	return r.add(&listener{kind: consensusListener, consensus: fn}, "consensus"), nil
}

// AddHeadChangedListener implements ledger.Remote
func (r *Remote) AddHeadChangedListener(ctx context.Context, fn func(common.Hash)) (ledger.Handle, error) {
	return r.add(&listener{kind: headListener, head: fn}, "head"), nil
}

// AddTransactionListener implements ledger.Remote
func (r *Remote) AddTransactionListener(ctx context.Context, fn func(types.Transaction), addresses []types.Address) (ledger.Handle, error) {
	r.mu.Lock()
	hook := r.OnAddTransactionListener
	r.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, addresses); err != nil {
			return 0, err
		}
	}

	filter := make(map[types.Address]bool, len(addresses))
	for _, a := range addresses {
		filter[a] = true
	}
	return r.add(&listener{kind: txListener, tx: fn, filter: filter}, "tx"), nil
}

// RemoveListener implements ledger.Remote
func (r *Remote) RemoveListener(ctx context.Context, handle ledger.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[handle]; !ok {
		return fmt.Errorf("%w: %d", ledger.ErrUnknownListener, handle)
	}
	delete(r.listeners, handle)
	r.events = append(r.events, fmt.Sprintf("remove:%d", handle))
	return nil
}

// GetHeadHash implements ledger.Remote
func (r *Remote) GetHeadHash(ctx context.Context) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head, nil
}

// GetBlock implements ledger.Remote
func (r *Remote) GetBlock(ctx context.Context, hash common.Hash) (*types.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", hash.Hex(), ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

// GetAccounts implements ledger.Remote
func (r *Remote) GetAccounts(ctx context.Context, addresses []types.Address) ([]types.Account, error) {
	r.mu.Lock()
	r.accountCalls = append(r.accountCalls, append([]types.Address(nil), addresses...))
	hook := r.OnGetAccounts
	r.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, addresses); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		out  []types.Account
		errs error
	)
	for _, a := range addresses {
		if err, ok := r.accountErrs[a]; ok {
			errs = multierr.Append(errs, fmt.Errorf("account %s: %w", a.Hex(), err))
			continue
		}
		acc, ok := r.accounts[a]
		if !ok {
			acc = types.Account{Address: a, Type: types.AccountBasic}
		}
		out = append(out, acc)
	}
	return out, errs
}

// GetTransactionsByAddress implements ledger.Remote
func (r *Remote) GetTransactionsByAddress(ctx context.Context, address types.Address, sinceHeight uint64, known []types.Transaction) ([]types.Transaction, error) {
	r.mu.Lock()
	r.txCalls = append(r.txCalls, TransactionsCall{Address: address, SinceHeight: sinceHeight, Known: known})
	hook := r.OnGetTransactions
	r.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, address); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Transaction(nil), r.history[address]...), r.txErrs[address]
}

// GetNetworkStatistics implements ledger.Remote
func (r *Remote) GetNetworkStatistics(ctx context.Context) (types.NetworkStatistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	return r.stats, r.statsErr
}

// Close implements ledger.Remote
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Provider is a ledger.Provider that hands out a fixed remote
type Provider struct {
	Remote  ledger.Remote
	Opts    ledger.Options
	Err     error
	ready   chan struct{}
	readyMu sync.Once
}

// NewProvider returns a provider whose remote is immediately available
func NewProvider(remote ledger.Remote, opts ...ledger.Option) *Provider {
	p := &Provider{
		Remote: remote,
		Opts:   ledger.DefaultOptions().Apply(opts...),
		ready:  make(chan struct{}),
	}
	close(p.ready)
	return p
}

// NewPendingProvider returns a provider whose Client blocks until Release
func NewPendingProvider(remote ledger.Remote, opts ...ledger.Option) *Provider {
	return &Provider{
		Remote: remote,
		Opts:   ledger.DefaultOptions().Apply(opts...),
		ready:  make(chan struct{}),
	}
}

// Release unblocks pending Client calls
func (p *Provider) Release() {
	p.readyMu.Do(func() {
		select {
		case <-p.ready:
		default:
			close(p.ready)
		}
	})
}

// Client implements ledger.Provider
func (p *Provider) Client(ctx context.Context) (ledger.Remote, error) {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Remote, nil
}

// Options implements ledger.Provider
func (p *Provider) Options() ledger.Options {
	return p.Opts
}
