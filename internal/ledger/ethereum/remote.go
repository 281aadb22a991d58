// Package ethereum implements the remote ledger client on top of Ethereum
// JSON-RPC.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/igwedaniel/ledgerwatch/internal/config"
	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/storage"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrWrongChain is returned by Connect when the endpoint serves another chain
var ErrWrongChain = errors.New("endpoint serves a different chain")

// maxHeadGap bounds how many skipped blocks are scanned for listeners when
// several heads arrive between polls
const maxHeadGap = 16

// backend is the subset of Client used by Remote
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error)
	PeerCount(ctx context.Context) (uint64, error)
	NetListening(ctx context.Context) (bool, error)
	ClientVersion(ctx context.Context) (string, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*gethtypes.Block, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error)
	Close()
}

type listener struct {
	consensus func(types.ConsensusState)
	head      func(common.Hash)
	tx        func(types.Transaction)
	filter    map[types.Address]struct{}
}

func (l *listener) matches(tx types.Transaction) bool {
	if _, ok := l.filter[tx.Sender]; ok {
		return true
	}
	if tx.Recipient != nil {
		_, ok := l.filter[*tx.Recipient]
		return ok
	}
	return false
}

// Remote implements ledger.Remote for an EVM chain
type Remote struct {
	backend  backend
	cfg      *config.EthereumConfig
	network  types.Network
	chainID  *big.Int
	signer   gethtypes.Signer
	cache    storage.BlockCache
	token    abi.ABI
	blockSem *semaphore.Weighted
	logger   *logrus.Logger

	consensus *observable.Value[types.ConsensusState]

	mu         sync.Mutex
	nextHandle ledger.Handle
	listeners  map[ledger.Handle]*listener
	head       *gethtypes.Header

	cancel context.CancelFunc
	done   chan struct{}
}

var _ ledger.Remote = (*Remote)(nil)

// Connect dials the configured endpoints, verifies the chain and starts
// watching consensus and heads until Close.
func Connect(ctx context.Context, cfg *config.EthereumConfig, network types.Network, cache storage.BlockCache, logger *logrus.Logger) (*Remote, error) {
	client, err := Dial(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ethereum client: %w", err)
	}

	r, err := newRemote(ctx, client, cfg, network, cache, logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go client.RunHealthChecks(watchCtx, cfg.HealthCheckInterval)
	go r.watch(watchCtx)

	logger.WithFields(logrus.Fields{
		"network":  network,
		"chain_id": r.chainID,
	}).Info("Connected to ethereum network")
	return r, nil
}

func newRemote(ctx context.Context, b backend, cfg *config.EthereumConfig, network types.Network, cache storage.BlockCache, logger *logrus.Logger) (*Remote, error) {
	token, err := parseERC20()
	if err != nil {
		return nil, err
	}

	chainID, err := b.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if want, ok := network.ChainID(); ok && want.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("%w: %s expects chain %s, got %s", ErrWrongChain, network, want, chainID)
	}

	if cache == nil {
		cache = storage.NewInMemoryStorage(10 * time.Minute)
	}
	concurrency := int64(cfg.MaxConcurrentBlocks)
	if concurrency < 1 {
		concurrency = 1
	}

	return &Remote{
		backend:   b,
		cfg:       cfg,
		network:   network,
		chainID:   chainID,
		signer:    gethtypes.LatestSignerForChainID(chainID),
		cache:     cache,
		token:     token,
		blockSem:  semaphore.NewWeighted(concurrency),
		logger:    logger,
		consensus: observable.NewValue(types.ConsensusLoading, nil, observable.Equal[types.ConsensusState]()),
		listeners: make(map[ledger.Handle]*listener),
	}, nil
}

// watch polls consensus and follows heads until ctx is done
func (r *Remote) watch(ctx context.Context) {
	defer close(r.done)

	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 12 * time.Second
	}

	r.pollStatus(ctx)
	r.pollHead(ctx)

	headers := make(chan *gethtypes.Header, 16)
	var sub ethereum.Subscription
	if r.cfg.WSURL != "" {
		s, err := r.backend.SubscribeNewHead(ctx, headers)
		if err != nil {
			r.logger.Warnf("Failed to subscribe to new heads, polling instead: %v", err)
		} else {
			sub = s
			r.logger.Info("WebSocket head subscription established")
		}
	}
	var subErr <-chan error
	if sub != nil {
		defer sub.Unsubscribe()
		subErr = sub.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollStatus(ctx)
			if sub == nil {
				r.pollHead(ctx)
			}
		case header := <-headers:
			if header != nil {
				r.processHead(ctx, header)
			}
		case err := <-subErr:
			r.logger.Errorf("Head subscription failed, polling instead: %v", err)
			sub, subErr = nil, nil
		}
	}
}

func (r *Remote) pollStatus(ctx context.Context) {
	progress, err := r.backend.SyncProgress(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warnf("Failed to get sync status: %v", err)
		}
		return
	}
	state := types.ConsensusEstablished
	if progress != nil && !progress.Done() {
		state = types.ConsensusSyncing
	}
	r.setConsensus(state)
}

func (r *Remote) setConsensus(state types.ConsensusState) {
	if r.consensus.Get() == state {
		return
	}
	r.consensus.Set(state)
	r.logger.WithField("state", state).Info("Consensus state changed")
	for _, l := range r.snapshotListeners() {
		if l.consensus != nil {
			l.consensus(state)
		}
	}
}

func (r *Remote) pollHead(ctx context.Context) {
	header, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warnf("Failed to get latest header: %v", err)
		}
		return
	}
	r.processHead(ctx, header)
}

// processHead records header as the new head, scans the new blocks for
// transaction listeners and notifies head listeners
func (r *Remote) processHead(ctx context.Context, header *gethtypes.Header) {
	r.mu.Lock()
	prev := r.head
	if prev != nil && prev.Hash() == header.Hash() {
		r.mu.Unlock()
		return
	}
	r.head = header
	r.mu.Unlock()

	number := header.Number.Uint64()
	from := number
	if prev != nil && prev.Number.Uint64() < number {
		from = prev.Number.Uint64() + 1
		if number-from >= maxHeadGap {
			from = number - maxHeadGap + 1
		}
	}

	listeners := r.snapshotListeners()
	if hasTxListeners(listeners) {
		for n := from; n <= number; n++ {
			record, err := r.blockRecord(ctx, n, number)
			if err != nil {
				r.logger.WithFields(logrus.Fields{
					"block": n,
					"error": err,
				}).Warn("Failed to scan block for transaction listeners")
				continue
			}
			r.dispatch(ctx, listeners, record, number)
		}
	}

	for _, l := range listeners {
		if l.head != nil {
			l.head(header.Hash())
		}
	}
}

func hasTxListeners(listeners []*listener) bool {
	for _, l := range listeners {
		if l.tx != nil {
			return true
		}
	}
	return false
}

func (r *Remote) dispatch(ctx context.Context, listeners []*listener, record *types.BlockRecord, head uint64) {
	for _, tx := range record.Transactions {
		var matched []*listener
		for _, l := range listeners {
			if l.tx != nil && l.matches(tx) {
				matched = append(matched, l)
			}
		}
		if len(matched) == 0 {
			continue
		}
		tx = r.withReceipt(ctx, tx)
		tx.Confirmations = confirmations(tx.BlockHeight, head)
		for _, l := range matched {
			l.tx(tx)
		}
	}
}

// blockRecord returns the record of block number, from the cache when
// possible. Blocks deeper than the confirmation depth are cached.
func (r *Remote) blockRecord(ctx context.Context, number, head uint64) (*types.BlockRecord, error) {
	if record, err := r.cache.GetBlock(ctx, r.network, number); err == nil {
		return record, nil
	} else if !errors.Is(err, storage.ErrCacheMiss) {
		r.logger.Warnf("Block cache lookup failed for block %d: %v", number, err)
	}

	block, err := r.backend.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	record := toRecord(r.network, block, r.signer, r.logger)

	if confirmations(number, head) > uint64(r.cfg.Confirmations) {
		if err := r.cache.SetBlock(ctx, record); err != nil {
			r.logger.Warnf("Failed to cache block %d: %v", number, err)
		}
	}
	return record, nil
}

// withReceipt completes tx with its fee and execution status. Receipt
// failures leave tx unchanged.
func (r *Remote) withReceipt(ctx context.Context, tx types.Transaction) types.Transaction {
	receipt, err := r.backend.TransactionReceipt(ctx, tx.Hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			r.logger.Debugf("Failed to get receipt for %s: %v", tx.Hash.Hex(), err)
		}
		return tx
	}
	return applyReceipt(tx, receipt, nil)
}

func (r *Remote) snapshotListeners() []*listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*listener, 0, len(r.listeners))
	for h := ledger.Handle(1); h <= r.nextHandle; h++ {
		if l, ok := r.listeners[h]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (r *Remote) addListener(l *listener) ledger.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextHandle++
	r.listeners[r.nextHandle] = l
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
	return r.addListener(&listener{consensus: fn}), nil
}

// AddHeadChangedListener implements ledger.Remote
func (r *Remote) AddHeadChangedListener(ctx context.Context, fn func(common.Hash)) (ledger.Handle, error) {
	return r.addListener(&listener{head: fn}), nil
}

// AddTransactionListener implements ledger.Remote
func (r *Remote) AddTransactionListener(ctx context.Context, fn func(types.Transaction), addresses []types.Address) (ledger.Handle, error) {
	filter := make(map[types.Address]struct{}, len(addresses))
	for _, a := range addresses {
		filter[a] = struct{}{}
	}
	return r.addListener(&listener{tx: fn, filter: filter}), nil
}

// RemoveListener implements ledger.Remote
func (r *Remote) RemoveListener(ctx context.Context, handle ledger.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[handle]; !ok {
		return fmt.Errorf("%w: %d", ledger.ErrUnknownListener, handle)
	}
	delete(r.listeners, handle)
	return nil
}

// GetHeadHash implements ledger.Remote
func (r *Remote) GetHeadHash(ctx context.Context) (common.Hash, error) {
	header, err := r.latest(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	return header.Hash(), nil
}

func (r *Remote) latest(ctx context.Context) (*gethtypes.Header, error) {
	r.mu.Lock()
	head := r.head
	r.mu.Unlock()
	if head != nil {
		return head, nil
	}
	header, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	return header, nil
}

// GetBlock implements ledger.Remote
func (r *Remote) GetBlock(ctx context.Context, hash common.Hash) (*types.Block, error) {
	block, err := r.backend.BlockByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", hash.Hex(), err)
	}
	summary := toBlock(block.Header(), block.Transactions())
	return &summary, nil
}

// GetAccounts implements ledger.Remote. Accounts are fetched one by one;
// failures are collected and the accounts that could be read are returned.
func (r *Remote) GetAccounts(ctx context.Context, addresses []types.Address) ([]types.Account, error) {
	var (
		out  []types.Account
		errs error
	)
	for _, addr := range addresses {
		acc, err := r.account(ctx, addr)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("account %s: %w", addr.Hex(), err))
			continue
		}
		out = append(out, acc)
	}
	return out, errs
}

func (r *Remote) account(ctx context.Context, addr types.Address) (types.Account, error) {
	balance, err := r.backend.BalanceAt(ctx, addr.Address, nil)
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to get balance: %w", err)
	}
	nonce, err := r.backend.NonceAt(ctx, addr.Address, nil)
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	code, err := r.backend.CodeAt(ctx, addr.Address, nil)
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to get code: %w", err)
	}

	acc := types.Account{
		Address: addr,
		Type:    types.AccountBasic,
		Balance: balance,
		Nonce:   &nonce,
	}
	if len(code) > 0 {
		codeHash := crypto.Keccak256Hash(code)
		acc.CodeHash = &codeHash
		acc.Type = types.AccountContract
		if probeToken(ctx, r.backend, r.token, &acc) {
			acc.Type = types.AccountToken
		}
	}
	return acc, nil
}

// GetTransactionsByAddress implements ledger.Remote. It scans the blocks above
// the highest known confirmed height, limited to the configured history
// window, and re-checks the receipts of known pending transactions.
func (r *Remote) GetTransactionsByAddress(ctx context.Context, address types.Address, sinceHeight uint64, known []types.Transaction) ([]types.Transaction, error) {
	header, err := r.latest(ctx)
	if err != nil {
		return nil, err
	}
	head := header.Number.Uint64()
	from := scanStart(head, sinceHeight, uint64(r.cfg.HistoryBlocks), known)

	var (
		mu    sync.Mutex
		found []types.Transaction
	)
	g, gctx := errgroup.WithContext(ctx)
	for n := from; n <= head; n++ {
		if err := r.blockSem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer r.blockSem.Release(1)
			record, err := r.blockRecord(gctx, n, head)
			if err != nil {
				return err
			}
			for _, tx := range record.Transactions {
				if tx.Involves(address) {
					mu.Lock()
					found = append(found, tx)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to scan history: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, tx := range found {
		tx = r.withReceipt(ctx, tx)
		tx.Confirmations = confirmations(tx.BlockHeight, head)
		found[i] = tx
	}

	updated, errs := r.recheckPending(ctx, known, head)
	return append(found, updated...), errs
}

// scanStart returns the first block to scan for an address
func scanStart(head, sinceHeight, window uint64, known []types.Transaction) uint64 {
	from := sinceHeight
	for _, tx := range known {
		if !tx.IsPending() && tx.BlockHeight >= from {
			from = tx.BlockHeight + 1
		}
	}
	if window > 0 && head+1 > window && from < head+1-window {
		from = head + 1 - window
	}
	return from
}

// recheckPending returns the known pending transactions that have since been
// mined, completed from their receipts
func (r *Remote) recheckPending(ctx context.Context, known []types.Transaction, head uint64) ([]types.Transaction, error) {
	var (
		out  []types.Transaction
		errs error
	)
	for _, tx := range known {
		if !tx.IsPending() {
			continue
		}
		receipt, err := r.backend.TransactionReceipt(ctx, tx.Hash)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("receipt %s: %w", tx.Hash.Hex(), err))
			continue
		}

		mined := applyReceipt(tx, receipt, nil)
		header, err := r.backend.HeaderByNumber(ctx, receipt.BlockNumber)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("header %s: %w", receipt.BlockNumber, err))
			continue
		}
		ts := time.Unix(int64(header.Time), 0).UTC()
		mined.Timestamp = &ts
		mined.Confirmations = confirmations(mined.BlockHeight, head)
		out = append(out, mined)
	}
	return out, errs
}

// GetNetworkStatistics implements ledger.Remote. Only the peer count is
// required; the other fields are best effort.
func (r *Remote) GetNetworkStatistics(ctx context.Context) (types.NetworkStatistics, error) {
	started := time.Now()
	peers, err := r.backend.PeerCount(ctx)
	if err != nil {
		return types.NetworkStatistics{}, fmt.Errorf("failed to get peer count: %w", err)
	}
	latency := time.Since(started)

	stats := types.NetworkStatistics{
		PeerCount: peers,
		ChainID:   r.chainID.Uint64(),
		Latency:   latency,
		FetchedAt: time.Now(),
	}
	if listening, err := r.backend.NetListening(ctx); err == nil {
		stats.Listening = listening
	} else {
		r.logger.Debugf("net_listening failed: %v", err)
	}
	if price, err := r.backend.SuggestGasPrice(ctx); err == nil {
		stats.GasPrice = price
	} else {
		r.logger.Debugf("eth_gasPrice failed: %v", err)
	}
	if version, err := r.backend.ClientVersion(ctx); err == nil {
		stats.ClientVersion = version
	} else {
		r.logger.Debugf("web3_clientVersion failed: %v", err)
	}
	return stats, nil
}

// Close stops watching and closes the connections
func (r *Remote) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.backend.Close()
	return nil
}
