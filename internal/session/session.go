// Package session owns one isolated ledgerwatch session: the remote handle
// and every reactive component built on top of it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/igwedaniel/ledgerwatch/internal/accounts"
	"github.com/igwedaniel/ledgerwatch/internal/blockchain"
	"github.com/igwedaniel/ledgerwatch/internal/config"
	"github.com/igwedaniel/ledgerwatch/internal/ledger"
	"github.com/igwedaniel/ledgerwatch/internal/metrics"
	"github.com/igwedaniel/ledgerwatch/internal/observable"
	"github.com/igwedaniel/ledgerwatch/internal/transactions"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned once the session has been closed
var ErrClosed = errors.New("session closed")

// Connector initializes the remote ledger client for network
type Connector func(ctx context.Context, cfg *config.EthereumConfig, network types.Network) (ledger.Remote, error)

// Session is the explicit context shared by all components. It implements
// ledger.Provider.
type Session struct {
	cfg     config.Config
	connect Connector
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	ready     chan struct{}
	closed    chan struct{}

	mu     sync.RWMutex
	opts   ledger.Options
	remote ledger.Remote
	err    error

	// Ready is false until initialization succeeded, then permanently true
	Ready *observable.Value[bool]

	Consensus    *blockchain.Consensus
	Head         *blockchain.Head
	Network      *blockchain.Network
	Accounts     *accounts.Registry
	Feed         *transactions.Feed
	Transactions *transactions.Ledger
}

var _ ledger.Provider = (*Session)(nil)

// New creates a session and its components. Nothing talks to the remote
// until Start.
func New(cfg *config.Config, connect Connector, logger *logrus.Logger, m *metrics.Metrics) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     *cfg,
		connect: connect,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
		opts:    defaultOptions(cfg),
		Ready:   observable.NewValue(false, nil, observable.Equal[bool]()),
	}

	s.Consensus = blockchain.NewConsensus(ctx, s, logger)
	s.Head = blockchain.NewHead(ctx, s, logger)
	s.Network = blockchain.NewNetwork(ctx, s, logger, cfg.Monitoring.StatsInterval)
	s.Accounts = accounts.NewRegistry(ctx, s, s.Head.Hash, logger, m)
	s.Feed = transactions.NewFeed(ctx, s, s.Accounts.Accounts, logger)
	s.Transactions = transactions.NewLedger(ctx, s, s.Accounts.Accounts, s.Feed.Latest, logger, m, cfg.Ethereum.MaxConcurrentBlocks)

	return s
}

func defaultOptions(cfg *config.Config) ledger.Options {
	opts := ledger.DefaultOptions()
	if n := types.Network(cfg.Session.Network); n != "" {
		opts.Network = n
	}
	opts.FetchTransactionHistory = cfg.Session.FetchTransactionHistory
	return opts
}

// Start initializes the session once. configure runs exactly once, on the
// session's copy of the client configuration, before the remote is created.
// Later calls ignore their arguments and wait for the same outcome.
func (s *Session) Start(ctx context.Context, configure func(*config.EthereumConfig), opts ...ledger.Option) error {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.opts = s.opts.Apply(opts...)
		s.mu.Unlock()
		go s.initialize(configure)
	})

	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) initialize(configure func(*config.EthereumConfig)) {
	remote, err := s.create(configure)

	s.mu.Lock()
	s.remote, s.err = remote, err
	s.mu.Unlock()
	close(s.ready)

	if err != nil {
		s.logger.Errorf("Session initialization failed: %v", err)
		return
	}
	s.Ready.Set(true)
	s.logger.WithFields(logrus.Fields{
		"network":                   s.Options().Network,
		"fetch_transaction_history": s.Options().FetchTransactionHistory,
	}).Info("Session ready")
}

func (s *Session) create(configure func(*config.EthereumConfig)) (ledger.Remote, error) {
	ethCfg := s.cfg.Ethereum
	ethCfg.RPCURLs = append([]string(nil), s.cfg.Ethereum.RPCURLs...)
	if configure != nil {
		configure(&ethCfg)
	}

	opts := s.Options()
	if !opts.Network.Valid() {
		return nil, fmt.Errorf("unknown network %q", opts.Network)
	}

	remote, err := s.connect(s.ctx, &ethCfg, opts.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger client: %w", err)
	}

	select {
	case <-s.closed:
		_ = remote.Close()
		return nil, ErrClosed
	default:
	}
	return remote, nil
}

// Client implements ledger.Provider. It blocks until initialization finished.
func (s *Session) Client(ctx context.Context) (ledger.Remote, error) {
	select {
	case <-s.ready:
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.remote, nil
}

// Options implements ledger.Provider
func (s *Session) Options() ledger.Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// Close stops background work and closes the remote
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()

		s.mu.RLock()
		remote := s.remote
		s.mu.RUnlock()
		if remote != nil {
			err = remote.Close()
		}
		s.logger.Info("Session closed")
	})
	return err
}
