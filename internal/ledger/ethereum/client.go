package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/igwedaniel/ledgerwatch/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrNoHealthyEndpoint is returned when every endpoint's breaker is open
var ErrNoHealthyEndpoint = errors.New("no healthy RPC endpoint available")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	breakerThreshold = 3
	halfOpenAfter    = 30 * time.Second
	recheckAfter     = 60 * time.Second
	latencySamples   = 10
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// EndpointStatus is a snapshot of one RPC endpoint's health
type EndpointStatus struct {
	URL         string        `json:"url"`
	State       string        `json:"state"`
	Failures    int           `json:"failures"`
	LastFailure time.Time     `json:"last_failure"`
	LastSuccess time.Time     `json:"last_success"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

type endpoint struct {
	url string
	eth *ethclient.Client
	rpc *rpc.Client

	mu          sync.RWMutex
	state       breakerState
	failures    int
	lastFailure time.Time
	lastSuccess time.Time
	latencies   []time.Duration
}

func (e *endpoint) usable(now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch e.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		return now.Sub(e.lastFailure) > halfOpenAfter
	}
	return false
}

// record updates the breaker after a call and reports state transitions
func (e *endpoint) record(err error, took time.Duration, logger *logrus.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.latencies = append(e.latencies, took)
	if len(e.latencies) > latencySamples {
		e.latencies = e.latencies[1:]
	}

	if err != nil {
		e.failures++
		e.lastFailure = time.Now()
		if e.failures >= breakerThreshold && e.state != breakerOpen {
			e.state = breakerOpen
			logger.Warnf("Circuit breaker opened for %s after %d failures", e.url, e.failures)
		}
		return
	}

	e.failures = 0
	e.lastSuccess = time.Now()
	if e.state == breakerHalfOpen {
		e.state = breakerClosed
		logger.Infof("Circuit breaker closed for %s", e.url)
	}
}

func (e *endpoint) status() EndpointStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var avg time.Duration
	for _, d := range e.latencies {
		avg += d
	}
	if n := len(e.latencies); n > 0 {
		avg /= time.Duration(n)
	}
	return EndpointStatus{
		URL:         e.url,
		State:       e.state.String(),
		Failures:    e.failures,
		LastFailure: e.lastFailure,
		LastSuccess: e.lastSuccess,
		AvgLatency:  avg,
	}
}

// Client is a rate limited JSON-RPC client that spreads calls over several
// endpoints round-robin, retrying and tripping a circuit breaker per endpoint.
type Client struct {
	endpoints []*endpoint
	ws        *ethclient.Client
	limiter   *rate.Limiter
	cfg       *config.EthereumConfig
	logger    *logrus.Logger

	mu   sync.Mutex
	next int
}

// Dial connects to every configured RPC URL. Unreachable URLs are skipped; at
// least one must answer.
func Dial(ctx context.Context, cfg *config.EthereumConfig, logger *logrus.Logger) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		endpoints: make([]*endpoint, 0, len(cfg.RPCURLs)),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		cfg:       cfg,
		logger:    logger,
	}

	for _, url := range cfg.RPCURLs {
		e, err := c.dialEndpoint(ctx, url)
		if err != nil {
			logger.Warnf("Failed to add RPC endpoint %s: %v", url, err)
			continue
		}
		c.endpoints = append(c.endpoints, e)
		logger.Infof("Added RPC endpoint: %s", url)
	}
	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("no working RPC endpoints available")
	}

	if cfg.WSURL != "" {
		ws, err := ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			logger.Warnf("Failed to connect to WebSocket %s, heads will be polled: %v", cfg.WSURL, err)
		} else {
			c.ws = ws
		}
	}

	return c, nil
}

func (c *Client) dialEndpoint(ctx context.Context, url string) (*endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	if _, err := eth.BlockNumber(ctx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to test connection: %w", err)
	}

	return &endpoint{
		url:         url,
		eth:         eth,
		rpc:         rpcClient,
		lastSuccess: time.Now(),
		latencies:   make([]time.Duration, 0, latencySamples),
	}, nil
}

func (c *Client) timeout() time.Duration {
	if c.cfg.RPCTimeout > 0 {
		return c.cfg.RPCTimeout
	}
	return 30 * time.Second
}

// pick returns the next usable endpoint round-robin
func (c *Client) pick() (*endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for i := 0; i < len(c.endpoints); i++ {
		idx := (c.next + i) % len(c.endpoints)
		if c.endpoints[idx].usable(now) {
			c.next = (idx + 1) % len(c.endpoints)
			return c.endpoints[idx], nil
		}
	}
	return nil, ErrNoHealthyEndpoint
}

// do runs call against an endpoint, retrying on other endpoints. Not-found
// answers are returned immediately and do not count as endpoint failures.
func (c *Client) do(ctx context.Context, call func(context.Context, *endpoint) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		e, err := c.pick()
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout())
		started := time.Now()
		err = call(callCtx, e)
		cancel()

		if errors.Is(err, ethereum.NotFound) {
			e.record(nil, time.Since(started), c.logger)
			return err
		}
		if err != nil && strings.Contains(err.Error(), "transaction type not supported") {
			c.logger.Debugf("Endpoint %s does not support a transaction type, trying next", e.url)
			lastErr = err
			continue
		}
		e.record(err, time.Since(started), c.logger)
		if err == nil {
			return nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
	}

	return fmt.Errorf("all retry attempts failed: %w", lastErr)
}

// RunHealthChecks probes open endpoints every interval and moves the ones that
// answer to half-open. It returns when ctx is done.
func (c *Client) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOpenEndpoints(ctx)
		}
	}
}

func (c *Client) probeOpenEndpoints(ctx context.Context) {
	for _, e := range c.endpoints {
		e.mu.RLock()
		due := e.state == breakerOpen && time.Since(e.lastFailure) > recheckAfter
		e.mu.RUnlock()
		if !due {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		started := time.Now()
		_, err := e.eth.BlockNumber(probeCtx)
		cancel()

		if err != nil {
			e.record(err, time.Since(started), c.logger)
			continue
		}
		e.mu.Lock()
		e.state = breakerHalfOpen
		e.failures = 0
		e.lastSuccess = time.Now()
		e.mu.Unlock()
		c.logger.Infof("RPC endpoint %s is recovering", e.url)
	}
}

// Statuses returns the health of every endpoint
func (c *Client) Statuses() []EndpointStatus {
	out := make([]EndpointStatus, len(c.endpoints))
	for i, e := range c.endpoints {
		out[i] = e.status()
	}
	return out
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		id, err = e.eth.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *Client) SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error) {
	var progress *ethereum.SyncProgress
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		progress, err = e.eth.SyncProgress(ctx)
		return err
	})
	return progress, err
}

func (c *Client) PeerCount(ctx context.Context) (uint64, error) {
	var peers uint64
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		peers, err = e.eth.PeerCount(ctx)
		return err
	})
	return peers, err
}

func (c *Client) NetListening(ctx context.Context) (bool, error) {
	var listening bool
	err := c.do(ctx, func(ctx context.Context, e *endpoint) error {
		return e.rpc.CallContext(ctx, &listening, "net_listening")
	})
	return listening, err
}

func (c *Client) ClientVersion(ctx context.Context) (string, error) {
	var version string
	err := c.do(ctx, func(ctx context.Context, e *endpoint) error {
		return e.rpc.CallContext(ctx, &version, "web3_clientVersion")
	})
	return version, err
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		price, err = e.eth.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	var header *gethtypes.Header
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		header, err = e.eth.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error) {
	var block *gethtypes.Block
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		block, err = e.eth.BlockByNumber(ctx, number)
		return err
	})
	return block, err
}

func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*gethtypes.Block, error) {
	var block *gethtypes.Block
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		block, err = e.eth.BlockByHash(ctx, hash)
		return err
	})
	return block, err
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	var receipt *gethtypes.Receipt
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		receipt, err = e.eth.TransactionReceipt(ctx, hash)
		return err
	})
	return receipt, err
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		balance, err = e.eth.BalanceAt(ctx, account, block)
		return err
	})
	return balance, err
}

func (c *Client) NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error) {
	var nonce uint64
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		nonce, err = e.eth.NonceAt(ctx, account, block)
		return err
	})
	return nonce, err
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error) {
	var code []byte
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		code, err = e.eth.CodeAt(ctx, account, block)
		return err
	})
	return code, err
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func(ctx context.Context, e *endpoint) (err error) {
		out, err = e.eth.CallContract(ctx, msg, block)
		return err
	})
	return out, err
}

// SubscribeNewHead subscribes over the WebSocket connection, if one is configured
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error) {
	if c.ws == nil {
		return nil, fmt.Errorf("no WebSocket URL configured")
	}
	return c.ws.SubscribeNewHead(ctx, ch)
}

// Close closes every connection
func (c *Client) Close() {
	if c.ws != nil {
		c.ws.Close()
	}
	for _, e := range c.endpoints {
		e.rpc.Close()
	}
}
