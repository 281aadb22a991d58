package ledger

import "github.com/igwedaniel/ledgerwatch/internal/types"

// Options are the session options recognized at start
type Options struct {
	Network                 types.Network `json:"network"`
	FetchTransactionHistory bool          `json:"fetch_transaction_history"`
}

// DefaultOptions returns the documented defaults
func DefaultOptions() Options {
	return Options{
		Network:                 types.MainNet,
		FetchTransactionHistory: true,
	}
}

// Option overrides a single field of Options
type Option func(*Options)

// WithNetwork selects the chain to attach to
func WithNetwork(n types.Network) Option {
	return func(o *Options) {
		o.Network = n
	}
}

// WithTransactionHistory enables or disables fetching transaction history
func WithTransactionHistory(enabled bool) Option {
	return func(o *Options) {
		o.FetchTransactionHistory = enabled
	}
}

// Apply returns a copy of o with opts applied
func (o Options) Apply(opts ...Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
