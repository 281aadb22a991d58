package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Network represents the named chains a session can attach to
type Network string

const (
	MainNet Network = "main"
	TestNet Network = "test"
	DevNet  Network = "dev"
)

// ChainID returns the EIP-155 chain id expected for the network
func (n Network) ChainID() (*big.Int, bool) {
	switch n {
	case MainNet:
		return big.NewInt(1), true
	case TestNet:
		return big.NewInt(11155111), true
	case DevNet:
		return big.NewInt(1337), true
	default:
		return nil, false
	}
}

// Valid reports whether n is one of the supported networks
func (n Network) Valid() bool {
	_, ok := n.ChainID()
	return ok
}

// ConsensusState represents the sync state of the remote ledger client
type ConsensusState string

const (
	ConsensusLoading     ConsensusState = "loading"
	ConsensusSyncing     ConsensusState = "syncing"
	ConsensusEstablished ConsensusState = "established"
)

// Block represents a blockchain block
type Block struct {
	Number       uint64        `json:"number"`
	Hash         common.Hash   `json:"hash"`
	ParentHash   common.Hash   `json:"parent_hash"`
	Timestamp    time.Time     `json:"timestamp"`
	Miner        Address       `json:"miner"`
	GasUsed      uint64        `json:"gas_used"`
	GasLimit     uint64        `json:"gas_limit"`
	Transactions []common.Hash `json:"transactions"`
}

// NetworkStatistics is a point-in-time snapshot of the remote client's connectivity
type NetworkStatistics struct {
	PeerCount     uint64        `json:"peer_count"`
	Listening     bool          `json:"listening"`
	ChainID       uint64        `json:"chain_id"`
	GasPrice      *big.Int      `json:"gas_price,omitempty"`
	ClientVersion string        `json:"client_version,omitempty"`
	Latency       time.Duration `json:"latency"`
	FetchedAt     time.Time     `json:"fetched_at"`
}

// Event represents a message to be published
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
}

// EventType constants
const (
	EventTypeTransactionObserved = "transaction.observed"
	EventTypeAccountsUpdated     = "accounts.updated"
)

// BlockRecord is a block together with its transactions in canonical form
type BlockRecord struct {
	Network      Network       `json:"network"`
	Block        Block         `json:"block"`
	Transactions []Transaction `json:"transactions"`
}
