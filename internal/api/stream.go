package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	frameBuffer  = 64
)

// Frame types sent on the stream
const (
	FrameConsensus      = "consensus"
	FrameHead           = "head"
	FrameNetwork        = "network"
	FrameAccounts       = "accounts"
	FrameTransactions   = "transactions"
	FrameNewTransaction = "new_transaction"
)

// Frame is one WebSocket message
type Frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// HeadPayload describes the chain head
type HeadPayload struct {
	Hash   string `json:"hash"`
	Height uint64 `json:"height"`
}

// NetworkPayload describes the remote client's connectivity
type NetworkPayload struct {
	PeerCount     uint64 `json:"peer_count"`
	Listening     bool   `json:"listening"`
	ChainID       uint64 `json:"chain_id"`
	GasPriceGwei  string `json:"gas_price_gwei,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	LatencyMillis int64  `json:"latency_ms"`
}

func newNetworkPayload(stats types.NetworkStatistics) NetworkPayload {
	p := NetworkPayload{
		PeerCount:     stats.PeerCount,
		Listening:     stats.Listening,
		ChainID:       stats.ChainID,
		ClientVersion: stats.ClientVersion,
		LatencyMillis: stats.Latency.Milliseconds(),
	}
	if stats.GasPrice != nil {
		p.GasPriceGwei = types.FormatUnits(stats.GasPrice, 9)
	}
	return p
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Stream upgrades the request to a WebSocket and pushes session changes until
// the client goes away. Every connection is an observer, so remote listeners
// stay registered while at least one client is connected.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	log := h.logger.WithFields(logrus.Fields{
		"conn_id":     id,
		"remote_addr": r.RemoteAddr,
	})
	log.Info("Stream connected")

	out := make(chan Frame, frameBuffer)
	send := func(f Frame) {
		select {
		case out <- f:
		default:
			log.WithField("frame", f.Type).Warn("Stream client too slow, dropping frame")
		}
	}

	release := h.subscribeFrames(send)
	defer release()

	done := make(chan struct{})
	go readLoop(conn, done)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			log.Info("Stream disconnected")
			return
		case f := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				log.Warnf("Stream write failed: %v", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) subscribeFrames(send func(Frame)) func() {
	s := h.session

	unsubscribers := []func(){
		s.Consensus.State.Subscribe(func(state types.ConsensusState) {
			send(Frame{Type: FrameConsensus, Payload: state})
		}),
		s.Head.Block.Subscribe(func(b *types.Block) {
			if b == nil {
				return
			}
			send(Frame{Type: FrameHead, Payload: HeadPayload{Hash: b.Hash.Hex(), Height: b.Number}})
		}),
		s.Network.Statistics.Subscribe(func(stats types.NetworkStatistics) {
			if stats.FetchedAt.IsZero() {
				return
			}
			send(Frame{Type: FrameNetwork, Payload: newNetworkPayload(stats)})
		}),
		s.Accounts.Accounts.Subscribe(func(list []types.Account) {
			send(Frame{Type: FrameAccounts, Payload: types.NewAccountViews(list)})
		}),
		s.Transactions.Transactions.Subscribe(func(list []types.Transaction) {
			send(Frame{Type: FrameTransactions, Payload: types.NewTransactionViews(list)})
		}),
		s.Feed.Latest.Subscribe(func(tx *types.Transaction) {
			if tx == nil {
				return
			}
			send(Frame{Type: FrameNewTransaction, Payload: types.NewTransactionView(*tx)})
		}),
	}
	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}

// readLoop drains client messages so control frames are processed, and closes
// done once the connection fails.
func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
