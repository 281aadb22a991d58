package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/igwedaniel/ledgerwatch/internal/api"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/spf13/cobra"
)

func newWatchCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.client.StreamURL(), nil)
			if err != nil {
				return fmt.Errorf("failed to open stream: %w", err)
			}
			defer conn.Close()

			go func() {
				<-ctx.Done()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
			}()

			for {
				var frame struct {
					Type    string          `json:"type"`
					Payload json.RawMessage `json:"payload"`
				}
				if err := conn.ReadJSON(&frame); err != nil {
					if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					return fmt.Errorf("stream closed: %w", err)
				}
				if err := o.printFrame(frame.Type, frame.Payload); err != nil {
					return err
				}
			}
		},
	}
}

func (o *options) printFrame(kind string, payload json.RawMessage) error {
	if o.output == "json" {
		return o.writeJSON(api.Frame{Type: kind, Payload: payload})
	}

	now := time.Now().Format("15:04:05")
	switch kind {
	case api.FrameConsensus:
		var state types.ConsensusState
		if err := json.Unmarshal(payload, &state); err != nil {
			return err
		}
		fmt.Fprintf(o.out, "%s consensus %s\n", now, state)
	case api.FrameHead:
		var head api.HeadPayload
		if err := json.Unmarshal(payload, &head); err != nil {
			return err
		}
		fmt.Fprintf(o.out, "%s head #%d %s\n", now, head.Height, short(head.Hash))
	case api.FrameNetwork:
		var stats api.NetworkPayload
		if err := json.Unmarshal(payload, &stats); err != nil {
			return err
		}
		fmt.Fprintf(o.out, "%s network peers=%d gas=%s gwei\n", now, stats.PeerCount, orDash(stats.GasPriceGwei))
	case api.FrameAccounts:
		var accounts []types.AccountView
		if err := json.Unmarshal(payload, &accounts); err != nil {
			return err
		}
		fmt.Fprintf(o.out, "%s accounts (%d)\n", now, len(accounts))
		for _, acc := range accounts {
			fmt.Fprintf(o.out, "    %s %s %s\n", acc.Address, orDash(acc.Balance), acc.Label)
		}
	case api.FrameTransactions:
		var txs []types.TransactionView
		if err := json.Unmarshal(payload, &txs); err != nil {
			return err
		}
		fmt.Fprintf(o.out, "%s transactions (%d)\n", now, len(txs))
	case api.FrameNewTransaction:
		var tx types.TransactionView
		if err := json.Unmarshal(payload, &tx); err != nil {
			return err
		}
		fmt.Fprintf(o.out, "%s new transaction %s %s -> %s %s ETH\n",
			now, short(tx.Hash), short(tx.Sender), short(orDash(tx.Recipient)), tx.Value)
	default:
		fmt.Fprintf(o.out, "%s %s %s\n", now, kind, payload)
	}
	return nil
}
