package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/spf13/cobra"
)

func newTransactionsCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tx",
		Aliases: []string{"transactions"},
		Short:   "Inspect transactions of tracked accounts",
	}

	var address string
	list := &cobra.Command{
		Use:   "list",
		Short: "List known transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			txs, err := o.client.Transactions(cmd.Context(), address)
			if err != nil {
				return err
			}
			return o.printTransactions(txs)
		},
	}
	list.Flags().StringVarP(&address, "address", "a", "", "only transactions involving this address")

	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "refresh [address]...",
			Short: "Fetch transaction history, for every tracked address when none are given",
			RunE: func(cmd *cobra.Command, args []string) error {
				txs, err := o.client.RefreshTransactions(cmd.Context(), args)
				if err != nil {
					return err
				}
				return o.printTransactions(txs)
			},
		},
		&cobra.Command{
			Use:       "sort newest|oldest",
			Short:     "Change the transaction order",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"newest", "oldest"},
			RunE: func(cmd *cobra.Command, args []string) error {
				txs, err := o.client.SetSort(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return o.printTransactions(txs)
			},
		},
	)
	return cmd
}

func (o *options) printTransactions(txs []types.TransactionView) error {
	if o.output == "json" {
		return o.writeJSON(txs)
	}
	if len(txs) == 0 {
		fmt.Fprintln(o.out, "No transactions")
		return nil
	}
	return o.table(func(w io.Writer) {
		fmt.Fprintln(w, "HASH\tSTATE\tFROM\tTO\tVALUE\tBLOCK\tTIME")
		for _, tx := range txs {
			ts, block := "-", "-"
			if tx.Timestamp != nil {
				ts = tx.Timestamp.UTC().Format(time.RFC3339)
			}
			if tx.BlockHeight > 0 {
				block = fmt.Sprint(tx.BlockHeight)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				short(tx.Hash), tx.State, short(tx.Sender), short(orDash(tx.Recipient)), tx.Value, block, ts)
		}
	})
}

// short abbreviates long hex strings as 0x1234…abcd
func short(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:6] + "…" + s[len(s)-4:]
}
