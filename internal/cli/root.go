// Package cli implements ledgerctl, a command-line client for the ledgerwatch API.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// EnvServer overrides the default server address
const EnvServer = "LEDGERCTL_SERVER"

const defaultServer = "http://localhost:8080"

type options struct {
	server  string
	output  string
	timeout time.Duration
	out     io.Writer
	client  *Client
}

// NewRootCommand builds the ledgerctl command tree writing to out
func NewRootCommand(out io.Writer) *cobra.Command {
	o := &options{out: out}

	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Inspect and manage a ledgerwatch service",
		Long: `ledgerctl talks to the HTTP API of a running ledgerwatch service.

Example:
  ledgerctl accounts add 0x742d35Cc6634C0532925a3b844Bc454e4438f44e --label savings
  ledgerctl tx list --address 0x742d35Cc6634C0532925a3b844Bc454e4438f44e
  ledgerctl watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if o.output != "text" && o.output != "json" {
				return fmt.Errorf("unknown output format %q", o.output)
			}
			o.client = NewClient(o.server, &http.Client{Timeout: o.timeout})
			return nil
		},
	}
	root.SetOut(out)

	server := os.Getenv(EnvServer)
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVarP(&o.server, "server", "s", server, "ledgerwatch API address (env "+EnvServer+")")
	root.PersistentFlags().StringVarP(&o.output, "output", "o", "text", "output format: text, json")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newStatusCommand(o),
		newAccountsCommand(o),
		newTransactionsCommand(o),
		newWatchCommand(o),
	)
	return root
}

// Execute runs ledgerctl with the process arguments
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand(os.Stdout)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func newStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and chain state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := o.client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if o.output == "json" {
				return o.writeJSON(st)
			}
			return o.table(func(w io.Writer) {
				fmt.Fprintf(w, "Ready\t%t\n", st.Ready)
				fmt.Fprintf(w, "Network\t%s\n", st.Network)
				fmt.Fprintf(w, "Consensus\t%s\n", st.Consensus)
				fmt.Fprintf(w, "Height\t%d\n", st.Height)
				fmt.Fprintf(w, "Head\t%s\n", orDash(st.HeadHash))
				fmt.Fprintf(w, "Peers\t%d\n", st.PeerCount)
				fmt.Fprintf(w, "Accounts\t%d%s\n", st.Accounts, refreshing(st.AccountsRefreshing))
				fmt.Fprintf(w, "Transactions\t%d%s\n", st.Transactions, refreshing(st.TransactionsRefreshing))
			})
		},
	}
}

func (o *options) writeJSON(v interface{}) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *options) table(fn func(w io.Writer)) error {
	w := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
	fn(w)
	return w.Flush()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func refreshing(b bool) string {
	if b {
		return " (refreshing)"
	}
	return ""
}
