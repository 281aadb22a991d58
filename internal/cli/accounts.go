package cli

import (
	"fmt"
	"io"

	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/spf13/cobra"
)

func newAccountsCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account", "acc"},
		Short:   "Manage tracked accounts",
	}

	var label string
	add := &cobra.Command{
		Use:   "add <address>",
		Short: "Track an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var l *string
			if cmd.Flags().Changed("label") {
				l = &label
			}
			accounts, err := o.client.AddAccount(cmd.Context(), args[0], l)
			if err != nil {
				return err
			}
			return o.printAccounts(accounts)
		},
	}
	add.Flags().StringVarP(&label, "label", "l", "", "local label for the account")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List tracked accounts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				accounts, err := o.client.Accounts(cmd.Context())
				if err != nil {
					return err
				}
				return o.printAccounts(accounts)
			},
		},
		add,
		&cobra.Command{
			Use:   "remove <address>...",
			Short: "Stop tracking addresses",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				accounts, err := o.client.RemoveAccounts(cmd.Context(), args)
				if err != nil {
					return err
				}
				return o.printAccounts(accounts)
			},
		},
		&cobra.Command{
			Use:   "refresh [address]...",
			Short: "Fetch current account state, for every tracked address when none are given",
			RunE: func(cmd *cobra.Command, args []string) error {
				accounts, err := o.client.RefreshAccounts(cmd.Context(), args)
				if err != nil {
					return err
				}
				return o.printAccounts(accounts)
			},
		},
	)
	return cmd
}

func (o *options) printAccounts(accounts []types.AccountView) error {
	if o.output == "json" {
		return o.writeJSON(accounts)
	}
	if len(accounts) == 0 {
		fmt.Fprintln(o.out, "No accounts tracked")
		return nil
	}
	return o.table(func(w io.Writer) {
		fmt.Fprintln(w, "ADDRESS\tLABEL\tTYPE\tBALANCE\tNONCE")
		for _, acc := range accounts {
			nonce := "-"
			if acc.Nonce != nil {
				nonce = fmt.Sprint(*acc.Nonce)
			}
			balance := orDash(acc.Balance)
			if acc.TokenSymbol != "" {
				balance += " (" + acc.TokenSymbol + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", acc.Address, orDash(acc.Label), orDash(string(acc.Type)), balance, nonce)
		}
	})
}
