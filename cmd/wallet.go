package cmd

import (
	"strings"

	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/keys"
	"github.com/spf13/cobra"
)

// NewWalletCmd creates the wallet command with subcommands
func NewWalletCmd(app *application.Express) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage user wallets",
	}

	cmd.AddCommand(newWalletCreateCmd(app))
	cmd.AddCommand(newWalletListCmd(app))

	return cmd
}

func newWalletCreateCmd(app *application.Express) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a user wallet with one signature account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := loadTopology(app)
			if err != nil {
				return err
			}
			name := args[0]
			if force {
				kept := topo.Wallets[:0]
				for _, w := range topo.Wallets {
					if !strings.EqualFold(w.Name, name) {
						kept = append(kept, w)
					}
				}
				topo.Wallets = kept
			}

			wallet, err := topo.AddWallet(name)
			if err != nil {
				return err
			}
			key, err := keys.GenerateKey()
			if err != nil {
				return err
			}
			acct := core.NewSignatureAccount(key, name)
			acct.IsDefault = true
			if err := wallet.AddAccount(acct); err != nil {
				return err
			}
			if err := core.SaveTopology(app.TopologyPath(), topo); err != nil {
				return err
			}

			app.Log.Info("Created wallet", "name", name)
			cmd.Printf("%s\n  %s\n", name, acct.ScriptHash.Address(topo.AddressVersion))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing user wallet of the same name")
	return cmd
}

func newWalletListCmd(app *application.Express) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List node and user wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := loadTopology(app)
			if err != nil {
				return err
			}
			for _, w := range topo.AllWallets() {
				cmd.Println(w.Name)
				for _, a := range w.Accounts {
					marker := " "
					if a.IsDefault {
						marker = "*"
					}
					label := a.Label
					if a.IsMultiSig() {
						label += " (multi-sig)"
					}
					cmd.Printf("  %s %s %s\n", marker, a.ScriptHash.Address(topo.AddressVersion), label)
				}
			}
			return nil
		},
	}
}
