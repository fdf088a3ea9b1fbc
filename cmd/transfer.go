package cmd

import (
	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/chain"
	"github.com/spf13/cobra"
)

// NewTransferCmd creates the command that moves tokens between accounts
func NewTransferCmd(app *application.Express) *cobra.Command {
	var (
		nodeIndex int
		extraFee  string
	)

	cmd := &cobra.Command{
		Use:   "transfer [amount] [sender] [receiver]",
		Short: "Transfer tokens between accounts",
		Long:  "Transfer tokens. Accounts are wallet names, \"genesis\" for the consensus account, or addresses.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			topo, err := loadTopology(app)
			if err != nil {
				return err
			}
			if err := checkNodeIndex(topo, nodeIndex); err != nil {
				return err
			}
			wallet, sender, err := topo.ResolveAccount(args[1])
			if err != nil {
				return err
			}
			_, receiver, err := topo.ResolveAccount(args[2])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			fee, err := parseFee(extraFee)
			if err != nil {
				return err
			}

			n, err := openNode(ctx, app, topo, nodeIndex)
			if err != nil {
				return err
			}
			defer n.Close()

			script := chain.NewScriptBuilder().
				Transfer(sender.ScriptHash, receiver.ScriptHash, amount).
				Script()
			txid, err := n.Execute(ctx, wallet, sender, script, fee)
			if err != nil {
				return err
			}

			app.Log.Info("Transfer executed", "tx", txid.Hex(), "amount", formatAmount(amount))
			cmd.Println(txid.Hex())
			return nil
		},
	}

	cmd.Flags().IntVarP(&nodeIndex, "node", "n", 0, "zero based index of the consensus node to submit through")
	cmd.Flags().StringVar(&extraFee, "extra-fee", "0", "additional network fee in tokens")
	return cmd
}
