package cmd

import (
	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/chain"
	"github.com/spf13/cobra"
)

// NewInvokeCmd creates the command that calls a native contract
func NewInvokeCmd(app *application.Express) *cobra.Command {
	var (
		nodeIndex int
		account   string
		extraFee  string
	)

	cmd := &cobra.Command{
		Use:   "invoke [contract] [method] [args...]",
		Short: "Call a contract method",
		Long: `Call a contract method. Without --account the call is a read-only test run and
its result is printed. With --account it is signed and submitted as a transaction.

Arguments starting with 0x are hex, plain integers are numbers, wallet names and
addresses become script hashes, anything else is passed as text.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			topo, err := loadTopology(app)
			if err != nil {
				return err
			}
			if err := checkNodeIndex(topo, nodeIndex); err != nil {
				return err
			}

			callArgs := make([][]byte, 0, len(args)-2)
			for _, a := range args[2:] {
				arg, err := parseArg(topo, a)
				if err != nil {
					return err
				}
				callArgs = append(callArgs, arg)
			}
			script := chain.NewScriptBuilder().Call(args[0], args[1], callArgs...).Script()

			n, err := openNode(ctx, app, topo, nodeIndex)
			if err != nil {
				return err
			}
			defer n.Close()

			if account == "" {
				res, err := n.Invoke(ctx, script)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			}

			wallet, acct, err := topo.ResolveAccount(account)
			if err != nil {
				return err
			}
			fee, err := parseFee(extraFee)
			if err != nil {
				return err
			}
			txid, err := n.Execute(ctx, wallet, acct, script, fee)
			if err != nil {
				return err
			}
			app.Log.Info("Invocation executed", "tx", txid.Hex(), "contract", args[0], "method", args[1])
			cmd.Println(txid.Hex())
			return nil
		},
	}

	cmd.Flags().IntVarP(&nodeIndex, "node", "n", 0, "zero based index of the consensus node")
	cmd.Flags().StringVarP(&account, "account", "a", "", "sign and submit as this account")
	cmd.Flags().StringVar(&extraFee, "extra-fee", "0", "additional network fee in tokens")
	return cmd
}
