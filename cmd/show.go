package cmd

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/core"
	"github.com/spf13/cobra"
)

// NewShowCmd creates the show command with subcommands
func NewShowCmd(app *application.Express) *cobra.Command {
	var nodeIndex int

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show chain state",
	}
	cmd.PersistentFlags().IntVarP(&nodeIndex, "node", "n", 0, "zero based index of the consensus node")

	cmd.AddCommand(newShowBalanceCmd(app, &nodeIndex))
	cmd.AddCommand(newShowStorageCmd(app, &nodeIndex))
	cmd.AddCommand(newShowTransactionCmd(app, &nodeIndex))

	return cmd
}

func newShowBalanceCmd(app *application.Express, nodeIndex *int) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [account]",
		Short: "Show the token balance of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			topo, err := loadTopology(app)
			if err != nil {
				return err
			}
			if err := checkNodeIndex(topo, *nodeIndex); err != nil {
				return err
			}
			_, acct, err := topo.ResolveAccount(args[0])
			if err != nil {
				return err
			}
			n, err := openNode(ctx, app, topo, *nodeIndex)
			if err != nil {
				return err
			}
			defer n.Close()

			balance, err := n.Balance(ctx, acct.ScriptHash)
			if err != nil {
				return err
			}
			cmd.Printf("%s %s\n", formatAmount(balance), chain.TokenSymbol)
			return nil
		},
	}
}

func newShowStorageCmd(app *application.Express, nodeIndex *int) *cobra.Command {
	return &cobra.Command{
		Use:   "storage [namespace]",
		Short: "List the storage entries of a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			topo, err := loadTopology(app)
			if err != nil {
				return err
			}
			if err := checkNodeIndex(topo, *nodeIndex); err != nil {
				return err
			}
			n, err := openNode(ctx, app, topo, *nodeIndex)
			if err != nil {
				return err
			}
			defer n.Close()

			entries, err := n.ContractStorage(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entries)
		},
	}
}

func newShowTransactionCmd(app *application.Express, nodeIndex *int) *cobra.Command {
	return &cobra.Command{
		Use:   "transaction [txid]",
		Short: "Show the execution result of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			topo, err := loadTopology(app)
			if err != nil {
				return err
			}
			if err := checkNodeIndex(topo, *nodeIndex); err != nil {
				return err
			}
			var txid common.Hash
			if err := txid.UnmarshalText([]byte(args[0])); err != nil {
				return core.ErrInvalidf("invalid transaction id %q", args[0])
			}
			n, err := openNode(ctx, app, topo, *nodeIndex)
			if err != nil {
				return err
			}
			defer n.Close()

			log, err := n.GetApplicationLog(ctx, txid)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), log)
		},
	}
}
