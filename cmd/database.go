package cmd

import (
	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/checkpoint"
	"github.com/luxfi/express/pkg/database"
	"github.com/spf13/cobra"
)

// NewDatabaseCmd creates the database command with subcommands
func NewDatabaseCmd(app *application.Express) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "database",
		Short: "Database operations",
		Long:  "Commands for inspecting node chain state on disk",
	}

	cmd.AddCommand(newDatabaseStatusCmd(app))

	return cmd
}

func newDatabaseStatusCmd(app *application.Express) *cobra.Command {
	var nodeIndex int

	cmd := &cobra.Command{
		Use:   "status [db-path]",
		Short: "Check database status and statistics",
		Long:  "Scan a node database read-only and count its keys by kind. Defaults to the data directory of --node.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := app.NodeDataDir(app.TopologyPath(), nodeIndex)
			if len(args) == 1 {
				path = args[0]
			}

			// the engines lock their files while a node runs
			if err := checkpoint.Check(path); err != nil {
				return err
			}

			dbMgr := database.New(app)
			stats, err := dbMgr.CheckStatus(path)
			if err != nil {
				return err
			}

			cmd.Printf("%s (%s)\n", path, stats.Engine)
			for _, p := range stats.Prefixes() {
				cmd.Printf("  %-10s %d\n", chain.PrefixName(p), stats.ByPrefix[p])
			}
			cmd.Printf("  %-10s %d\n", "total", stats.TotalKeys)
			return nil
		},
	}

	cmd.Flags().IntVarP(&nodeIndex, "node", "n", 0, "zero based index of the consensus node")
	return cmd
}
