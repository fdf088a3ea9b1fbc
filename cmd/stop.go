package cmd

import (
	"time"

	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/launcher"
	"github.com/spf13/cobra"
)

// NewStopCmd creates the command that stops running nodes
func NewStopCmd(app *application.Express) *cobra.Command {
	var (
		nodeIndex int
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop running consensus nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := loadTopology(app)
			if err != nil {
				return err
			}
			indexes := []int{nodeIndex}
			if all {
				indexes = indexes[:0]
				for i := range topo.Nodes {
					indexes = append(indexes, i)
				}
			} else if err := checkNodeIndex(topo, nodeIndex); err != nil {
				return err
			}

			for _, i := range indexes {
				pid, err := launcher.StopHolder(cmd.Context(), app.NodeDataDir(app.TopologyPath(), i), 100*time.Millisecond)
				if err != nil {
					return err
				}
				if pid == 0 {
					cmd.Printf("node%d is not running\n", i+1)
					continue
				}
				app.Log.Info("Node stopped", "node", i+1, "pid", pid)
				cmd.Printf("node%d stopped\n", i+1)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&nodeIndex, "node", "n", 0, "zero based index of the consensus node")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "stop every node of the network")
	return cmd
}
