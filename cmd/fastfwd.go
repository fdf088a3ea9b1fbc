package cmd

import (
	"strconv"
	"time"

	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/core"
	"github.com/spf13/cobra"
)

// NewFastForwardCmd creates the command that mints empty blocks
func NewFastForwardCmd(app *application.Express) *cobra.Command {
	var (
		nodeIndex int
		delta     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fastfwd [count]",
		Short: "Mint empty blocks",
		Long:  "Mint count empty blocks, spreading --timestamp-delta evenly across them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			count, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil || count == 0 {
				return core.ErrInvalidf("invalid block count %q", args[0])
			}
			if delta < 0 {
				return core.ErrInvalid("negative timestamp delta")
			}
			topo, err := loadTopology(app)
			if err != nil {
				return err
			}
			if err := checkNodeIndex(topo, nodeIndex); err != nil {
				return err
			}
			n, err := openNode(ctx, app, topo, nodeIndex)
			if err != nil {
				return err
			}
			defer n.Close()

			if err := n.FastForward(ctx, uint32(count), delta); err != nil {
				return err
			}
			height, err := n.Height(ctx)
			if err != nil {
				return err
			}
			app.Log.Info("Fast forwarded", "blocks", count, "height", height)
			cmd.Printf("%d blocks minted, height %d\n", count, height)
			return nil
		},
	}

	cmd.Flags().IntVarP(&nodeIndex, "node", "n", 0, "zero based index of the consensus node")
	cmd.Flags().DurationVarP(&delta, "timestamp-delta", "t", 0, "total time to advance the block clock by")
	return cmd
}
