package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/checkpoint"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/node"
	"github.com/spf13/cobra"
)

// NewCheckpointCmd creates the checkpoint command with subcommands
func NewCheckpointCmd(app *application.Express) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Snapshot, restore and replay chain state",
		Long:  "Commands for taking point-in-time archives of a single node network and running from them",
	}

	cmd.AddCommand(newCheckpointCreateCmd(app))
	cmd.AddCommand(newCheckpointRestoreCmd(app))
	cmd.AddCommand(newCheckpointRunCmd(app))

	return cmd
}

// archivePath adds the archive extension unless name already has it. A bare
// name lives in the checkpoint directory.
func archivePath(app *application.Express, name string) (string, error) {
	if !strings.HasSuffix(name, checkpoint.Extension) {
		name += checkpoint.Extension
	}
	if !strings.ContainsRune(name, filepath.Separator) && !strings.ContainsRune(name, '/') {
		name = filepath.Join(app.GetCheckpointDir(), name)
	}
	return filepath.Abs(name)
}

// singleNode loads the topology and rejects networks checkpoints cannot
// represent
func singleNode(app *application.Express) (*core.ChainTopology, error) {
	topo, err := loadTopology(app)
	if err != nil {
		return nil, err
	}
	if len(topo.Nodes) != 1 {
		return nil, core.ErrInvalidf("checkpoints need a single node network, topology has %d nodes", len(topo.Nodes))
	}
	return topo, nil
}

func newCheckpointCreateCmd(app *application.Express) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Archive the chain state",
		Long:  "Archive the chain state of the node. A running node is asked to snapshot itself over RPC.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			topo, err := singleNode(app)
			if err != nil {
				return err
			}
			dest, err := archivePath(app, args[0])
			if err != nil {
				return err
			}
			if force {
				if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
			hash, err := topo.GenesisScriptHash()
			if err != nil {
				return err
			}

			dataDir := app.NodeDataDir(app.TopologyPath(), 0)
			holder, err := checkpoint.Inspect(dataDir)
			if err != nil {
				return err
			}
			mode := "offline"
			if holder != nil {
				mode = "online"
				online, err := node.DialOnline(ctx, node.Endpoint(topo.Nodes[0]), topo, app.Registry)
				if err != nil {
					return err
				}
				defer online.Close()
				if dest, err = online.CreateCheckpoint(ctx, dest); err != nil {
					return err
				}
			} else if _, err := checkpoint.CreateFromDir(ctx, dataDir, storeEngine(app, dataDir), dest, topo.Magic, hash); err != nil {
				return err
			}

			app.Log.Info("Checkpoint created", "path", dest, "magic", topo.Magic, "mode", mode)
			cmd.Printf("Created %s checkpoint %s\n", mode, dest)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing archive")
	return cmd
}

func newCheckpointRestoreCmd(app *application.Express) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [name]",
		Short: "Replace the node's chain state with an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := singleNode(app)
			if err != nil {
				return err
			}
			src, err := archivePath(app, args[0])
			if err != nil {
				return err
			}
			hash, err := topo.GenesisScriptHash()
			if err != nil {
				return err
			}
			dataDir := app.NodeDataDir(app.TopologyPath(), 0)
			if err := checkpoint.Restore(cmd.Context(), src, dataDir, topo.Magic, hash, force); err != nil {
				return err
			}

			app.Log.Info("Checkpoint restored", "path", src, "dir", dataDir)
			cmd.Printf("Restored %s\n", src)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace existing chain state")
	return cmd
}

func newCheckpointRunCmd(app *application.Express) *cobra.Command {
	var secondsPerBlock uint

	cmd := &cobra.Command{
		Use:   "run [name]",
		Short: "Run the node from an archive, dropping every change on exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := singleNode(app)
			if err != nil {
				return err
			}
			src, err := archivePath(app, args[0])
			if err != nil {
				return err
			}
			hash, err := topo.GenesisScriptHash()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seconds-per-block") {
				app.Config.Set("seconds-per-block", secondsPerBlock)
			}

			dir, cleanup, err := checkpoint.RestoreTemp(cmd.Context(), src, topo.Magic, hash)
			if err != nil {
				return err
			}
			defer cleanup()

			app.Log.Info("Running from checkpoint", "path", src, "dir", dir)
			return serveNode(cmd.Context(), app, topo, 0, dir, true)
		},
	}

	cmd.Flags().UintVarP(&secondsPerBlock, "seconds-per-block", "s", 1, "block production interval")
	return cmd
}
