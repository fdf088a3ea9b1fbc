package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/launcher"
	"github.com/luxfi/express/pkg/node"
	"github.com/luxfi/express/pkg/rpcserver"
	"github.com/spf13/cobra"
)

// readyTimeout bounds how long --detach waits for the child to take its guard
const readyTimeout = 30 * time.Second

// NewRunCmd creates the command that runs one consensus node
func NewRunCmd(app *application.Express) *cobra.Command {
	var (
		nodeIndex       int
		discard         bool
		detach          bool
		secondsPerBlock uint
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a consensus node",
		Long:  "Run a consensus node serving JSON-RPC until interrupted. Changes are flushed to its data directory unless --discard is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := loadTopology(app)
			if err != nil {
				return err
			}
			if err := checkNodeIndex(topo, nodeIndex); err != nil {
				return err
			}
			if cmd.Flags().Changed("seconds-per-block") {
				app.Config.Set("seconds-per-block", secondsPerBlock)
			}

			dataDir := app.NodeDataDir(app.TopologyPath(), nodeIndex)
			if detach {
				return runDetached(cmd, app, nodeIndex, dataDir, discard)
			}
			return serveNode(cmd.Context(), app, topo, nodeIndex, dataDir, discard)
		},
	}

	cmd.Flags().IntVarP(&nodeIndex, "node", "n", 0, "zero based index of the consensus node")
	cmd.Flags().BoolVarP(&discard, "discard", "d", false, "keep changes in memory and drop them on exit")
	cmd.Flags().BoolVar(&detach, "detach", false, "run the node in the background")
	cmd.Flags().UintVarP(&secondsPerBlock, "seconds-per-block", "s", 1, "block production interval")

	return cmd
}

// serveNode runs node index over dataDir until interrupted
func serveNode(ctx context.Context, app *application.Express, topo *core.ChainTopology, index int, dataDir string, discard bool) error {
	opts := nodeOptions(app, topo, index, dataDir)
	opts.Discard = discard
	n, err := node.OpenOffline(opts)
	if err != nil {
		return err
	}
	defer n.Close()

	srv, err := rpcserver.New(n, rpcserver.Config{
		Topology:  topo,
		NodeIndex: index,
		RateLimit: app.Config.GetFloat64("rpc-rate-limit"),
	}, app.Log, app.Registry)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(app.Config.GetUint("seconds-per-block")) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	cn := topo.Nodes[index]
	app.Log.Info("Node running", "node", index+1, "rpc", node.Endpoint(cn), "ws", cn.WebSocketPort, "discard", discard)
	return srv.Serve(ctx,
		fmt.Sprintf("127.0.0.1:%d", cn.RPCPort),
		fmt.Sprintf("127.0.0.1:%d", cn.WebSocketPort),
		interval,
	)
}

// runDetached starts this binary again as a background node and returns once
// the child holds its data directory
func runDetached(cmd *cobra.Command, app *application.Express, index int, dataDir string, discard bool) error {
	input, err := filepath.Abs(app.TopologyPath())
	if err != nil {
		return err
	}
	data, err := filepath.Abs(app.GetDataDir())
	if err != nil {
		return err
	}
	args := []string{
		"run",
		"--node", strconv.Itoa(index),
		"--input", input,
		"--data-dir", data,
		"--base-dir", app.BaseDir,
		"--seconds-per-block", strconv.FormatUint(uint64(app.Config.GetUint("seconds-per-block")), 10),
	}
	if discard {
		args = append(args, "--discard")
	}
	if cfg := app.Config.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}

	nl := launcher.New(launcher.Config{
		Args:    args,
		DataDir: dataDir,
		LogPath: filepath.Join(app.GetLogDir(), fmt.Sprintf("node%d.log", index+1)),
	})
	if err := nl.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), readyTimeout)
	defer cancel()
	if err := nl.WaitReady(ctx, 100*time.Millisecond); err != nil {
		_ = nl.Stop()
		return err
	}

	app.Log.Info("Node started", "node", index+1, "pid", nl.PID(), "log", nl.LogPath())
	cmd.Printf("node%d running in the background (pid %d), logs in %s\n", index+1, nl.PID(), nl.LogPath())
	return nl.Release()
}
