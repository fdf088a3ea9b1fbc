package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/checkpoint"
	"github.com/luxfi/express/pkg/core"
	"github.com/spf13/cobra"
)

// NewCreateCmd creates the command that writes a new topology file
func NewCreateCmd(app *application.Express) *cobra.Command {
	var (
		count          int
		force          bool
		mnemonic       string
		addressVersion uint8
		basePort       uint16
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new private network",
		Long:  "Create a topology file for a new 1, 4 or 7 node private network with freshly generated consensus keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := app.TopologyPath()
			if _, err := os.Stat(path); err == nil {
				if !force {
					return core.ErrExists(path)
				}
				if err := resetChainData(app, path); err != nil {
					return err
				}
			}

			topo, err := core.NewTopology(core.TopologyOptions{
				Nodes:          count,
				Mnemonic:       mnemonic,
				AddressVersion: addressVersion,
				BasePort:       basePort,
			})
			if err != nil {
				return err
			}
			if err := core.SaveTopology(path, topo); err != nil {
				return err
			}

			app.Log.Info("Created topology", "path", path, "nodes", count, "magic", topo.Magic)
			_, acct, err := topo.ConsensusAccount()
			if err != nil {
				return err
			}
			cmd.Printf("Created %d node network %s\n", count, path)
			cmd.Printf("  magic:   %d\n", topo.Magic)
			cmd.Printf("  genesis: %s\n", acct.ScriptHash.Address(topo.AddressVersion))
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 1, "number of consensus nodes (1, 4 or 7)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing topology and its chain data")
	cmd.Flags().StringVar(&mnemonic, "mnemonic", "", "derive consensus keys from a BIP-39 mnemonic instead of random keys")
	cmd.Flags().Uint8Var(&addressVersion, "address-version", core.DefaultAddressVersion, "address version byte")
	cmd.Flags().Uint16Var(&basePort, "base-port", core.DefaultBasePort, "first port of the node port ranges")

	return cmd
}

// resetChainData removes the chain state of an overwritten topology so the
// new genesis does not meet stale blocks
func resetChainData(app *application.Express, topologyPath string) error {
	root := filepath.Dir(app.NodeDataDir(topologyPath, 0))
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := checkpoint.Check(filepath.Join(root, e.Name())); err != nil {
			return fmt.Errorf("cannot overwrite a running network: %w", err)
		}
	}
	return os.RemoveAll(root)
}
