package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/database"
	"github.com/luxfi/express/pkg/node"
)

func loadTopology(app *application.Express) (*core.ChainTopology, error) {
	return core.LoadTopology(app.TopologyPath())
}

// storeEngine picks the configured engine for a fresh directory and lets an
// existing one be detected
func storeEngine(app *application.Express, dir string) database.Engine {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return ""
	}
	return database.Engine(app.Config.GetString("store-engine"))
}

func nodeOptions(app *application.Express, topo *core.ChainTopology, index int, dir string) node.Options {
	return node.Options{
		Topology:  topo,
		NodeIndex: index,
		DataDir:   dir,
		Engine:    storeEngine(app, dir),
		Log:       app.Log,
		Registry:  app.Registry,
	}
}

// openNode returns node index's execution node, online when it is running
func openNode(ctx context.Context, app *application.Express, topo *core.ChainTopology, index int) (node.ExecutionNode, error) {
	dir := app.NodeDataDir(app.TopologyPath(), index)
	return node.Open(ctx, nodeOptions(app, topo, index, dir))
}

func checkNodeIndex(topo *core.ChainTopology, index int) error {
	if index < 0 || index >= len(topo.Nodes) {
		return core.ErrInvalidf("node index %d out of range, topology has %d nodes", index, len(topo.Nodes))
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var tokenUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(chain.TokenDecimals), nil)

// parseAmount reads a decimal token amount such as "12.5" into base units
func parseAmount(s string) (*uint256.Int, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > chain.TokenDecimals {
		return nil, core.ErrInvalidf("amount %s has more than %d decimals", s, chain.TokenDecimals)
	}
	frac += strings.Repeat("0", chain.TokenDecimals-len(frac))

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || n.Sign() < 0 {
		return nil, core.ErrInvalidf("invalid amount %q", s)
	}
	amount, overflow := uint256.FromBig(n)
	if overflow {
		return nil, core.ErrInvalidf("amount %s too large", s)
	}
	return amount, nil
}

// parseFee parses a token amount that must fit a transaction fee field
func parseFee(s string) (uint64, error) {
	fee, err := parseAmount(s)
	if err != nil {
		return 0, err
	}
	if !fee.IsUint64() {
		return 0, core.ErrInvalidf("fee %s too large", s)
	}
	return fee.Uint64(), nil
}

// formatAmount renders base units as a decimal token amount
func formatAmount(v *uint256.Int) string {
	q, r := new(big.Int).QuoRem(v.ToBig(), tokenUnit, new(big.Int))
	if r.Sign() == 0 {
		return q.String()
	}
	frac := fmt.Sprintf("%0*s", chain.TokenDecimals, r.String())
	return q.String() + "." + strings.TrimRight(frac, "0")
}

// parseArg turns a command line value into a contract call argument: hex
// with 0x, integers, known accounts and addresses, otherwise raw text
func parseArg(topo *core.ChainTopology, s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") {
		return hexutil.Decode(s)
	}
	if _, err := strconv.ParseUint(s, 10, 64); err == nil {
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, err
		}
		return chain.IntArg(v), nil
	}
	if _, acct, err := topo.ResolveAccount(s); err == nil {
		return acct.ScriptHash.Bytes(), nil
	}
	return []byte(s), nil
}
