package application

import (
	"path/filepath"
	"strconv"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
)

// Express is the main application context that holds all dependencies
type Express struct {
	Log      log.Logger
	BaseDir  string
	Config   *viper.Viper
	Registry *prometheus.Registry
}

// New creates a new Express application instance
func New() *Express {
	return &Express{}
}

// Setup initializes the application with dependencies
func (e *Express) Setup(baseDir string, logger log.Logger, config *viper.Viper) {
	e.BaseDir = baseDir
	e.Log = logger
	e.Config = config
	e.Registry = prometheus.NewRegistry()
}

// TopologyPath returns the path of the topology file the commands operate on.
// The --input flag wins over the default file in the working directory.
func (e *Express) TopologyPath() string {
	if e.Config != nil {
		if p := e.Config.GetString("input"); p != "" {
			return p
		}
	}
	return filepath.Join(e.BaseDir, "default.express.json")
}

// GetDataDir returns the directory holding per-node chain state
func (e *Express) GetDataDir() string {
	if e.Config != nil {
		if p := e.Config.GetString("data-dir"); p != "" {
			return p
		}
	}
	return filepath.Join(e.BaseDir, ".express")
}

// NodeDataDir returns the chain state directory of node index i
func (e *Express) NodeDataDir(topologyPath string, i int) string {
	base := filepath.Base(topologyPath)
	return filepath.Join(e.GetDataDir(), base, "node"+strconv.Itoa(i+1))
}

// GetCheckpointDir returns the default directory for checkpoint archives
func (e *Express) GetCheckpointDir() string {
	return filepath.Join(e.BaseDir, "checkpoints")
}

// GetLogDir returns the directory for detached node logs
func (e *Express) GetLogDir() string {
	return filepath.Join(e.GetDataDir(), "logs")
}
