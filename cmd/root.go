package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/luxfi/express/pkg/application"
	"github.com/luxfi/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information (set by ldflags)
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// globals are the persistent flags shared by every command
type globals struct {
	configFile string
	logLevel   string
	baseDir    string
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	var g globals
	app := application.New()
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:     "express",
		Short:   "Disposable private blockchain networks for development",
		Long:    `Create, run, checkpoint and script throwaway private blockchain networks from a single topology file.`,
		Version: fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, GitCommit),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(v, g.configFile); err != nil {
				return err
			}
			return initializeApp(app, v, g)
		},
		SilenceUsage: true,
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.configFile, "config", "", "config file (default is ./express.yaml)")
	flags.StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&g.baseDir, "base-dir", "", "base directory for topology, chain data and checkpoints (default is the working directory)")
	flags.StringP("input", "i", "", "topology file (default is <base-dir>/default.express.json)")
	flags.String("data-dir", "", "chain data directory (default is <base-dir>/.express)")
	_ = v.BindPFlag("input", flags.Lookup("input"))
	_ = v.BindPFlag("data-dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("log-level", flags.Lookup("log-level"))

	v.SetDefault("store-engine", "pebbledb")
	v.SetDefault("rpc-rate-limit", 0)
	v.SetDefault("seconds-per-block", 1)

	rootCmd.AddCommand(NewCreateCmd(app))
	rootCmd.AddCommand(NewWalletCmd(app))
	rootCmd.AddCommand(NewRunCmd(app))
	rootCmd.AddCommand(NewStopCmd(app))
	rootCmd.AddCommand(NewCheckpointCmd(app))
	rootCmd.AddCommand(NewTransferCmd(app))
	rootCmd.AddCommand(NewInvokeCmd(app))
	rootCmd.AddCommand(NewShowCmd(app))
	rootCmd.AddCommand(NewFastForwardCmd(app))
	rootCmd.AddCommand(NewDatabaseCmd(app))
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

func initConfig(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("express")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("EXPRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); configFile != "" || !missing {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func initializeApp(app *application.Express, v *viper.Viper, g globals) error {
	baseDir := g.baseDir
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		baseDir = wd
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}

	app.Setup(baseDir, log.NewLogger("express"), v)
	return nil
}
