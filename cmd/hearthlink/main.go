package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hearthlink/hearthlink/pkg/config"
	"github.com/hearthlink/hearthlink/pkg/log"
	"github.com/hearthlink/hearthlink/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hearthlink",
	Short: "Hearthlink - realtime client for cloud-connected ovens",
	Long: `Hearthlink maintains a continuously authenticated streaming
connection to the appliance control plane and exposes typed state
and command operations for smart ovens.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if logLevel != "" {
			level = logLevel
		}
		log.Init(log.Config{Level: log.Level(level), JSONOutput: cfg.Log.JSON})
		metrics.Register()
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hearthlink version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(lightCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
