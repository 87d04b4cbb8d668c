package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/vocdoni/ballot-integrity/config"
	"github.com/vocdoni/ballot-integrity/log"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "ballotd",
	Short:         "Ballot casting and verification daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "TOML configuration file")
}

// loadConfig reads the configuration and applies the flags set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorw(err, "ballotd failed")
		os.Exit(1)
	}
}
