package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vocdoni/ballot-integrity/config"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/service"
)

func init() {
	f := serveCmd.Flags()
	f.String("host", "", "API listen host")
	f.Int("port", 0, "API listen port")
	f.String("datadir", "", "data directory")
	f.String("dbtype", "", "storage type (pebble or memory)")
	f.String("roll-driver", "", "roll directory (internal, sqlite or postgres)")
	f.String("roll-dsn", "", "roll database DSN")
	f.Bool("allow-revote", false, "let voters replace their active ballot")
	f.String("revote-reason", "", "justification logged when re-voting is enabled")
	f.Bool("require-location", false, "reject ballots without a location")
	f.String("biometric-mode", "", "biometric mode (perceptual or embedding)")
	f.String("embedding-url", "", "embedding service URL")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-output", "", "log output (stdout, stderr or a file path)")
	f.Duration("reconcile-interval", 0, "interval between consistency checks")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ballot API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		var errOut *os.File
		if cfg.Log.ErrorOutput != "" {
			if errOut, err = os.OpenFile(cfg.Log.ErrorOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err != nil {
				return fmt.Errorf("open error log: %w", err)
			}
			defer errOut.Close()
		}
		if errOut != nil {
			log.Init(cfg.Log.Level, cfg.Log.Output, errOut)
		} else {
			log.Init(cfg.Log.Level, cfg.Log.Output, nil)
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := service.NewStack(cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	reconciler := service.NewReconcileService(stack.Coordinator, cfg.ReconcileInterval)
	if err := reconciler.Start(ctx); err != nil {
		return err
	}
	defer reconciler.Stop()

	apiService := service.NewAPI(stack, cfg.API.Host, cfg.API.Port)
	if err := apiService.Start(ctx); err != nil {
		return err
	}
	defer apiService.Stop()

	<-ctx.Done()
	log.Infow("shutting down")
	return nil
}

// applyFlags copies the flags explicitly set on cmd into cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func()) {
		if err == nil && f.Changed(name) {
			apply()
		}
	}
	str := func(name string, dst *string) {
		set(name, func() { *dst, err = f.GetString(name) })
	}
	str("host", &cfg.API.Host)
	set("port", func() { cfg.API.Port, err = f.GetInt("port") })
	str("datadir", &cfg.Storage.DataDir)
	str("dbtype", &cfg.Storage.DBType)
	str("roll-driver", &cfg.Roll.Driver)
	str("roll-dsn", &cfg.Roll.DSN)
	set("allow-revote", func() { cfg.Ballot.AllowRevote, err = f.GetBool("allow-revote") })
	str("revote-reason", &cfg.Ballot.RevoteReason)
	set("require-location", func() { cfg.Ballot.RequireLocation, err = f.GetBool("require-location") })
	str("biometric-mode", &cfg.Biometric.Mode)
	str("embedding-url", &cfg.Biometric.EmbeddingURL)
	str("log-level", &cfg.Log.Level)
	str("log-output", &cfg.Log.Output)
	set("reconcile-interval", func() { cfg.ReconcileInterval, err = f.GetDuration("reconcile-interval") })
	return err
}
