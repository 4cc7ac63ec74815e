package main

import (
	"github.com/mbd888/outreach/internal/logging"
	"github.com/mbd888/outreach/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the license and entitlement API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.New(cfg.LogLevel, cfg.LogFormat)
		logger.Info("starting outreach",
			"version", Version,
			"commit", GitCommit,
			"build_time", BuildTime,
			"backend", cfg.Backend(),
			"billing", cfg.BillingEnabled(),
		)

		srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
		if err != nil {
			return err
		}
		return srv.Run(cmd.Context())
	},
}
