package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/ctxsync/pkg/coordinator"
	"github.com/theapemachine/ctxsync/pkg/logging"
)

var (
	portFlag int
	hostFlag string

	serveCmd = &cobra.Command{
		Use:          "serve",
		Short:        "Run the context synchronization service",
		Long:         longServe,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer logging.Close()

			cfg := NewConfigFromViper(viper.GetViper())

			if cmd.Flags().Changed("port") {
				cfg.Server.Port = portFlag
			}

			if cmd.Flags().Changed("host") {
				cfg.Server.Host = hostFlag
			}

			if err := validateConfig(cfg); err != nil {
				return err
			}

			svc, err := coordinator.New(cfg)

			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info(
				"starting ctxsync",
				"addr", cfg.Server.Addr(),
				"maxMemoryBytes", cfg.Store.MaxMemoryBytes,
				"profiles", svc.Profiles().Names(),
				"archive", cfg.Archive.Enabled,
			)

			return svc.Run(ctx)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 3210, "Port to serve on")
	serveCmd.Flags().StringVarP(&hostFlag, "host", "H", "0.0.0.0", "Host address to bind to")
}

var longServe = `
Serve the pull surface (HTTP) and the push surface (websocket streams) for
every project.

Examples:
  # Serve on the configured address
  ctxsync serve

  # Serve on port 8080 with debug logging
  ctxsync serve --port 8080 --log-level debug
`
