package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/remobak/remobak/internal/server"
	"github.com/remobak/remobak/internal/utils"
	"github.com/remobak/remobak/internal/version"
)

func main() {
	// a .env next to the binary may carry the deployment paths
	godotenv.Load() //nolint:errcheck

	logger, err := utils.NewLogger(os.Getenv("REMOBAK_LOG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := &server.Config{}

	rootCmd := &cobra.Command{
		Use:     "remobakd",
		Short:   "Remobak backup server",
		Version: version.Detailed(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Normalize(); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			slog.Info("starting", "app", version.AppName, "version", version.Short(),
				"addr", cfg.Address+":"+cfg.Service, "backup_root", cfg.BackupRoot,
				"workers", cfg.Workers)

			s, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer slog.Info("bye")
			return s.Start(cmd.Context())
		},
	}

	f := rootCmd.Flags()
	f.SortFlags = false
	f.StringVarP(&cfg.Address, "address", "A", envOr("REMOBAK_ADDRESS", ""), "listen address")
	f.StringVarP(&cfg.Service, "service", "S", envOr("REMOBAK_SERVICE", ""), "service name or port")
	f.StringVarP(&cfg.BackupRoot, "backup-root", "R", envOr("REMOBAK_BACKUP_ROOT", "backup_root"), "root backup directory")
	f.StringVar(&cfg.CredentialsFile, "credentials-file", envOr("REMOBAK_CREDENTIALS", "credentials.tsv"), "user credentials file")
	f.StringVar(&cfg.AuditLogFile, "logger-file", envOr("REMOBAK_AUDIT_LOG", "audit.log"), "audit log file")
	f.StringVar(&cfg.CertFile, "cert", envOr("REMOBAK_CERT", "server-cert.pem"), "server certificate chain")
	f.StringVar(&cfg.KeyFile, "key", envOr("REMOBAK_KEY", "server-key.pem"), "server private key")
	f.StringVar(&cfg.ClientCA, "client-ca", envOr("REMOBAK_CLIENT_CA", ""), "require client certificates signed by this CA")
	f.IntVarP(&cfg.Workers, "threads", "T", server.DefaultWorkers, "maximum concurrently served sessions")

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
