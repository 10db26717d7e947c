package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remobak/remobak/internal/client"
	"github.com/remobak/remobak/internal/client/config"
	"github.com/remobak/remobak/internal/utils"
	"github.com/remobak/remobak/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "remobak",
	Short:   "Remobak backup client",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig()
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		c, err := client.New(cfg)
		if err != nil {
			return err
		}
		defer slog.Info("bye")
		return c.Start(cmd.Context())
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Download the full backup tree into the watched directory",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindConfig(cmd.Root())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig()
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		c, err := client.New(cfg)
		if err != nil {
			return err
		}
		return c.Restore(cmd.Context())
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.SortFlags = false
	f.StringP("path-to-watch", "P", ".", "directory to watch and mirror")
	f.StringP("hostname", "H", "", "backup server hostname")
	f.StringP("service", "S", "", "backup server service name or port")
	f.StringP("ca", "C", "ca.pem", "CA bundle to verify the server against")
	f.IntP("threads", "T", config.DefaultWorkers, "worker pool size (1-16)")
	f.IntP("delay", "D", config.DefaultDelayMS, "watcher refresh rate in milliseconds")
	f.String("log-file", "", "duplicate logs into this file")

	rootCmd.AddCommand(restoreCmd)
}

func bindConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("REMOBAK")
	viper.AutomaticEnv()

	bindings := map[string]string{
		"watch_path": "path-to-watch",
		"hostname":   "hostname",
		"service":    "service",
		"ca_bundle":  "ca",
		"workers":    "threads",
		"delay_ms":   "delay",
		"log_file":   "log-file",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func buildConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := utils.NewLogger(cfg.LogFile)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	slog.Debug("config", "watch_path", cfg.WatchPath, "server", cfg.Hostname+":"+cfg.Service,
		"workers", cfg.Workers, "delay_ms", cfg.DelayMS)
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
}
