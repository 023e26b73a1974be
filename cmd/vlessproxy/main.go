// Package main provides the CLI entry point for the vlessproxy daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safewoo/vlessproxy/internal/config"
	"github.com/safewoo/vlessproxy/internal/logging"
	"github.com/safewoo/vlessproxy/internal/metrics"
	"github.com/safewoo/vlessproxy/internal/socks5"
	"github.com/safewoo/vlessproxy/internal/statusserver"
	"github.com/safewoo/vlessproxy/internal/transport"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "vlessproxy",
		Short:   "vlessproxy - local SOCKS5 to VLESS proxy daemon",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		bindAddr   string
		bindPort   int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy daemon",
		Long:  "Start the local SOCKS5 listener and relay CONNECT/UDP ASSOCIATE traffic to the configured VLESS remote.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, bindAddr, bindPort, cmd.Flags().Changed("bind"), cmd.Flags().Changed("port"))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "f", "", "Path to config file (required)")
	cmd.Flags().StringVarP(&bindAddr, "bind", "b", "127.0.0.1", "SOCKS5 listener bind address (overrides config)")
	cmd.Flags().IntVarP(&bindPort, "port", "p", 9898, "SOCKS5 listener bind port (overrides config)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runDaemon(configPath, bindAddr string, bindPort int, bindSet, portSet bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if bindSet {
		cfg.Listen.Bind = bindAddr
	}
	if portSet {
		cfg.Listen.Port = bindPort
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting vlessproxy", "config", cfg.Redacted(), "listen", cfg.ListenAddress())

	uuid, err := cfg.ParsedUUID()
	if err != nil {
		return fmt.Errorf("parse uuid: %w", err)
	}

	m := metrics.Default()

	srv := socks5.NewServer(socks5.ServerConfig{
		Address:        cfg.ListenAddress(),
		MaxConnections: 1000,
		IdleTimeout:    cfg.Connections.IdleTimeout,
		Logger:         logger,
		Metrics:        m,
		Handler: socks5.HandlerConfig{
			Authenticators: socks5.CreateAuthenticators(socks5.AuthConfig{
				Enabled:     cfg.Auth.Enabled,
				Required:    cfg.Auth.Enabled,
				HashedUsers: map[string]string{cfg.Auth.Username: cfg.Auth.PasswordHash},
			}),
			Remote: transport.Options{
				Network:        transport.Network(cfg.Network),
				Address:        cfg.RemoteAddress(),
				TLS:            cfg.TLS,
				ServerName:     cfg.ServerName,
				SkipCertVerify: cfg.SkipCertVerify,
				WSPath:         cfg.WSOpts.Path,
				WSHeaders:      cfg.WSOpts.Headers,
			},
			UUID:           uuid,
			ConnectTimeout: cfg.Connections.ConnectTimeout,
			UDPEnabled:     cfg.UDP,
			Logger:         logger,
			Metrics:        m,
		},
	})

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start SOCKS5 server: %w", err)
	}
	logger.Info("SOCKS5 listener ready", "address", srv.Address())

	var statusSrv *statusserver.Server
	if cfg.HTTP.Enabled {
		statusSrv = statusserver.New(cfg.HTTP.Address, srv, logger)
		if err := statusSrv.Start(); err != nil {
			srv.Stop()
			return fmt.Errorf("start status server: %w", err)
		}
		logger.Info("status server ready", "address", cfg.HTTP.Address)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if statusSrv != nil {
		statusSrv.Shutdown(shutdownCtx)
	}
	if err := srv.StopWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("stopped")
	return nil
}
