package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/devhatro/dbgateway/internal/server"
)

var runFlags struct {
	listenAddr string
	logLevel   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway",
	Long: `Start the gateway with the given configuration file.

SIGINT or SIGTERM drains requests in flight and stops. When hot reload is
enabled, edits to the configuration file or the reload signal apply the new
server and path tables without a restart.`,
	Args: cobra.NoArgs,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runFlags.listenAddr, "listen", "l", "", "listen address (overrides config file)")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN, ERROR, FATAL (overrides config file)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	logger.Info("🚀 dbgateway %s starting...", Version)
	logger.Info("🔧 Loading configuration from: %s", cfgFile)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if runFlags.listenAddr != "" {
		cfg.Gateway.ListenAddr = runFlags.listenAddr
	}
	if level := os.Getenv("DBGW_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
	}

	closer, err := cfg.Logging.Apply()
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	logger.Info("🔧 Configuration: Listen=%s, Servers=%d, Paths=%d, LogLevel=%s",
		cfg.Gateway.ListenAddr, len(cfg.Servers), len(cfg.Paths), cfg.Logging.Level)

	s, err := server.New(cfg, server.Options{})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("💥 Gateway error: %v", err)
			return err
		}
		return nil
	case sig := <-sigCh:
		logger.Info("🛑 Received %s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("⚠️  Shutdown incomplete: %v", err)
	}
	return <-errCh
}
