package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Jaobie-BN/labnet-test/config"
	"github.com/Jaobie-BN/labnet-test/internal/devices"
	"github.com/Jaobie-BN/labnet-test/internal/logging"
	"github.com/Jaobie-BN/labnet-test/internal/relay"
	"github.com/Jaobie-BN/labnet-test/internal/serial"
	"github.com/Jaobie-BN/labnet-test/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:           "labnet-relay",
	Short:         "Lab device terminal relay",
	Long:          `labnet-relay bridges browser terminal sessions onto lab device consoles over serial lines or console servers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay (default)",
	RunE:  serve,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List local serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serial.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PATH\tPRODUCT\tSERIAL\tVID:PID")
		for _, p := range ports {
			ids := ""
			if p.USB {
				ids = p.VendorID + ":" + p.ProductID
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Path, p.Product, p.SerialNumber, ids)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "addr", "", "listen address, overrides server.addr")
	rootCmd.AddCommand(serveCmd, portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}

	logger, err := logging.New(cfg.Logging, "labnet-relay")
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	resolver, closeResolver, err := buildResolver(cfg.Devices, logger)
	if err != nil {
		return err
	}
	defer closeResolver()

	adapter := serial.NewAdapter(&serial.DefaultOpener{WriteTimeout: cfg.Relay.WriteTimeout}, logger)
	router := relay.NewRouter()
	registry := relay.NewRegistry(relay.RegistryOptions{
		Transport:   adapter,
		Router:      router,
		OpenTimeout: cfg.Relay.OpenTimeout,
		OutputMode:  cfg.Relay.OutputMode,
		Logger:      logger,
	})
	manager := relay.NewManager(relay.ManagerOptions{
		Registry:    registry,
		Router:      router,
		Transport:   adapter,
		Resolver:    resolver,
		Relay:       cfg.Relay,
		SendBuffer:  cfg.WebSocket.SendBuffer,
		MaxSessions: cfg.WebSocket.MaxSessions,
		Logger:      logger,
	})
	server := ws.NewServer(cfg, manager, registry, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("relay server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown", zap.Error(err))
	}
	if err := server.Wait(shutdownCtx); err != nil {
		logger.Warn("connections still open at exit", zap.Error(err))
	}
	logger.Info("relay stopped")
	return nil
}

// buildResolver consults the lab database first, then the static table.
func buildResolver(cfg config.DevicesConfig, logger *zap.Logger) (devices.Resolver, func(), error) {
	static := devices.NewStatic(cfg.Static)
	if cfg.Database == "" {
		return static, func() {}, nil
	}
	db, err := devices.OpenSQLite(cfg.Database, logger.Named("devices"))
	if err != nil {
		return nil, nil, err
	}
	return devices.Chain{db, static}, func() { _ = db.Close() }, nil
}
