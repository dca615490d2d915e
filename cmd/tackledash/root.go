package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shaunagostinho/tackle-dash/internal/device"
	"github.com/shaunagostinho/tackle-dash/internal/logger"
	"github.com/shaunagostinho/tackle-dash/internal/server"
)

var (
	configPath string
	demoMode   bool
	listenAddr string
	portPath   string
	baudRate   int
)

var rootCmd = &cobra.Command{
	Use:   "tackledash",
	Short: "Serial bridge and live dashboard for the tackle sensor",
	Long: `Connects to a tackle sensor over a serial port, polls acceleration, range
and status flags, and streams them to dashboard clients over a websocket.

Use --demo to run against a simulated sensor.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", server.DefaultConfigPath, "path to config file")
	pf.BoolVar(&demoMode, "demo", false, "use the simulated sensor")
	pf.StringVarP(&portPath, "port", "p", "", "serial port path (implies device type serial)")
	pf.IntVarP(&baudRate, "baud", "b", 0, "serial baud rate override")
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address (e.g. :8080)")
}

// loadRuntime loads config, applies flag overrides and builds the logger.
func loadRuntime() (*server.Config, *zap.Logger, error) {
	cfg, cfgErr := server.LoadConfig(configPath)

	if portPath != "" {
		cfg.Device.Type = "serial"
		cfg.Device.PortPath = portPath
	}
	if baudRate > 0 {
		cfg.Device.BaudRate = baudRate
	}
	if demoMode {
		cfg.Device.Type = "demo"
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if cfgErr != nil {
		log.Warn("config unreadable, using defaults", zap.Error(cfgErr))
	}
	log.Info("config loaded", zap.String("source", cfg.Source()))
	return cfg, log, nil
}

// newManager builds the connection manager described by cfg.
func newManager(cfg *server.Config, log *zap.Logger) (*device.Manager, error) {
	opener, err := cfg.Opener(log)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.DeviceOptions()
	if err != nil {
		return nil, err
	}
	return device.NewManager(opener, opts, log), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer log.Sync()

	mgr, err := newManager(cfg, log)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("tackledash starting", zap.String("endpoint", mgr.Endpoint()))

	// Dashboard starts regardless of whether the sensor is reachable
	if cfg.Device.AutoConnect || demoMode {
		go connectWithRetry(ctx, log.Named("autoconnect"), mgr, 10)
	}

	srv := server.New(cfg, mgr, log)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	log.Info("shutting down")
	return nil
}
