package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meshvault/meshvault/internal/config"
	"github.com/meshvault/meshvault/internal/drive"
	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/outbox"
	"github.com/meshvault/meshvault/internal/peer"
	"github.com/meshvault/meshvault/internal/storage"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the meshvault node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/meshvault/config.yaml", "Path to config file")
	return cmd
}

func runServe(cfg *config.Config) error {
	setupLogging(cfg.LogLevel)
	logger := log.With().Str("identity", cfg.Identity).Logger()
	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Starting meshvault node")

	outboxMetrics := metrics.NewOutboxMetrics(nil)
	driveMetrics := metrics.NewDriveMetrics(nil)

	systemDB, err := storage.Open(filepath.Join(cfg.DataDir, "system.db"), logger)
	if err != nil {
		return fmt.Errorf("open system database: %w", err)
	}
	defer systemDB.Close() //nolint:errcheck

	pending, err := outbox.NewPendingSenders(systemDB, outbox.PendingConfig{
		ClaimTimeout: cfg.LeaseTimeout(),
		Logger:       logger,
		Metrics:      outboxMetrics,
	})
	if err != nil {
		return fmt.Errorf("open pending-senders index: %w", err)
	}

	drives, err := drive.NewRegistry(systemDB, cfg.DataDir, logger, driveMetrics)
	if err != nil {
		return fmt.Errorf("open drive registry: %w", err)
	}
	drives.Subscribe(func(ev drive.Event) {
		logger.Info().Str("drive", ev.Drive.ID.String()).Str("kind", ev.Kind.String()).Msg("Drive registry event")
	})
	registered, err := drives.List(context.Background(), nil, drive.PageOptions{}, localCaller{identity: cfg.Identity})
	if err != nil {
		return fmt.Errorf("list drives: %w", err)
	}
	logger.Info().Int("drives", len(registered)).Msg("Drive registry loaded")

	stores := outbox.NewStores(cfg.DataDir, cfg.LeaseTimeout(), pending, logger, outboxMetrics)
	defer stores.Close() //nolint:errcheck

	deliverer := peer.NewHTTPDeliverer(cfg.Identity, logger)

	worker := outbox.NewDrainWorker(stores, pending, deliverer, outbox.DrainConfig{
		Interval:             cfg.DrainInterval(),
		BatchSize:            cfg.Drain.BatchSize,
		MaxAttempts:          cfg.Drain.MaxAttempts,
		DeliveryTimeout:      cfg.DeliveryTimeout(),
		MaxConcurrentSenders: cfg.Drain.MaxConcurrentSenders,
	}, logger, outboxMetrics)
	worker.Start()
	defer worker.Stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("listen", cfg.Metrics.Listen).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer metricsSrv.Close() //nolint:errcheck
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	return nil
}

// localCaller is the node acting on its own behalf. It owns every local
// drive, so registry listings made with it see everything.
type localCaller struct {
	identity string
}

func (c localCaller) IsOwner() bool                      { return true }
func (c localCaller) Identity() string                   { return c.identity }
func (c localCaller) IsNetworkAuthenticated() bool       { return true }
func (c localCaller) CircleIDs() []uuid.UUID             { return nil }
func (c localCaller) IsConnectedTo(identity string) bool { return true }
