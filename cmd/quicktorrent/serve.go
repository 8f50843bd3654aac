package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "github.com/danieldc/QuickTorrent/internal/api/http"
	"github.com/danieldc/QuickTorrent/internal/app"
	"github.com/danieldc/QuickTorrent/internal/metrics"
	mongorepo "github.com/danieldc/QuickTorrent/internal/repository/mongo"
	"github.com/danieldc/QuickTorrent/internal/telemetry"
	"github.com/danieldc/QuickTorrent/internal/usecase"
)

const serviceName = "quicktorrent"

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg app.Config) error {
	logger, logCloser := app.NewLogger(cfg)
	defer logCloser.Close()
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OtelEndpoint,
		SampleRate:  cfg.OtelSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("downloadDir", cfg.DownloadDir),
		slog.String("cacheDir", cfg.CacheDir),
		slog.Int("listenPort", cfg.ListenPort),
		slog.Int("dhtPort", cfg.DHTPort),
		slog.Bool("catalog", cfg.MongoURI != ""),
	)

	if parent == nil {
		parent = context.Background()
	}
	rootCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.NewRuntime(cfg, logger)
	if err != nil {
		return err
	}

	// The hub exists before the manager so every session it opens reports
	// piece map changes to WebSocket clients.
	hub := apihttp.NewHub(logger)
	go hub.Run()
	defer hub.Close()

	managerOpts := []usecase.ManagerOption{
		usecase.WithLogger(logger),
		usecase.WithObserver(hub.PublishPieceMap),
	}

	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		mongoClient, err = connectCatalog(rootCtx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
			}
		}()
		repo := mongorepo.NewRepository(mongoClient, cfg.MongoDatabase, cfg.MongoCollection)
		managerOpts = append(managerOpts, usecase.WithRepository(repo))
	}

	manager := usecase.NewManager(rt.Factory, managerOpts...)

	handler := apihttp.NewServer(manager,
		apihttp.WithLogger(logger),
		apihttp.WithHub(hub),
		apihttp.WithAllowedOrigins(cfg.AllowedOrigins),
	)

	// Restore in the background so the HTTP server starts immediately.
	go restoreSessions(rootCtx, manager, cfg.ForceRehash, logger)

	syncUC := usecase.SyncState{Manager: manager, Logger: logger, Interval: cfg.AutosaveInterval}
	go syncUC.Run(rootCtx)

	if cfg.WatchDir != "" {
		watchUC := usecase.WatchDir{Manager: manager, Dir: cfg.WatchDir, Logger: logger}
		go func() {
			if err := watchUC.Run(rootCtx); err != nil {
				logger.Warn("watch dir stopped", slog.String("dir", cfg.WatchDir), slog.String("error", err.Error()))
			}
		}()
	}

	if minFree, resumeFree, _ := cfg.DiskThresholds(); minFree > 0 {
		diskUC := usecase.DiskPressure{
			Manager:      manager,
			Logger:       logger,
			Dir:          cfg.DownloadDir,
			MinFreeBytes: minFree,
			ResumeBytes:  resumeFree,
		}
		go diskUC.Run(rootCtx)
	}

	go updateSessionMetrics(rootCtx, manager, handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("session manager close error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
	return serveErr
}

func connectCatalog(ctx context.Context, cfg app.Config, logger *slog.Logger) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	repo := mongorepo.NewRepository(client, cfg.MongoDatabase, cfg.MongoCollection)
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	return client, nil
}

func restoreSessions(ctx context.Context, manager *usecase.Manager, forceRehash bool, logger *slog.Logger) {
	if _, err := manager.Restore(ctx); err != nil {
		logger.Warn("restore sessions failed", slog.String("error", err.Error()))
		return
	}
	if !forceRehash {
		return
	}
	for _, st := range manager.List() {
		if _, err := manager.HashCheck(ctx, st.InfoHash, true); err != nil {
			logger.Warn("forced hash check failed",
				slog.String("infoHash", st.InfoHash.HexString()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// updateSessionMetrics refreshes gauges that have no event source and pushes
// the session list to WebSocket clients.
func updateSessionMetrics(ctx context.Context, manager *usecase.Manager, handler *apihttp.Server) {
	peersTicker := time.NewTicker(5 * time.Second)
	sessionsTicker := time.NewTicker(15 * time.Second)
	defer peersTicker.Stop()
	defer sessionsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-peersTicker.C:
			var peers int
			for _, st := range manager.List() {
				peers += st.Peers.Connected
			}
			metrics.PeersConnected.Set(float64(peers))
		case <-sessionsTicker.C:
			handler.BroadcastSessions()
		}
	}
}
