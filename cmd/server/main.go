// Package main is the entry point for the Viv image server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/keller-mark/viv/internal/api"
	"github.com/keller-mark/viv/internal/cache"
	"github.com/keller-mark/viv/internal/config"
	"github.com/keller-mark/viv/internal/data/synthetic"
	"github.com/keller-mark/viv/internal/data/zarr"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/render"
	"github.com/keller-mark/viv/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional dotenv file loaded before the configuration")
	flag.Parse()

	// A missing .env is fine; variables already set win.
	_ = godotenv.Load(*envPath)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}
	defer closeLog()
	log := logrus.NewEntry(logger)

	log.WithField("port", cfg.Server.Port).Info("Starting Viv server")

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		PreviewCacheSizeMB: cfg.Cache.PreviewSizeMB,
		PreviewTTL:         time.Duration(cfg.Cache.PreviewTTLMinutes) * time.Minute,
		QueryCacheSize:     cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Renderer and geometry memo are shared across all datasets
	renderer := render.NewRenderer(render.Config{
		MaxSize: cfg.Render.MaxSize,
		Smooth:  cfg.Render.Smooth,
	})
	resolver, err := geometry.NewResolver(cfg.Viewer.GeometryCacheSize)
	if err != nil {
		log.Fatalf("Failed to initialize geometry cache: %v", err)
	}

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, "")
	defer registry.Stop()

	log.WithFields(logrus.Fields{
		"datasets": len(datasetIDs),
		"default":  cfg.Data.DefaultDataset,
	}).Info("Initializing datasets")

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]
		dsLog := log.WithField("dataset", datasetID)

		loader, closeLoader, err := openDataset(ds, cfg.Cache, dsLog)
		if err != nil {
			dsLog.Fatalf("Failed to open dataset: %v", err)
		}
		defer closeLoader()

		svc, err := service.NewViewerService(service.ViewerServiceConfig{
			DatasetID: datasetID,
			Title:     ds.Title,
			Loader:    loader,
			Cache:     cacheManager,
			Renderer:  renderer,
			Resolver:  resolver,
			Viewer: service.ViewerConfig{
				MaxConcurrentFetches: int64(cfg.Viewer.MaxConcurrentFetches),
				DetailWidth:          cfg.Viewer.DetailWidth,
				DetailHeight:         cfg.Viewer.DetailHeight,
				ZoomBackOff:          cfg.Viewer.ZoomBackOff,
				OverviewScale:        cfg.Viewer.OverviewScale,
				OverviewPosition:     cfg.Viewer.OverviewPosition,
				SessionTTL:           time.Duration(cfg.Viewer.SessionTTLMinutes) * time.Minute,
			},
			Log: dsLog,
		})
		if err != nil {
			dsLog.Fatalf("Failed to initialize viewer service: %v", err)
		}
		svc.Start()
		registry.Register(datasetID, svc)

		md := svc.Metadata()
		dsLog.WithFields(logrus.Fields{
			"type":   md.Type,
			"levels": len(md.Levels),
			"width":  md.Width,
			"height": md.Height,
		}).Info("Dataset ready")
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Log:         log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}

	log.Info("Server stopped")
}

// openDataset opens a Zarr store when a path is configured and falls back
// to a generated image otherwise.
func openDataset(ds config.DatasetConfig, cc config.CacheConfig, log *logrus.Entry) (pixel.Loader, func(), error) {
	if ds.ZarrPath != "" {
		store, err := zarr.Open(ds.ZarrPath, zarr.Options{
			ChunkCacheBytes: int64(cc.ChunkCacheMB) << 20,
			Log:             log,
		})
		if err != nil {
			return nil, nil, err
		}
		return store.Loader(), store.Close, nil
	}

	s := ds.Synthetic
	if s == nil {
		s = config.DefaultSynthetic()
	}
	loader, err := synthetic.NewLoader(synthetic.Config{
		Width:         s.Width,
		Height:        s.Height,
		Depth:         s.Depth,
		Channels:      s.Channels,
		Levels:        s.Levels,
		TileSize:      s.TileSize,
		PhysicalSizeX: s.PhysicalSizeX,
		PhysicalSizeZ: s.PhysicalSizeZ,
		Unit:          s.Unit,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Debug("Using generated image")
	return loader, func() {}, nil
}
