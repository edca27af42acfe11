package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"modelserve/config"
	"modelserve/db"
	mhttp "modelserve/http"
	"modelserve/logger"
	"modelserve/ml"
	"modelserve/storage"
)

const (
	fetchTimeout    = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the YAML config file; missing file means defaults")
	pflag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Load the model once; the process does not serve without it
	artifact, localPath, err := loadArtifact(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to load model", zap.String("location", cfg.Model.Path), zap.Error(err))
	}
	log.Info("model loaded",
		zap.String("path", localPath),
		zap.String("model_type", artifact.Metadata.ModelType),
		zap.Int("feature_count", artifact.Metadata.FeatureCount),
		zap.Time("trained_at", artifact.Metadata.TrainedAt))

	// 3. Optional prediction audit log
	var recorder mhttp.PredictionRecorder
	if cfg.Database.Path != "" {
		store, err := db.Open(cfg.Database.Path)
		if err != nil {
			log.Fatal("failed to open database", zap.String("path", cfg.Database.Path), zap.Error(err))
		}
		defer store.Close()
		recorder = store
		log.Info("prediction audit log enabled", zap.String("path", cfg.Database.Path))
	}

	// 4. Optional artifact watcher, local files only
	if _, remote, _ := storage.ParseLocation(cfg.Model.Path); cfg.Model.Watch && !remote {
		watcher, err := storage.NewWatcher(localPath, log, nil)
		if err != nil {
			log.Warn("artifact watcher disabled", zap.Error(err))
		} else {
			go watcher.Run(ctx)
		}
	}

	// 5. Start HTTP server
	handler, err := mhttp.NewHandler(mhttp.Options{
		Artifact:     artifact,
		CacheSize:    cfg.Model.CacheSize,
		MaxBodyBytes: cfg.Http.MaxBodyBytes,
		Recorder:     recorder,
		Log:          log,
	})
	if err != nil {
		log.Fatal("failed to build handler", zap.Error(err))
	}
	server := mhttp.NewServer(mhttp.ServerConfig{
		Addr:         cfg.Addr(),
		ReadTimeout:  cfg.Http.ReadTimeout,
		WriteTimeout: cfg.Http.WriteTimeout,
		IdleTimeout:  cfg.Http.IdleTimeout,
	}, mhttp.NewRouter(handler), log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 6. Handle graceful shutdown
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Fatal("http server failed", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	log.Info("exiting")
}

func loadArtifact(ctx context.Context, cfg *config.Config, log *zap.Logger) (*ml.Artifact, string, error) {
	resolver, err := storage.NewResolver(storage.MinioOptions{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		UseSSL:    cfg.Minio.UseSSL,
	}, cfg.Model.CacheDir, log)
	if err != nil {
		return nil, "", err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	localPath, err := resolver.Resolve(fetchCtx, cfg.Model.Path)
	if err != nil {
		return nil, "", err
	}

	artifact, err := ml.LoadModel(localPath)
	if err != nil {
		return nil, "", err
	}
	return artifact, localPath, nil
}
