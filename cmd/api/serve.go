package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"notebook/api/internal/app"
	"notebook/api/internal/blob"
	"notebook/api/internal/imagegen"
	"notebook/api/internal/pipeline"
	"notebook/api/internal/session"
	"notebook/api/internal/store"
	"notebook/api/internal/textgen"
)

const fetchTimeout = 30 * time.Second

type closer func() error

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close dependency", zap.Error(err))
			}
		}
	}()

	notes, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	text, closeText, err := openTextGenerator(ctx)
	if err != nil {
		return err
	}
	closers = append(closers, closeText)

	blobs, closeBlobs, err := openBlobStore(ctx)
	if err != nil {
		return err
	}
	closers = append(closers, closeBlobs)

	images := imagegen.New(cfg.ProbeTimeout, imagegen.WithLogger(logger))
	creation := pipeline.New(text, images, notes, blobs, blob.NewFetcher(fetchTimeout),
		pipeline.WithLogger(logger.Named("pipeline")))

	opts := []app.Option{app.WithLogger(logger)}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		leases, err := session.NewLeaseStore(cfg.RedisURL, cfg.CompletionLease)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		closers = append(closers, leases.Close)
		opts = append(opts, app.WithLeases(leases))
		logger.Info("using redis for completion leases")
	}
	service := app.New(cfg, notes, creation, text, opts...)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("notebook API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := service.Close(shutdownCtx); err != nil {
		logger.Warn("background work did not finish", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context) (*store.PostgresStore, closer, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return store.NewSQLiteStore(db), db.Close, nil
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", zap.Strings("versions", applied))
		}
		return store.NewPostgresStore(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.StoreDriver)
	}
}

func openTextGenerator(ctx context.Context) (textgen.Generator, closer, error) {
	noop := func() error { return nil }
	switch cfg.TextProvider {
	case "gemini":
		gen, err := textgen.NewGemini(ctx, cfg.GeminiAPIKey, cfg.TextModel)
		if err != nil {
			return nil, nil, err
		}
		return gen, noop, nil
	case "vertex":
		gen, err := textgen.NewVertex(ctx, cfg.VertexProject, cfg.VertexLocation, cfg.TextModel)
		if err != nil {
			return nil, nil, err
		}
		return gen, gen.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown text provider %q", cfg.TextProvider)
	}
}

func openBlobStore(ctx context.Context) (blob.Store, closer, error) {
	switch cfg.BlobProvider {
	case "minio":
		minioStore, err := blob.NewMinIO(blob.MinIOConfig{
			Endpoint:   cfg.MinioEndpoint,
			AccessKey:  cfg.MinioAccessKey,
			SecretKey:  cfg.MinioSecretKey,
			UseSSL:     cfg.MinioUseSSL,
			Bucket:     cfg.Bucket,
			PublicBase: cfg.PublicBaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		return minioStore, func() error { return nil }, nil
	case "gcs":
		gcsStore, err := blob.NewGCS(ctx, cfg.Bucket, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return gcsStore, gcsStore.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown blob provider %q", cfg.BlobProvider)
	}
}
