package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"altar/api/internal/app"
	"altar/api/internal/blob"
	"altar/api/internal/config"
	"altar/api/internal/room"
	"altar/api/internal/snapshot"
	"altar/api/internal/store"
	"altar/api/internal/unfurl"
)

type configLoader func() (config.Config, zerolog.Logger, error)

func newServeCmd(load configLoader) *cobra.Command {
	var inMemory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, inMemory, log)
		},
	}
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "keep metadata, assets and snapshots in process memory (development only)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, inMemory bool, log zerolog.Logger) error {
	var (
		metadata app.Store
		bucket   blob.Bucket
		backend  = cfg.SnapshotBackend
	)
	if inMemory {
		log.Warn().Msg("running with in-memory stores; nothing survives a restart")
		metadata = store.NewMemoryStore()
		bucket = blob.NewMemoryBucket()
		if backend == "" || backend == "s3" || backend == "blob" {
			backend = "memory"
		}
	} else {
		db, err := openDatabase(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer db.Close()
		metadata = store.NewPostgresStore(db)

		s3, err := blob.NewS3Bucket(ctx, blob.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("asset bucket: %w", err)
		}
		bucket = s3
	}

	snapshots, err := snapshot.Open(snapshot.Options{
		Backend:  backend,
		Dir:      cfg.SnapshotDir,
		RedisURL: cfg.RedisURL,
		Bucket:   bucket,
	})
	if err != nil {
		return fmt.Errorf("snapshot backend: %w", err)
	}
	if closer, ok := snapshots.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	log.Info().Str("backend", backend).Msg("snapshot backend ready")

	var cache unfurl.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		cache = unfurl.NewRedisCache(client, cfg.UnfurlCacheTTL, log)
		log.Info().Msg("link previews cached in redis")
	}
	fetcher := unfurl.NewFetcher(unfurl.Options{
		Timeout:   cfg.UnfurlTimeout,
		UserAgent: cfg.UnfurlUserAgent,
	}, cache, log)

	rooms := room.NewRegistry(snapshots, room.Options{
		SaveInterval: cfg.SaveInterval,
		DrainRetries: cfg.DrainRetries,
	}, log)
	orphanCtx, stopOrphans := context.WithCancel(context.Background())
	defer stopOrphans()
	go rooms.Run(orphanCtx)

	service := app.New(app.Deps{
		Config:    cfg,
		Store:     metadata,
		Snapshots: snapshots,
		Rooms:     rooms,
		Bucket:    bucket,
		Unfurl:    fetcher,
		Log:       log,
	})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigins, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("altar api listening")
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
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Hijacked websocket connections are not tracked by the server; the
	// registry closes their sessions and flushes every room.
	stopOrphans()
	if err := rooms.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("room shutdown left unsaved snapshots")
		return err
	}
	log.Info().Msg("all rooms saved")
	return nil
}

func openDatabase(ctx context.Context, cfg config.Config, log zerolog.Logger) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.Info().Strs("migrations", applied).Msg("migrations applied")
	}
	return db, nil
}
