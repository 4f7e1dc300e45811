package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"concord/api/internal/app"
	"concord/api/internal/archive"
	"concord/api/internal/config"
	"concord/api/internal/curation"
	"concord/api/internal/export"
	"concord/api/internal/gitrepo"
	"concord/api/internal/loader"
	"concord/api/internal/metrics"
	"concord/api/internal/schema"
	"concord/api/internal/search"
	"concord/api/internal/store"
	"concord/api/internal/taskstate"
)

func serveCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("failed to create repos dir: %w", err)
	}

	registry, err := schema.Load(cfg.SchemaFile, cfg.TypeDenylist)
	if err != nil {
		return fmt.Errorf("load layer schema: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	views := loader.New(dataStore, registry)
	gitService := gitrepo.New(cfg.ReposDir)
	m := metrics.New()

	var backend search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meili.Close()
		backend = meili
	}
	searchService := search.NewService(backend)

	curator := curation.NewService(dataStore, views, dataStore, registry)
	curator.History = gitService
	curator.Index = searchService
	curator.Metrics = m
	curator.Log = logrus.WithField("component", "curation")

	tasks, err := taskstate.NewRedisStore(cfg.RedisURL, cfg.TaskResultTTL)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer tasks.Close()

	var reports *archive.Archive
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := archive.NewMinio(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return fmt.Errorf("report archive: %w", err)
		}
		reports = archive.New(objects)
		logrus.WithField("bucket", cfg.MinioBucket).Info("archiving exported reports")
	}

	service := app.New(cfg, app.Dependencies{
		Store:    dataStore,
		Loader:   views,
		Layers:   registry,
		Curation: curator,
		History:  gitService,
		Search:   searchService,
		Tasks:    tasks,
		Exporter: export.NewService(),
		Archive:  reports,
		Metrics:  m,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logrus.WithField("addr", cfg.Addr).Info("Concord API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serverErr:
		service.Close()
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("shutdown error")
	}
	service.Close()
	return nil
}
