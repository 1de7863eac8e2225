package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgewarden/edgewarden/domains/authz/be/actor"
	"github.com/edgewarden/edgewarden/domains/authz/be/graph"
	"github.com/edgewarden/edgewarden/domains/authz/be/handler"
	"github.com/edgewarden/edgewarden/domains/authz/be/hub"
	"github.com/edgewarden/edgewarden/platform/go/kvlog"
	platformlogging "github.com/edgewarden/edgewarden/platform/go/logging"
	"github.com/edgewarden/edgewarden/platform/go/objectstore"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`

	StorageBackend  string `env:"STORAGE_BACKEND" envDefault:"gcs"` // gcs | local | memory
	StorageBucket   string `env:"STORAGE_BUCKET"`                   // required when STORAGE_BACKEND=gcs
	StorageLocalDir string `env:"STORAGE_LOCAL_DIR" envDefault:"./.data/storage"`
	MutationLogPath string `env:"MUTATION_LOG_PATH" envDefault:"./.data/mutations.db"`

	MaxTraversal    int           `env:"MAX_TRAVERSAL" envDefault:"10"`
	MaxCatchup      int           `env:"MAX_CATCHUP" envDefault:"100"`
	RetentionSlack  int           `env:"RETENTION_SLACK" envDefault:"100"`
	SnapshotEvery   int           `env:"SNAPSHOT_EVERY" envDefault:"100"`
	SnapshotIdle    time.Duration `env:"SNAPSHOT_IDLE" envDefault:"5m"`
	QueryTimeout    time.Duration `env:"QUERY_TIMEOUT" envDefault:"100ms"`
	ProofTimeout    time.Duration `env:"PROOF_TIMEOUT" envDefault:"500ms"`
	MemorySoftLimit int64         `env:"MEMORY_SOFT_LIMIT" envDefault:"134217728"`
	IdleEviction    time.Duration `env:"TENANT_IDLE_EVICTION" envDefault:"10m"`

	CacheDisabled bool          `env:"QUERY_CACHE_DISABLED" envDefault:"false"`
	CacheSize     int           `env:"QUERY_CACHE_SIZE" envDefault:"1024"`
	CacheTTL      time.Duration `env:"QUERY_CACHE_TTL" envDefault:"60s"`

	WSSendQueue    int           `env:"WS_SEND_QUEUE" envDefault:"256"`
	WSPingInterval time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	WSMissedPongs  int           `env:"WS_MAX_MISSED_PONGS" envDefault:"3"`
	WSIdleTimeout  time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"5m"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "authz-api",
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	objects := buildObjectStore(ctx, cfg, logger)

	mutationLog, err := kvlog.NewBolt(logger, cfg.MutationLogPath)
	if err != nil {
		logger.Fatal("init mutation log", zap.Error(err))
	}
	defer func() {
		_ = mutationLog.Close()
	}()

	actorCfg := actor.Config{
		MaxTraversal:    cfg.MaxTraversal,
		MaxCatchup:      cfg.MaxCatchup,
		RetentionSlack:  cfg.RetentionSlack,
		SnapshotEvery:   cfg.SnapshotEvery,
		SnapshotIdle:    cfg.SnapshotIdle,
		QueryTimeout:    cfg.QueryTimeout,
		ProofTimeout:    cfg.ProofTimeout,
		MemorySoftLimit: cfg.MemorySoftLimit,
		Cache: graph.CacheConfig{
			Disabled: cfg.CacheDisabled,
			Size:     cfg.CacheSize,
			TTL:      cfg.CacheTTL,
		},
		Hub: hub.Config{
			MaxCatchup:     cfg.MaxCatchup,
			SendQueue:      cfg.WSSendQueue,
			PingInterval:   cfg.WSPingInterval,
			MaxMissedPongs: cfg.WSMissedPongs,
			IdleTimeout:    cfg.WSIdleTimeout,
		},
	}
	actors := actor.NewRegistry(objects, mutationLog, actorCfg, cfg.IdleEviction, logger)

	rootRouter := chi.NewRouter()
	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
	)
	rootRouter.Use(platformlogging.RequestLogger(logger))
	rootRouter.Mount("/", handler.New(actors, logger).Routes())

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     rootRouter,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: WebSocket connections outlive any sane value and
		// carry their own deadlines per frame.
		IdleTimeout: 2 * time.Minute,
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		logger.Info("starting authz api", zap.String("port", cfg.Port), zap.String("storage", cfg.StorageBackend))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", zap.Error(err))
		}
		// Actors flush their snapshots after the listener stops taking work.
		actors.Shutdown(shutdownCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildObjectStore(ctx context.Context, cfg config, logger *zap.Logger) objectstore.Store {
	switch cfg.StorageBackend {
	case "gcs":
		if cfg.StorageBucket == "" {
			logger.Fatal("storage bucket required when STORAGE_BACKEND=gcs")
		}
		client, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal("init gcs client", zap.Error(err))
		}
		store, err := objectstore.NewGCS(client, cfg.StorageBucket)
		if err != nil {
			logger.Fatal("init gcs store", zap.Error(err))
		}
		return store
	case "local":
		if strings.TrimSpace(cfg.StorageLocalDir) == "" {
			logger.Fatal("storage local dir required when STORAGE_BACKEND=local")
		}
		store, err := objectstore.NewLocal(cfg.StorageLocalDir)
		if err != nil {
			logger.Fatal("init local store", zap.Error(err))
		}
		return store
	case "memory":
		return objectstore.NewMemory()
	default:
		logger.Fatal("invalid STORAGE_BACKEND (use gcs, local or memory)", zap.String("backend", cfg.StorageBackend))
		return nil
	}
}
