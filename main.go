package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"turodesk/internal/api"
	"turodesk/internal/auth"
	"turodesk/internal/config"
	"turodesk/internal/localstore"
	"turodesk/internal/redis"
	"turodesk/internal/service/assistant"
	"turodesk/internal/service/memory"
	openaiembed "turodesk/internal/service/memory/embedder/openai"
	"turodesk/internal/service/memory/store/chromem"
	"turodesk/internal/service/memory/store/pgvector"
	"turodesk/internal/storage"
	"turodesk/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("TURODESK_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	dbType := cfg.BasicConfig.Database
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// users, api_keys, auth_tokens, sessions, messages
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	local, err := localstore.New(cfg.BasicConfig.DataDir)
	if err != nil {
		log.Fatalf("open data dir: %v", err)
	}

	var rdb *redis.Client
	if redis.Enabled(cfg) {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	mem, err := newMemoryService(cfg, db)
	if err != nil {
		log.Fatalf("init memory: %v", err)
	}

	assistantService, err := assistant.NewService(db, local)
	if err != nil {
		log.Fatalf("init assistant service: %v", err)
	}
	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour)

	if cfg.BasicConfig.LocalMode {
		userID, err := local.UserID()
		if err != nil {
			log.Fatalf("local user: %v", err)
		}
		if err := assistantService.EnsureUser(context.Background(), userID, "local"); err != nil {
			log.Fatalf("ensure local user: %v", err)
		}
		authService.EnableLocalMode(userID)
		log.Printf("local mode enabled for user %s", userID)
	}

	workerCfg := worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}
	manager := worker.NewManager(assistantService, mem, cfg, workerCfg, rdb)
	handlers := api.NewHandler(assistantService, authService, mem, manager,
		time.Duration(cfg.BasicConfig.RequestTimeoutSec)*time.Second)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.BasicConfig.ServerAddress, Handler: router}
	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	manager.Close()
}

// newMemoryService returns nil when long-term memory is switched off.
func newMemoryService(cfg *config.Config, db *sqlx.DB) (*memory.Service, error) {
	if !cfg.Memory.Enabled {
		return nil, nil
	}
	embedder, err := openaiembed.New(cfg.Embedding.APIKey, cfg.Embedding.BaseURL, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, err
	}
	var store memory.Store
	switch cfg.Memory.VectorStore {
	case "pgvector":
		if err := storage.MigrateVectorStore(db, cfg.Memory.TableName, cfg.Embedding.Dimensions); err != nil {
			return nil, err
		}
		store = pgvector.New(db, cfg.Memory.TableName)
	default:
		persistent, err := chromem.NewPersistent(filepath.Join(cfg.BasicConfig.DataDir, "memory"), cfg.Embedding.Dimensions)
		if err != nil {
			return nil, err
		}
		store = persistent
	}
	log.Printf("long-term memory enabled (%s)", cfg.Memory.VectorStore)
	return memory.NewService(store, embedder, cfg.Memory.TopK), nil
}
