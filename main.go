package main

import (
	"collabgraphgo/internal/config"
	"collabgraphgo/internal/database/db_client"
	"collabgraphgo/internal/database/graphstore"
	"collabgraphgo/internal/http/http_server"
	"collabgraphgo/internal/redis/redis_client"
	"collabgraphgo/internal/services/collab"
	"collabgraphgo/internal/syncdlq"
	"collabgraphgo/internal/ws"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	var err error
	var cfg *config.Config
	var redisClient *redis.Client

	// 1. Load configuration
	cfg, err = config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis (command dead-letter stream)
	redisClient, err = redis_client.NewRedisClient(cfg.RedisHost, int(cfg.RedisPort))
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()
	Log.Debug("Redis client created successfully")

	// 4. Postgres db client + graph store
	pgDb, err := db_client.Open(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
	if err != nil {
		Log.Fatal("pg-open", zap.Error(err))
	}
	defer pgDb.Close()
	store := graphstore.New(pgDb)

	// 5. Session core: registry + collaborative session service
	registry := collab.NewRegistry()
	collabSvc := collab.NewService(registry, store, redisClient, collab.Options{
		HistoryLimit: cfg.HistoryLimit,
		LeaveGrace:   time.Duration(cfg.LeaveGraceSeconds) * time.Second,
	})

	// 6. Background: dead-letter tailer ➜ retry command appends in DB
	syncdlq.Run(ctx, redisClient, store)

	// 7. Initialize the WS gateway
	wsSrv := ws.NewWsServer(collabSvc)

	// 8. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, collabSvc)
	if err := httpServer.Start(); err != nil {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}

}
