package main

import (
  "context"
  "net/http"
  "os"
  "os/signal"
  "syscall"
  "time"
  goredis "github.com/redis/go-redis/v9"
  "github.com/bricktally/bricktally-backend/internal/db"
  "github.com/bricktally/bricktally-backend/internal/handlers"
  "github.com/bricktally/bricktally-backend/internal/middleware"
  "github.com/bricktally/bricktally-backend/internal/observability"
  "github.com/bricktally/bricktally-backend/internal/pkg/logger"
  "github.com/bricktally/bricktally-backend/internal/repos"
  "github.com/bricktally/bricktally-backend/internal/server"
  "github.com/bricktally/bricktally-backend/internal/services"
  "github.com/bricktally/bricktally-backend/internal/utils"
)

func main() {
  mode := os.Getenv("APP_ENV")
  log, err := logger.New(mode)
  if err != nil {
    panic(err)
  }
  defer log.Sync()

  ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
  defer stop()

  shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
    ServiceName: "bricktally-backend",
    Environment: mode,
    Version:     os.Getenv("APP_VERSION"),
  })
  defer func() {
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := shutdownOtel(shutdownCtx); err != nil {
      log.Warn("OTel shutdown failed", "error", err)
    }
  }()

  // Database
  postgresService, err := db.NewPostgresService(log)
  if err != nil {
    log.Fatal("Failed to initialize postgres", "error", err)
  }
  if err := postgresService.AutoMigrateAll(); err != nil {
    log.Fatal("Failed to migrate postgres tables", "error", err)
  }
  gormDB := postgresService.DB()

  // Env
  jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "", log)
  if jwtSecretKey == "" {
    log.Fatal("JWT_SECRET_KEY is required")
  }
  accessTTLMinutes := utils.GetEnvAsInt("ACCESS_TTL_MINUTES", 15, log)
  refreshTTLHours := utils.GetEnvAsInt("REFRESH_TTL_HOURS", 720, log)
  syncRateLimit := utils.GetEnvAsInt("SYNC_RATE_LIMIT", 60, log)
  syncRateWindowSeconds := utils.GetEnvAsInt("SYNC_RATE_WINDOW_SECONDS", 60, log)
  port := utils.GetEnv("PORT", "8080", log)

  // Redis (optional; rate limiting degrades to pass-through without it)
  var redisClient *goredis.Client
  redisAddr := utils.GetEnv("REDIS_ADDR", "", log)
  if redisAddr != "" {
    redisClient = goredis.NewClient(&goredis.Options{
      Addr:     redisAddr,
      Password: utils.GetEnv("REDIS_PASSWORD", "", log),
    })
    pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
    if err := redisClient.Ping(pingCtx).Err(); err != nil {
      log.Warn("Redis unreachable, rate limiting disabled", "addr", redisAddr, "error", err)
      redisClient = nil
    }
    cancel()
  }

  // Repos
  userRepo := repos.NewUserRepo(gormDB, log)
  userTokenRepo := repos.NewUserTokenRepo(gormDB, log)
  ownedItemRepo := repos.NewOwnedItemRepo(gormDB, log)
  setRollupRepo := repos.NewSetRollupRepo(gormDB, log)

  // Services
  authService := services.NewAuthService(
    gormDB,
    log,
    userRepo,
    userTokenRepo,
    jwtSecretKey,
    time.Duration(accessTTLMinutes)*time.Minute,
    time.Duration(refreshTTLHours)*time.Hour,
  )
  syncApplyService := services.NewSyncApplyService(gormDB, log, ownedItemRepo, setRollupRepo)
  snapshotService := services.NewSnapshotService(gormDB, log, ownedItemRepo)

  // Handlers
  authHandler := handlers.NewAuthHandler(authService)
  syncHandler := handlers.NewSyncHandler(log, syncApplyService, snapshotService)

  // Middleware
  authMiddleware := middleware.NewAuthMiddleware(log, authService)
  rateLimitMiddleware := middleware.NewRateLimitMiddleware(
    log,
    redisClient,
    syncRateLimit,
    time.Duration(syncRateWindowSeconds)*time.Second,
  )

  router := server.NewRouter(server.RouterConfig{
    AuthHandler:         authHandler,
    AuthMiddleware:      authMiddleware,
    RateLimitMiddleware: rateLimitMiddleware,
    SyncHandler:         syncHandler,
  })

  srv := &http.Server{
    Addr:    ":" + port,
    Handler: router,
  }

  go func() {
    log.Info("Starting server", "port", port)
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
      log.Fatal("Server failed", "error", err)
    }
  }()

  <-ctx.Done()
  log.Info("Shutting down server...")
  shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
  defer cancel()
  if err := srv.Shutdown(shutdownCtx); err != nil {
    log.Error("Server shutdown failed", "error", err)
  }
  log.Info("Server stopped")
}
