package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"carrier-chat/internal/cache"
	"carrier-chat/internal/chat"
	"carrier-chat/internal/config"
	"carrier-chat/internal/db"
	"carrier-chat/internal/flush"
	"carrier-chat/internal/httpx"
	"carrier-chat/internal/logger"
	"carrier-chat/internal/message"
	myMiddleware "carrier-chat/internal/middleware"
	"carrier-chat/internal/realtime"
	"carrier-chat/internal/user"
)

func main() {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		// logger is not configured yet
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	addr := flag.String("addr", cfg.HTTPAddr, "http service address")
	flag.Parse()

	log := logger.New(cfg.Env, cfg.LogLevel)

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer database.Close()
	log.Info().Msg("connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("database schema initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	hot := cache.New(redisClient)
	if err := hot.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Live delivery
	hub := realtime.NewHub(log)
	go hub.Run(ctx)
	broker := realtime.NewBroker(redisClient, log)
	go func() {
		if err := broker.Subscribe(ctx, hub); err != nil {
			log.Error().Err(err).Msg("event subscription ended")
		}
	}()

	// 5. Features
	userService := user.NewService(user.NewRepository(database.Conn), hot, user.Options{
		JWTSecret:  cfg.JWTSecret,
		TokenTTL:   cfg.TokenTTL,
		BcryptCost: cfg.BcryptCost,
	}, log)
	userHandler := user.NewHandler(userService)

	chatService := chat.NewService(chat.NewRepository(database.Conn), log)
	chatService.SetNotifier(broker)
	chatHandler := chat.NewHandler(chatService)

	messageRepo := message.NewRepository(database.Conn)
	messageService := message.NewService(chatService, hot, messageRepo, broker, log, cfg.MessageMaxLimit)
	messageHandler := message.NewHandler(messageService)

	wsHandler := realtime.NewHandler(hub, chatService, messageService, cfg.CORSAllowedOrigins, log)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Flush job
	job := flush.NewJob(hot, messageRepo, flush.Config{
		BatchSize:  cfg.FlushBatchSize,
		ScanCount:  int64(cfg.FlushScanCount),
		LockTTL:    cfg.FlushLockTTL,
		DeadLetter: cfg.FlushDeadLetter,
	}, log)
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		flush.NewScheduler(job, cfg.FlushInterval, log).Start(ctx)
	}()

	// 7. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(myMiddleware.Logger(log))
	r.Use(myMiddleware.Metrics)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public Routes
	r.Post("/auth/register", userHandler.Register)
	r.Post("/auth/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{"postgres": "ok", "redis": "ok"}
		code := http.StatusOK
		if err := database.Ping(hctx); err != nil {
			status["postgres"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if err := hot.Ping(hctx); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		httpx.JSON(w, code, status)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Post("/auth/logout", userHandler.Logout)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Get("/api/chats", chatHandler.ListChats)
		r.Post("/api/chats", chatHandler.CreateChat)
		r.Post("/api/chats/{chatID}/messages", messageHandler.Send)
		r.Get("/api/chats/{chatID}/messages", messageHandler.List)

		// WebSocket (Real-time)
		r.Get("/ws", wsHandler.ServeWs)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Str("env", cfg.Env).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	// an in-flight flush finishes its current key before the clients close
	<-flushDone
	log.Info().Msg("server stopped")
}
