package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm/logger"

	"github.com/listening-rooms/internal/catalog"
	"github.com/listening-rooms/internal/config"
	"github.com/listening-rooms/internal/dispatch"
	"github.com/listening-rooms/internal/presence"
	"github.com/listening-rooms/internal/queue"
	"github.com/listening-rooms/internal/room"
	"github.com/listening-rooms/internal/sequencer"
	"github.com/listening-rooms/internal/spotify"
	"github.com/listening-rooms/internal/ws"
	"github.com/listening-rooms/pkg/database"
	"github.com/listening-rooms/pkg/events"
	"github.com/listening-rooms/pkg/redis"
)

const (
	shutdownTimeout = 10 * time.Second
	relayBackoff    = 500 * time.Millisecond
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	setupLogging(cfg)

	// Set Gin mode based on environment
	gormLevel := logger.Info
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
		gormLevel = logger.Warn
	}

	// Initialize MySQL database
	db, err := database.NewMySQLDB(cfg.MySQLHost, cfg.MySQLPort, cfg.MySQLUser, cfg.MySQLPassword, cfg.MySQLDatabase, gormLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	if cfg.SeedCatalog {
		if err := db.SeedSongs(context.Background()); err != nil {
			logrus.WithError(err).Fatal("Failed to seed song catalog")
		}
	}

	// Initialize Redis client, optional unless presence lives there
	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logrus.WithError(err).WithField("addr", cfg.RedisAddr).Fatal("Failed to connect to Redis")
		}
	}

	var (
		registry  presence.Registry = presence.NewMemoryRegistry()
		table     presence.Table    = presence.NewMemoryTable()
		roomCache room.Cache
		tokens    spotify.TokenCache
	)
	if redisClient != nil {
		roomCache = redis.NewRoomCache(redisClient, cfg.RoomCacheTTL)
		tokens = redis.NewTokenStore(redisClient)
	}
	if cfg.PresenceBackend == "redis" {
		registry = redis.NewPresenceRegistry(redisClient)
		table = redis.NewPresenceTable(redisClient)
	}

	hub := ws.NewHub(table)

	// Events go straight to local sockets, or through Kafka when several processes
	// serve the same rooms
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var transport events.Transport = hub
	var relay *events.KafkaClient
	if len(cfg.KafkaBrokers) > 0 {
		// every process needs its own consumer group to see the whole topic
		groupID := cfg.KafkaGroupID + "-" + uuid.NewString()
		relay = events.NewKafkaClient(cfg.KafkaBrokers, cfg.KafkaTopic, groupID)
		transport = relay
		go relay.Relay(ctx, hub, relayBackoff)
	}
	dispatcher := dispatch.New(transport)

	// Initialize services
	policy, err := queue.ParsePolicy(cfg.QueueOrder)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid queue order")
	}
	seq := sequencer.New()
	presenceService := presence.NewService(registry, table, db, dispatcher, seq, cfg.StoreTimeout)
	queueService := queue.NewService(db, dispatcher, seq, policy, cfg.StoreTimeout)
	roomService := room.NewService(db, roomCache, presenceService, dispatcher, seq, cfg.StoreTimeout)

	var searcher catalog.TrackSearcher
	if cfg.SpotifyEnabled() {
		searcher = spotify.NewClient(spotify.Config{
			ClientID:     cfg.SpotifyClientID,
			ClientSecret: cfg.SpotifyClientSecret,
		}, tokens)
	} else {
		logrus.Info("Spotify credentials not set, song import disabled")
	}
	catalogService := catalog.NewService(db, searcher, cfg.StoreTimeout)

	// Initialize handlers
	roomHandler := room.NewHandler(roomService)
	queueHandler := queue.NewHandler(queueService)
	catalogHandler := catalog.NewHandler(catalogService)
	presenceHandler := presence.NewHandler(presenceService)
	wsHandler := ws.NewHandler(hub, presenceService, dispatcher, cfg.AllowedOrigins)

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	// CORS middleware
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": hub.Count(),
		})
	})

	// API routes
	v1 := router.Group("/api/v1")
	{
		roomHandler.RegisterRoutes(v1)
		queueHandler.RegisterRoutes(v1)
		catalogHandler.RegisterRoutes(v1)
	}
	presenceHandler.RegisterRoutes(router)

	// WebSocket endpoint
	router.GET("/ws", wsHandler.HandleWebSocket)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logrus.WithField("port", cfg.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	// websockets are hijacked and not covered by Shutdown
	hub.Close()
	if err := wsHandler.Wait(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Gave up waiting for websocket connections to close")
	}
	cancel()

	if relay != nil {
		if err := relay.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close Kafka client")
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close Redis client")
		}
	}
	if sqlDB, err := db.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logrus.Info("Server exited")
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("Request handled")
	}
}
