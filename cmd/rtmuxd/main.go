package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/szsip239/rtmux/internal/config"
	"github.com/szsip239/rtmux/internal/handler"
	"github.com/szsip239/rtmux/internal/middleware"
	"github.com/szsip239/rtmux/internal/model"
	"github.com/szsip239/rtmux/internal/peer"
	"github.com/szsip239/rtmux/internal/pkg/crypto"
)

func main() {
	// ── Load config ────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// ── Logger ─────────────────────────────────────────
	var logger *zap.Logger
	if cfg.Server.Mode == "release" {
		logger, _ = zap.NewProduction()
	} else {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	// ── Database ───────────────────────────────────────
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}
	if cfg.Server.Mode == "debug" {
		gormCfg.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), gormCfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		log.Fatalf("Failed to auto-migrate: %v", err)
	}
	logger.Info("Database migrated successfully")

	if cfg.Admin.Email != "" && cfg.Admin.Password != "" {
		if err := handler.SeedAdmin(db, cfg.Admin.Email, cfg.Admin.Password); err != nil {
			log.Fatalf("Failed to seed admin user: %v", err)
		}
	}

	// ── Casbin ─────────────────────────────────────────
	enforcer, err := casbin.NewEnforcer("configs/rbac_model.conf", "configs/rbac_policy.csv")
	if err != nil {
		log.Fatalf("Failed to initialize Casbin: %v", err)
	}
	logger.Info("Casbin RBAC initialized")

	// ── Encryptor ──────────────────────────────────────
	enc, err := crypto.NewEncryptor(cfg.Crypto.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	// ── JWT Service ────────────────────────────────────
	jwtService, err := middleware.NewJWTService(&cfg.JWT)
	if err != nil {
		log.Fatalf("Failed to initialize JWT service: %v", err)
	}

	// ── Gin Router ─────────────────────────────────────
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(&cfg.CORS))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// ── Inbound mux listener ───────────────────────────
	// Separate from /api/v1: this is where peers dial *into* us.
	wsHandler := handler.NewWSHandler(cfg.Mux.Name, cfg.Mux.RequestTimeout, cfg.Mux.PolledCooldown, logger)
	r.GET("/ws", wsHandler.Serve)
	if cfg.Mux.CompatMode {
		r.GET("/ws/legacy", wsHandler.ServeLegacy)
		logger.Info("mux compat mode enabled: /ws/legacy accepting polled peers")
	}

	// ── API v1 routes ──────────────────────────────────
	v1 := r.Group("/api/v1")

	public := v1.Group("")

	protected := v1.Group("")
	protected.Use(middleware.JWTAuth(&cfg.JWT))

	adminHandler := handler.NewAdminHandler(db, jwtService)
	adminHandler.RegisterRoutes(public, protected)

	// ── Peer registry ──────────────────────────────────
	registry := peer.NewRegistry(cfg.Mux.Name, cfg.Mux.RequestTimeout, cfg.Mux.ReconnectBackoff, db, logger, enc)
	registry.OnDial = func(c *peer.Connection) { handler.RegisterHandlers(c) }

	// Initialize in background so slow/offline peers don't delay startup.
	go func() {
		initCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		registry.Initialize(initCtx)

		healthCtx := context.Background() // runs for process lifetime
		checker := peer.NewHealthChecker(registry, db, enc, cfg.Mux.HealthInterval, logger)
		go checker.Start(healthCtx)
	}()

	peerHandler := handler.NewPeerHandler(db, enc, registry)
	peers := protected.Group("/peers")
	{
		peers.GET("", middleware.RequirePermission(enforcer, "peers", "view"), peerHandler.List)
		peers.POST("", middleware.RequirePermission(enforcer, "peers", "manage"), peerHandler.Create)
		peers.DELETE("/:name", middleware.RequirePermission(enforcer, "peers", "manage"), peerHandler.Delete)
		peers.GET("/status", middleware.RequirePermission(enforcer, "peers", "view"), peerHandler.Status)
		peers.POST("/:name/connect", middleware.RequirePermission(enforcer, "peers", "manage"), peerHandler.Connect)
		peers.DELETE("/:name/connect", middleware.RequirePermission(enforcer, "peers", "manage"), peerHandler.Disconnect)
		peers.POST("/:name/request", middleware.RequirePermission(enforcer, "peers", "manage"), peerHandler.Request)
	}

	// ── Start Server ───────────────────────────────────
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Starting rtmuxd", zap.String("addr", addr), zap.String("mode", cfg.Server.Mode))

	if err := r.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
