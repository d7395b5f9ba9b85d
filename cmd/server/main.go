package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tontinex/relance/internal/api"
	"github.com/tontinex/relance/internal/engine"
	"github.com/tontinex/relance/internal/repository"
	"github.com/tontinex/relance/internal/storage"
	"github.com/tontinex/relance/internal/whatsapp"
	"github.com/tontinex/relance/internal/ws"
	"github.com/tontinex/relance/pkg/cache"
	"github.com/tontinex/relance/pkg/config"
	"github.com/tontinex/relance/pkg/database"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed admin user
	if err := database.SeedAdmin(db, cfg); err != nil {
		log.Printf("Warning: Failed to seed admin: %v", err)
	}

	// Initialize storage (MinIO, campaign day media)
	var store *storage.Storage
	if cfg.MinioEndpoint != "" {
		store, err = storage.New(storage.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Printf("Warning: Failed to initialize storage: %v (media uploads disabled)", err)
		} else {
			log.Printf("✅ MinIO storage initialized at %s", cfg.MinioEndpoint)
		}
	}

	// Initialize repositories
	repos := repository.NewRepositories(db)

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize WhatsApp session pool
	pool, err := whatsapp.NewSessionPool(cfg, repos, hub)
	if err != nil {
		log.Fatalf("Failed to initialize WhatsApp session pool: %v", err)
	}

	// Reconnect sessions that survived the restart
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.LoadExistingSessions(ctx); err != nil {
		log.Printf("Warning: Failed to load existing sessions: %v", err)
	}

	// Initialize Redis cache (preview results)
	var redisCache *cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err = cache.New(cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: Failed to initialize Redis cache: %v (preview caching disabled)", err)
		} else {
			log.Printf("✅ Redis cache initialized")
		}
	}

	// Initialize the relance engine. A typed nil cache must not reach the
	// interface field, previews fall back to direct computation.
	var engineCache engine.Cache
	if redisCache != nil {
		engineCache = redisCache
	}
	eng := engine.NewEngine(engine.StoresFromRepositories(repos), pool, hub, engineCache, cfg)

	// Start the drip scheduler
	go eng.Start(ctx)

	// Initialize API server
	server := api.NewServer(cfg, repos, eng, hub, pool, store)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")

		// Stop the scheduler
		cancel()

		// Close all WhatsApp connections
		pool.Shutdown()

		if redisCache != nil {
			redisCache.Close()
		}

		if err := server.Shutdown(); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	log.Printf("🚀 Relance server starting on port %s", cfg.Port)
	if err := server.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
