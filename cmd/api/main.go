package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/api/handlers"
	"github.com/equipkb/backend/internal/cache/redis"
	"github.com/equipkb/backend/internal/cascade"
	"github.com/equipkb/backend/internal/enrichment"
	"github.com/equipkb/backend/internal/family"
	"github.com/equipkb/backend/internal/gap"
	neo4jclient "github.com/equipkb/backend/internal/graph/neo4j"
	"github.com/equipkb/backend/internal/llm"
	"github.com/equipkb/backend/internal/metrics"
	"github.com/equipkb/backend/internal/middleware/ratelimit"
	"github.com/equipkb/backend/internal/middleware/security"
	"github.com/equipkb/backend/internal/middleware/validation"
	"github.com/equipkb/backend/internal/router"
	"github.com/equipkb/backend/internal/search/web"
	"github.com/equipkb/backend/internal/storage/sqlite"
	"github.com/equipkb/backend/internal/vector/milvus"
	"github.com/equipkb/backend/pkg/config"
	appLogger "github.com/equipkb/backend/pkg/logger"
	"github.com/equipkb/backend/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting equipment knowledge base API server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	neo4jClient, err := neo4jclient.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	webClient := web.NewClient(cfg.Search.SerpAPIKey, cfg.Search.MaxResults, cfg.Search.TimeoutSec)

	researcher := cascade.New(
		&cascade.WebSearcher{Web: webClient, LLM: llmClient},
		&cascade.LLMValidator{LLM: llmClient, HighCap: cfg.Confidence.High},
		sqliteClient,
		redisClient,
		cascade.Policy{
			HighThreshold:        cfg.Confidence.High,
			ProvisionalThreshold: cfg.Confidence.Provisional,
			TierTimeouts: map[cascade.Tier]time.Duration{
				cascade.Tier1: time.Duration(cfg.Cascade.Tier1TimeoutSec) * time.Second,
				cascade.Tier2: time.Duration(cfg.Cascade.Tier2TimeoutSec) * time.Second,
				cascade.Tier3: time.Duration(cfg.Cascade.Tier3TimeoutSec) * time.Second,
			},
			ResultTTL: cfg.ResultTTL(),
		},
	)

	boosted := make(map[string]struct{}, len(cfg.Priority.BoostedVendors))
	for _, vendor := range cfg.Priority.BoostedVendors {
		boosted[vendor] = struct{}{}
	}
	detector := gap.NewDetector(sqliteClient, gap.Policy{
		VendorBoost:    cfg.Priority.VendorBoost,
		BoostedVendors: boosted,
		EnqueueFloor:   cfg.Priority.EnqueueFloor,
	})

	discoverer := family.NewDiscoverer(llmClient, neo4jClient, sqliteClient,
		time.Duration(cfg.Workers.FamilyTimeoutSec)*time.Second)

	engine := router.NewEngine(
		sqliteClient,
		milvusClient,
		llmClient,
		redisClient,
		llmClient,
		detector,
		router.Thresholds{
			High:        cfg.Confidence.High,
			Provisional: cfg.Confidence.Provisional,
			Clarify:     cfg.Confidence.Clarify,
			MinMatch:    cfg.Confidence.MinMatch,
		},
		cfg.Search.MaxResults,
		cfg.EmbeddingTTL(),
	)

	pool := enrichment.NewPool(sqliteClient, researcher, discoverer, llmClient, milvusClient,
		enrichment.Options{
			PoolSize:          cfg.Workers.PoolSize,
			PollInterval:      time.Duration(cfg.Workers.PollIntervalSec) * time.Second,
			HeartbeatInterval: cfg.HeartbeatInterval(),
			Staleness:         cfg.StalenessWindow(),
			MaxRetries:        cfg.Cascade.MaxRetries,
			RetryBackoff: retry.Config{
				InitialDelay: time.Duration(cfg.Cascade.RetryBaseSec) * time.Second,
				MaxDelay:     time.Duration(cfg.Cascade.RetryMaxSec) * time.Second,
				Multiplier:   2.0,
			},
		})

	poolCtx, stopPool := context.WithCancel(context.Background())
	pool.Start(poolCtx)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{Logger: appLogger.GetLogger()})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Technician-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	queryHandler := handlers.NewQueryHandler(engine)
	enrichmentHandler := handlers.NewEnrichmentHandler(sqliteClient, detector)
	curationHandler := handlers.NewCurationHandler(sqliteClient, redisClient, llmClient, milvusClient)
	familiesHandler := handlers.NewFamiliesHandler(neo4jClient, sqliteClient)
	workersHandler := handlers.NewWorkersHandler(sqliteClient, cfg.StalenessWindow())
	wsHandler := handlers.NewWebSocketHandler(sqliteClient)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)

	api.Get("/gaps", enrichmentHandler.ListGaps)
	api.Post("/research", enrichmentHandler.TriggerResearch)
	api.Post("/atoms/:id/promote", enrichmentHandler.PromoteAtom)
	api.Post("/atoms/:id/supersede", curationHandler.SupersedeAtom)
	api.Get("/jobs/:id", enrichmentHandler.GetJob)

	api.Get("/families", familiesHandler.GetFamilies)
	api.Get("/workers", workersHandler.GetWorkers)

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/enrichment", websocket.New(wsHandler.HandleConnection))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	stopPool()
	pool.Wait()
	app.Shutdown()
	appLogger.Info("Server stopped")
}
