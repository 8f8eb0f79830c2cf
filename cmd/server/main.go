package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/server"
	"github.com/mikeboe/deep-research/pkg/splitter"
	"github.com/mikeboe/deep-research/pkg/streaming"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			slog.Error("Failed to load config file", "error", err)
			os.Exit(1)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := clients.NewResearchEngine(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize research engine", "error", err)
		os.Exit(1)
	}

	hub := streaming.NewHub(streaming.DefaultCapacity)
	var store server.JobStore = server.NewMemoryJobStore()
	var findings *server.FindingsArchive

	// Database Connection
	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.InitSchema(ctx); err != nil {
			slog.Error("Failed to initialize schema", "error", err)
			os.Exit(1)
		}
		store = database.NewJobRepository(db)

		findings, err = newFindingsArchive(ctx, cfg, db)
		if err != nil {
			slog.Error("Failed to initialize findings archive", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("DATABASE_URL not set; jobs are kept in memory and findings search is disabled")
	}

	svc := server.NewService(store, engine, hub)
	svc.Logger = logger
	svc.Findings = findings

	if cfg.RedisURL != "" {
		rdb, err := streaming.Connect(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		svc.Archive = streaming.NewRedisArchive(rdb, cfg.EventMaxLen, cfg.EventTTL)
	}

	handler := server.NewHandler(svc)

	// Web Server Setup
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS Setup
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Last-Event-ID", "Mcp-Session-Id", "Mcp-Protocol-Version"},
		ExposeHeaders:    []string{"Content-Length", "X-Research-Id", "Mcp-Session-Id"},
		AllowCredentials: false,
	}))

	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Server starting", "port", cfg.Port, "search_provider", cfg.SearchProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("Research jobs did not stop in time", "error", err)
	}
}

func newFindingsArchive(ctx context.Context, cfg *config.Config, db *database.PostgresDB) (*server.FindingsArchive, error) {
	if err := db.EnsureVectorExtension(ctx); err != nil {
		return nil, err
	}
	if err := db.CreateFindingsTable(ctx, cfg.CollectionName, cfg.EmbeddingDimensions); err != nil {
		return nil, err
	}
	store, err := vectorstore.NewPGVectorStore(db.Pool, cfg.CollectionName)
	if err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey, cfg.EmbeddingDimensions)
	if err != nil {
		return nil, err
	}
	return server.NewFindingsArchive(
		splitter.NewRecursiveCharacterTextSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		embedder,
		store,
	), nil
}
