// Package main is the msfailab backend entry point. One binary runs the
// container controllers, the per-track engines, and the WebSocket gateway
// over a shared event bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/common/httpmw"
	"github.com/msfailab/msfailab/internal/common/logger"
	"github.com/msfailab/msfailab/internal/container/controller"
	"github.com/msfailab/msfailab/internal/container/docker"
	"github.com/msfailab/msfailab/internal/container/ports"
	"github.com/msfailab/msfailab/internal/container/rpc"
	"github.com/msfailab/msfailab/internal/events"
	gateways "github.com/msfailab/msfailab/internal/gateway/websocket"
	"github.com/msfailab/msfailab/internal/llm"
	"github.com/msfailab/msfailab/internal/tools"
	"github.com/msfailab/msfailab/internal/track"
	"github.com/msfailab/msfailab/internal/track/store"
	"github.com/msfailab/msfailab/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "directory holding config.yaml")
	workspacePath := flag.String("workspace", "workspace.yaml", "workspace manifest file")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting msfailab backend...")

	manifest, err := workspace.Load(*workspacePath)
	if err != nil {
		log.Fatal("Failed to load workspace manifest", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	trackStore, err := store.NewStore(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open track store", zap.Error(err))
	}
	defer trackStore.Close()

	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Docker daemon unreachable", zap.Error(err))
	}

	allocator, err := ports.NewAllocator(cfg.Container.PortRangeStart, cfg.Container.PortRangeEnd)
	if err != nil {
		log.Fatal("Invalid RPC port range", zap.Error(err))
	}

	rpcClient := rpc.NewClient(log)
	manager := controller.NewManager(dockerClient, rpcClient, allocator, eventBus, cfg, log)

	var providers []llm.Provider
	if cfg.LLM.AnthropicAPIKey != "" {
		providers = append(providers, llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey, cfg.LLM.MaxTokens, log))
	}
	if cfg.LLM.OpenAIAPIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey, cfg.LLM.MaxTokens, log))
	}
	if len(providers) == 0 {
		log.Warn("No LLM API keys configured, chat turns will be rejected")
	}
	registry := llm.NewRegistry(cfg.LLM, log, providers...)

	toolRegistry := tools.NewRegistry()
	if cfg.Tools.RegistryPath != "" {
		if err := toolRegistry.LoadExtra(cfg.Tools.RegistryPath); err != nil {
			log.Fatal("Failed to load extra tool definitions", zap.Error(err))
		}
	}

	// Boot containers: adopt survivors from a previous run, start the rest.
	records := make([]controller.Record, 0)
	for _, ws := range manifest.Workspaces {
		for _, ctr := range ws.Containers {
			records = append(records, controller.Record{
				ID:            ctr.ID,
				WorkspaceID:   ws.ID,
				WorkspaceSlug: ws.Slug,
				Slug:          ctr.Slug,
				Name:          ctr.Name,
				Image:         ctr.Image,
			})
		}
	}
	manager.AdoptOrStart(ctx, records)

	// One engine per track. Consoles are registered up front so the
	// controller opens them as soon as its container is ready.
	var engines []*track.Engine
	for _, ws := range manifest.Workspaces {
		for _, ctr := range ws.Containers {
			ctrl, ok := manager.Get(ctr.ID)
			if !ok {
				log.Fatal("Controller missing after boot", zap.Int64("container_id", ctr.ID))
			}
			for _, tr := range ctr.Tracks {
				ctrl.RegisterConsole(tr.ID)
				engine, err := track.Start(ctx, track.Options{
					WorkspaceID: ws.ID,
					TrackID:     tr.ID,
					ContainerID: ctr.ID,
					Store:       trackStore,
					Bus:         eventBus,
					LLM:         registry,
					Controller:  ctrl,
					Tools:       toolRegistry,
					Config:      cfg.Tools,
					Logger:      log.WithTrackID(tr.ID),
				})
				if err != nil {
					log.Fatal("Failed to start track engine",
						zap.Int64("track_id", tr.ID), zap.Error(err))
				}
				engines = append(engines, engine)
			}
		}
	}
	log.Info("Track engines started", zap.Int("count", len(engines)))

	gateway := gateways.NewGateway(eventBus, log)
	go gateway.Hub.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "msfailab"))
	router.Use(corsMiddleware())
	gateway.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Shutdown signal received", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", zap.Error(err))
		}
		for _, engine := range engines {
			engine.Stop(shutdownCtx)
		}
		manager.StopAll(shutdownCtx)
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", zap.Error(err))
	}
	log.Info("msfailab backend stopped")
}

// corsMiddleware allows the UI to reach the HTTP and WebSocket endpoints
// from another origin during development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
