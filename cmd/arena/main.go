// Command arena runs the WikiRace room-orchestration HTTP/WebSocket server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/andrewginns/wikirace-arena/internal/localtrace"
	"github.com/andrewginns/wikirace-arena/internal/v1/broadcast"
	"github.com/andrewginns/wikirace-arena/internal/v1/bus"
	"github.com/andrewginns/wikirace-arena/internal/v1/config"
	"github.com/andrewginns/wikirace-arena/internal/v1/graphdb"
	"github.com/andrewginns/wikirace-arena/internal/v1/health"
	"github.com/andrewginns/wikirace-arena/internal/v1/httpapi"
	"github.com/andrewginns/wikirace-arena/internal/v1/joinurl"
	"github.com/andrewginns/wikirace-arena/internal/v1/llmclient"
	"github.com/andrewginns/wikirace-arena/internal/v1/llmexec"
	"github.com/andrewginns/wikirace-arena/internal/v1/llmgateway"
	"github.com/andrewginns/wikirace-arena/internal/v1/logging"
	"github.com/andrewginns/wikirace-arena/internal/v1/middleware"
	"github.com/andrewginns/wikirace-arena/internal/v1/orchestrator"
	"github.com/andrewginns/wikirace-arena/internal/v1/ratelimit"
	"github.com/andrewginns/wikirace-arena/internal/v1/roomreg"
	"github.com/andrewginns/wikirace-arena/internal/v1/tracing"
	"github.com/andrewginns/wikirace-arena/internal/v1/wikiproxy"
)

const serviceName = "wikirace-arena"

func main() {
	// Load .env for local development. Try a few relative paths so the
	// binary works whether it's run from the repo root or cmd/arena.
	envPaths := []string{".env", "../../.env", "../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err) // logging isn't initialized yet; config errors are fatal at boot
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	ctx := context.Background()
	if !envLoaded {
		logging.Warn(ctx, "no .env file found in any expected location, relying on environment variables")
	}

	if collector := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collector != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, collector)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize tracer", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	graph, err := graphdb.Open(ctx, cfg.GraphDBPath)
	if err != nil {
		logging.Fatal(ctx, "failed to open article graph database", zap.Error(err))
	}
	defer graph.Close()

	var redisService *bus.Service
	if cfg.RedisEnabled {
		redisService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "redis enabled but connection failed", zap.Error(err))
		}
		defer redisService.Close()
	}

	reg := roomreg.New(graph)
	hub := broadcast.NewHub()

	proxyCfg := wikiproxy.DefaultConfig()
	proxyCfg.MaxEntries = cfg.WikiCacheMaxEntries
	proxyCfg.TTL = time.Duration(cfg.WikiCacheTTLSeconds) * time.Second
	proxyCfg.ConnectTimeout = time.Duration(cfg.WikiFetchConnectTimeoutSeconds) * time.Second
	proxyCfg.TotalTimeout = time.Duration(cfg.WikiFetchTimeoutSeconds) * time.Second
	proxyCfg.MaxConnections = cfg.WikiHTTPMaxConnections
	proxy := wikiproxy.New(proxyCfg, graph, redisService)

	gatewayClient := llmclient.New(os.Getenv("LLM_API_KEY"), os.Getenv("LLM_API_BASE"))
	gateway := llmgateway.New(gatewayClient, cfg.MaxConcurrentLLMCalls)

	execManager := llmexec.New(reg, graph, gateway, hub, 0)
	orch := orchestrator.New(reg, graph, hub, execManager, cfg.MaxLLMRunsPerRoom)

	localTrace := localtrace.NewStore()

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisService.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	healthHandler := health.NewHandler(redisService, graph)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())
	engine.Use(otelgin.Middleware(serviceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg.AllowedOrigins)
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "X-Correlation-ID")
	engine.Use(cors.New(corsConfig))

	if rateLimiter != nil {
		engine.Use(rateLimiter.GlobalMiddleware())
	}

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/health", healthHandler.Health)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	server := &httpapi.Server{
		Orchestrator:                  orch,
		Reg:                           reg,
		Hub:                           hub,
		Graph:                         graph,
		Gateway:                       gateway,
		Proxy:                         proxy,
		RateLimiter:                   rateLimiter,
		LocalTrace:                    localTrace,
		LLMExecGraph:                  graph,
		LLMExecGateway:                gateway,
		JoinURLBuilder:                joinurl.Build,
		MaxLLMChooseLinkTries:         0,
		ResolveArticleCacheTTLSeconds: cfg.ResolveArticleCacheTTLSeconds,
		WikiCacheTTLSeconds:           cfg.WikiCacheTTLSeconds,
	}
	server.Register(engine)

	reapCtx, cancelReap := context.WithCancel(ctx)
	defer cancelReap()
	go reg.IdleReap(reapCtx,
		time.Duration(cfg.RoomTTLSeconds)*time.Second,
		time.Duration(cfg.RoomCleanupIntervalSeconds)*time.Second,
	)
	go localTrace.Run(reapCtx,
		time.Duration(cfg.LocalRunTTLSeconds)*time.Second,
		time.Duration(cfg.LocalRunCleanupIntervalSeconds)*time.Second,
	)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		logging.Info(ctx, "arena server starting", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down arena server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	logging.Info(ctx, "arena server exiting")
}

// allowedOrigins splits a comma-separated ALLOWED_ORIGINS value, falling
// back to the local dev frontend if unset.
func allowedOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
