package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cpjudge/internal/common/cache"
	"cpjudge/internal/common/db"
	commonmw "cpjudge/internal/common/http/middleware"
	"cpjudge/internal/judge/contentclient"
	"cpjudge/internal/judge/controller"
	"cpjudge/internal/judge/language"
	"cpjudge/internal/judge/repository"
	"cpjudge/internal/judge/sandbox/engine"
	"cpjudge/internal/judge/sandbox/runner"
	"cpjudge/internal/judge/service"
	"cpjudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/tester_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	pgDB, err := db.NewPostgreSQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = pgDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	contentClient, err := contentclient.NewClient(appCfg.Content)
	if err != nil {
		logger.Error(context.Background(), "init content client failed", zap.Error(err))
		return
	}

	registry, err := language.Load(appCfg.Languages.Path)
	if err != nil {
		logger.Error(context.Background(), "load languages config failed", zap.Error(err))
		return
	}

	eng, err := engine.NewDockerEngine(appCfg.Docker.Host)
	if err != nil {
		logger.Error(context.Background(), "init docker engine failed", zap.Error(err))
		return
	}
	if err := eng.WaitReady(context.Background(), appCfg.Docker.ReadyTimeout, appCfg.Docker.ReadyInterval); err != nil {
		logger.Error(context.Background(), "docker daemon not ready", zap.Error(err))
		return
	}

	jobRunner, err := runner.NewRunner(eng, registry, appCfg.Judge.WorkRoot)
	if err != nil {
		logger.Error(context.Background(), "init sandbox runner failed", zap.Error(err))
		return
	}
	if appCfg.Docker.PrePull {
		// Best effort; a failed pull only delays the first judging job.
		go jobRunner.PrePullImages(context.Background())
	}

	solutionRepo := repository.NewSolutionRepository(db.NewStaticProvider(pgDB), redisCache)
	judgeSvc, err := service.NewService(service.Config{
		Repository:   solutionRepo,
		Content:      contentClient,
		Runner:       jobRunner,
		Registry:     registry,
		Workers:      appCfg.Judge.Workers,
		QueueSize:    appCfg.Judge.QueueSize,
		JudgeTimeout: appCfg.Judge.Timeout,
	})
	if err != nil {
		logger.Error(context.Background(), "init judge service failed", zap.Error(err))
		return
	}

	verifier := commonmw.NewKeycloakVerifier(appCfg.Keycloak.IssuerURL, appCfg.Keycloak.Timeout)
	httpServer := buildHTTPServer(appCfg.Server, judgeSvc, verifier, pgDB, redisCache, eng)

	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "tester http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	if err := judgeSvc.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "judge workers shutdown failed", zap.Error(err))
	}
}

func buildHTTPServer(cfg ServerConfig, judgeSvc *service.Service, verifier commonmw.TokenVerifier, pgDB db.Database, redisCache cache.Cache, eng *engine.DockerEngine) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	solutionController := controller.NewSolutionController(judgeSvc)
	solutionController.RegisterRoutes(router, commonmw.BearerAuth(verifier))
	router.GET("/healthz", healthHandler(pgDB, redisCache, eng))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// healthHandler reports reachability of each dependency. The endpoint is
// 503 when any dependency fails, for use as a container health check.
func healthHandler(pgDB db.Database, redisCache cache.Cache, eng *engine.DockerEngine) gin.HandlerFunc {
	type pinger struct {
		name string
		ping func(ctx context.Context) error
	}
	checks := []pinger{
		{"database", pgDB.Ping},
		{"redis", redisCache.Ping},
		{"docker", eng.Ping},
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		body := gin.H{}
		for _, check := range checks {
			if err := check.ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body[check.name] = err.Error()
				continue
			}
			body[check.name] = "ok"
		}

		stats := pgDB.Stats()
		body["database_pool"] = gin.H{
			"max_open": stats.MaxOpenConnections,
			"open":     stats.OpenConnections,
			"in_use":   stats.InUse,
			"idle":     stats.Idle,
			"waits":    stats.WaitCount,
		}
		c.JSON(status, body)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
