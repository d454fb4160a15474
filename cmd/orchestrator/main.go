// cmd/orchestrator/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "media-pipeline/internal/api/http"
	"media-pipeline/internal/breaker"
	"media-pipeline/internal/config"
	"media-pipeline/internal/domain"
	etcd_infra "media-pipeline/internal/infra/etcd"
	http_infra "media-pipeline/internal/infra/http"
	redis_infra "media-pipeline/internal/infra/redis"
	"media-pipeline/internal/tracing"
	"media-pipeline/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // For local dev, allow all origins
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	// 1. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("media-pipeline-orchestrator")
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	nodeID := uuid.New().String()
	logger.Info("starting pipeline orchestrator", "node_id", nodeID)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Setup graceful shutdown
	setupGracefulShutdown(logger, cancel)

	// 5. Build the job store and submit locker
	var (
		store  domain.JobStore
		locker domain.Locker
	)
	switch cfg.StoreBackend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer redisClient.Close()
		store = redis_infra.NewJobStore(redisClient, cfg.JobTTL, logger)
		logger.Info("using redis job store", "addr", cfg.RedisAddr)
	default:
		etcdClient, err := etcd_infra.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		store = etcd_infra.NewJobStore(etcdClient, cfg.JobTTL, logger)
		locker = etcd_infra.NewLocker(etcdClient)
		logger.Info("using etcd job store", "endpoints", cfg.EtcdEndpoints)
	}

	// 6. One circuit breaker and one resilient client per downstream service
	breakerSettings := breaker.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		ProbeBudget:      cfg.BreakerProbeBudget,
	}
	retrySettings := http_infra.RetrySettings{
		MaxAttempts:    cfg.RetryMaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		JitterFraction: cfg.RetryJitterFraction,
		RequestTimeout: cfg.StageRequestTimeout,
	}
	endpoints := map[domain.Stage]string{
		domain.StageFetch:     cfg.FetchServiceURL,
		domain.StageTransform: cfg.TransformServiceURL,
		domain.StageExtract:   cfg.ExtractServiceURL,
	}

	services := make(map[domain.Stage]domain.StageService, len(endpoints))
	stages := make([]usecase.PipelineStage, 0, len(endpoints))
	for _, stage := range domain.Stages() {
		br := breaker.New(string(stage), breakerSettings, logger)
		client := http_infra.NewStageClient(string(stage), endpoints[stage], br, retrySettings, logger)
		services[stage] = client
		stages = append(stages, usecase.PipelineStage{Name: stage, Service: client})
	}

	// 7. Coordinator, polling supervisor and submission service
	poller := usecase.NewPollSupervisor(usecase.PollSettings{
		InitialInterval: cfg.PollInitialInterval,
		MaxInterval:     cfg.PollMaxInterval,
		RampAttempts:    cfg.PollRampAttempts,
		Timeout:         cfg.PollTimeout,
	}, logger)
	coordinator := usecase.NewCoordinator(store, stages, poller, logger)
	pipelineService := usecase.NewPipelineService(rootCtx, store, locker, coordinator, cfg.JobTTL, cfg.MaxConcurrentJobs, logger)

	// 8. Liveness monitor for operational dashboards (never feeds breakers)
	monitor, err := usecase.NewLivenessMonitor(cfg.LivenessSchedule, services, logger)
	if err != nil {
		log.Fatalf("Failed to create liveness monitor: %v", err)
	}
	go monitor.Start(rootCtx)

	// 9. Register routes and metrics endpoint
	jobHandler := http_api.NewJobHandler(pipelineService, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	jobHandler.RegisterRoutes(mux)

	// 10. Start HTTP API server with CORS middleware
	logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: corsMiddleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 11. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down orchestrator gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("HTTP server shutdown failed: %v", err)
	}

	logger.Info("orchestrator shut down")
}

func setupGracefulShutdown(logger *slog.Logger, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
