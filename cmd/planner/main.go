package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/embedplan/embedplan/config/logger"
	postgresConfig "github.com/embedplan/embedplan/config/storage/postgresql"
	redisConfig "github.com/embedplan/embedplan/config/storage/redis"
	config "github.com/embedplan/embedplan/config/utils"
	"github.com/embedplan/embedplan/internal/adapter/monitoring/prometheus"
	"github.com/embedplan/embedplan/internal/adapter/oracle/synthetic"
	"github.com/embedplan/embedplan/internal/adapter/queue/rabbitmq"
	"github.com/embedplan/embedplan/internal/adapter/storage/postgres"
	redisAdapter "github.com/embedplan/embedplan/internal/adapter/storage/redis"
	"github.com/embedplan/embedplan/internal/core/domain"
	"github.com/embedplan/embedplan/internal/core/service"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// _shutdownPeriod is time to wait for in-flight optimizations to observe
// cancellation before the process exits
const _shutdownPeriod = 10 * time.Second

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// .env is optional; container deployments inject real env vars
	godotenv.Load()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	zap.L().Debug("Logger Builded successfully")

	log = log.With(zap.String("service", "planner"))
	log.Info("Starting the planning engine",
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env),
		zap.String("owner", appConfig.App.Owner))

	// 2. Init database service
	dbService, err := postgresConfig.New(rootCtx, appConfig.DB, log.Named("DB"))
	if err != nil {
		log.Error("Error initializing database connection", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Successfully connected to the database", zap.String("db", appConfig.DB.Connection))

	if err := dbService.Migrate(); err != nil {
		log.Error("Error migrating database", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Successfully migrated the database")

	archive := postgres.NewResultArchive(dbService, log)

	// 3. Init cache service
	cache, err := redisConfig.New(rootCtx, appConfig.Redis)
	if err != nil {
		log.Error("Error initializing cache connection", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Successfully connected to the cache server", zap.String("address", appConfig.Redis.Addr))

	uploads := redisAdapter.NewUploadStore(cache.Client, log)
	lease := redisAdapter.NewLeaseCoordinator(cache.Raw, log)

	// 4. Init message broker
	queueService, err := rabbitmq.NewQueueService(appConfig.AMQP.URL, log)
	if err != nil {
		log.Error("Error initializing broker connection", zap.Error(err))
		os.Exit(1)
	}

	// 5. Init oracle & monitoring
	oracles := synthetic.NewProvider(appConfig.Oracle.EmbeddingDim, appConfig.Oracle.Noise, log)
	monitor := prometheus.NewMonitoringService(appConfig.AMQP.PrometheusURL, appConfig.AMQP.HostInstance, log)

	// 6. Wire the planning core
	registry := service.NewRegistry(appConfig.Planner.MaxTasks, appConfig.Planner.TaskTTL, log)
	hub := service.NewHub(log)
	driver := service.NewDriver(registry, hub, uploads, oracles, service.DriverOptions{
		Archive:  archive,
		Queue:    queueService,
		Lease:    lease,
		Monitor:  monitor,
		LeaseTTL: appConfig.Planner.LeaseTTL,
	}, log)

	// 7. Consume planning requests from the broker
	err = queueService.ConsumeRequests(rootCtx, func(req domain.PlanRequest) error {
		if req.Model == "" {
			req.Model = appConfig.Oracle.DefaultModel
		}
		if req.Samples <= 0 {
			req.Samples = appConfig.Planner.DefaultSamples
		}
		if req.Iterations <= 0 {
			req.Iterations = appConfig.Planner.DefaultIterations
		}
		if req.Kind == domain.TaskKindTrajectory && req.Steps <= 0 {
			req.Steps = appConfig.Planner.DefaultSteps
		}
		_, err := driver.StartTask(rootCtx, req)
		return err
	})
	if err != nil {
		log.Error("Error starting request consumer", zap.Error(err))
		os.Exit(1)
	}

	go driver.StartHeartbeat(rootCtx, appConfig.Planner.Heartbeat)

	log.Info("Planning engine started. Waiting for requests...")

	// 8. Wait for shutdown
	<-rootCtx.Done()
	log.Info("Shutting down...")

	done := make(chan struct{})
	go func() {
		driver.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(_shutdownPeriod):
		log.Warn("Shutdown period elapsed with tasks still in flight")
	}

	dbService.Close()

	log.Info("Graceful shutdown complete.")
}
