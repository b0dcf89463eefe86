package main

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/embedplan/embedplan/config/logger"
	postgresConfig "github.com/embedplan/embedplan/config/storage/postgresql"
	redisConfig "github.com/embedplan/embedplan/config/storage/redis"
	config "github.com/embedplan/embedplan/config/utils"
	"github.com/embedplan/embedplan/internal/adapter/monitoring/prometheus"
	"github.com/embedplan/embedplan/internal/adapter/oracle/synthetic"
	"github.com/embedplan/embedplan/internal/adapter/storage/postgres"
	redisAdapter "github.com/embedplan/embedplan/internal/adapter/storage/redis"
	"github.com/embedplan/embedplan/internal/core/domain"
	"github.com/embedplan/embedplan/internal/core/service"
	"go.uber.org/zap"
)

func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	ctx := context.Background()

	log.Info("Starting Verification...")

	// 2. Test Postgres
	log.Info("--- Testing Postgres ---")
	dbService, err := postgresConfig.New(ctx, appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to DB", zap.Error(err))
	}
	if err := dbService.Migrate(); err != nil {
		log.Fatal("Failed to migrate DB", zap.Error(err))
	}
	archive := postgres.NewResultArchive(dbService, log)

	// 3. Test Redis
	log.Info("--- Testing Redis ---")
	cache, err := redisConfig.New(ctx, appConfig.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	uploads := redisAdapter.NewUploadStore(cache.Client, log)
	lease := redisAdapter.NewLeaseCoordinator(cache.Raw, log)

	currentImg := make([]byte, 128)
	goalImg := make([]byte, 128)
	rand.Read(currentImg)
	rand.Read(goalImg)

	currentID, err := uploads.Put(ctx, currentImg)
	if err != nil {
		log.Fatal("X Redis: Upload Failed", zap.Error(err))
	}
	goalID, err := uploads.Put(ctx, goalImg)
	if err != nil {
		log.Fatal("X Redis: Upload Failed", zap.Error(err))
	}
	log.Info("✓ Redis: Uploads Success", zap.String("current", currentID), zap.String("goal", goalID))

	// 4. Run one full synthetic planning task end to end
	log.Info("--- Testing Planning Pipeline ---")
	oracles := synthetic.NewProvider(appConfig.Oracle.EmbeddingDim, appConfig.Oracle.Noise, log)
	registry := service.NewRegistry(appConfig.Planner.MaxTasks, appConfig.Planner.TaskTTL, log)
	hub := service.NewHub(log)
	driver := service.NewDriver(registry, hub, uploads, oracles, service.DriverOptions{
		Archive:  archive,
		Lease:    lease,
		LeaseTTL: appConfig.Planner.LeaseTTL,
	}, log)

	taskID, err := driver.StartTask(ctx, domain.PlanRequest{
		Kind:         domain.TaskKindSingleStep,
		CurrentImage: currentID,
		GoalImage:    goalID,
		Model:        appConfig.Oracle.DefaultModel,
		Samples:      100,
		Iterations:   5,
	})
	if err != nil {
		log.Fatal("X Pipeline: StartTask Failed", zap.Error(err))
	}

	// The synthetic oracle is fast, so the stream may already be closed by
	// the time we attach; polling covers that case.
	if events, cancel, ok := driver.Subscribe(taskID); ok {
		defer cancel()
		deadline := time.After(30 * time.Second)
		for done := false; !done; {
			select {
			case ev, open := <-events:
				if !open {
					done = true
					break
				}
				if ev.Type == domain.EventError || ev.Type == domain.EventCancelled {
					log.Error("X Pipeline: Task did not complete", zap.String("type", string(ev.Type)), zap.String("error", ev.Message))
				}
			case <-deadline:
				log.Fatal("X Pipeline: Timed out waiting for task")
			}
		}
	}

	// Archival happens after the terminal event, so wait for the worker to
	// fully finish before checking outcomes.
	driver.Wait()

	task, err := driver.GetTask(taskID)
	if err != nil {
		log.Fatal("X Pipeline: GetTask Failed", zap.Error(err))
	}
	if task.Status == domain.TaskStatusCompleted && task.Result != nil {
		log.Info("✓ Pipeline: Task Completed",
			zap.Float64("energy", task.Result.Energy),
			zap.Float64("confidence", task.Result.Confidence))
	} else {
		log.Error("X Pipeline: Task did not complete", zap.String("status", string(task.Status)), zap.String("error", task.Error))
	}

	// 5. Check the archive round trip
	if archived, err := archive.GetByID(ctx, taskID); err != nil {
		log.Error("X Postgres: Archive Fetch Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Archive Fetch Success", zap.String("status", string(archived.Status)))
	}

	// 6. Test Prometheus
	log.Info("--- Testing Prometheus ---")
	promClient := prometheus.NewMonitoringService(appConfig.AMQP.PrometheusURL, appConfig.AMQP.HostInstance, log)
	cpu, mem, err := promClient.GetHostMetrics(ctx)
	if err != nil {
		log.Warn("! Prometheus: Query Failed (Expected if bad connection or no data)", zap.Error(err))
	} else {
		log.Info("✓ Prometheus: Query Success", zap.Float64("CPU", cpu), zap.Float64("Mem", mem))
	}

	log.Info("Verification Complete.")
}
