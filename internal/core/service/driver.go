package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/embedplan/embedplan/internal/core/domain"
	"github.com/embedplan/embedplan/internal/core/port"
	"go.uber.org/zap"
)

// DriverOptions carries the optional collaborators and tuning for the task
// driver. Archive, Queue, Lease and Monitor may be nil; the driver degrades
// to in-process operation without them.
type DriverOptions struct {
	Archive  port.ResultArchive
	Queue    port.QueueService
	Lease    port.LeaseCoordinator
	Monitor  port.MonitoringService
	LeaseTTL time.Duration
	Rand     *rand.Rand
}

// Driver executes planning tasks. Each task runs on its own worker goroutine;
// progress flows back through the hub so subscriber code never executes on
// the worker. A new task supersedes every tracked execution system-wide: the
// embedding oracle is one shared resource, so older work is cancelled rather
// than queued behind.
type Driver struct {
	registry *Registry
	hub      *Hub
	uploads  port.UploadStore
	oracles  port.OracleProvider
	opts     DriverOptions
	log      *zap.Logger

	mu     sync.Mutex
	active map[string]*domain.CancelToken
	wg     sync.WaitGroup
}

func NewDriver(
	registry *Registry,
	hub *Hub,
	uploads port.UploadStore,
	oracles port.OracleProvider,
	opts DriverOptions,
	log *zap.Logger,
) *Driver {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	return &Driver{
		registry: registry,
		hub:      hub,
		uploads:  uploads,
		oracles:  oracles,
		opts:     opts,
		log:      log,
		active:   make(map[string]*domain.CancelToken),
	}
}

// StartTask registers a new task, supersedes all currently tracked
// executions and launches the worker. The returned id is immediately
// pollable via GetTask and subscribable via Subscribe.
func (d *Driver) StartTask(ctx context.Context, req domain.PlanRequest) (string, error) {
	if req.Kind == "" {
		req.Kind = domain.TaskKindSingleStep
	}
	if req.Kind == domain.TaskKindTrajectory && req.Steps <= 0 {
		return "", fmt.Errorf("trajectory request requires a positive step count")
	}
	if req.Samples <= 0 || req.Iterations <= 0 {
		return "", fmt.Errorf("request requires positive sample and iteration counts")
	}

	task := d.registry.Create(req)

	d.supersede(task.ID)

	d.hub.Open(task.ID)

	token, _ := d.registry.Token(task.ID)
	d.mu.Lock()
	d.active[task.ID] = token
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx, task.ID, req, token)

	d.log.Info("Planning task started",
		zap.String("task_id", task.ID),
		zap.String("kind", string(req.Kind)),
		zap.String("model", req.Model),
		zap.Int("samples", req.Samples),
		zap.Int("iterations", req.Iterations))

	return task.ID, nil
}

// GetTask returns a polling snapshot.
func (d *Driver) GetTask(id string) (domain.Task, error) {
	task, ok := d.registry.Get(id)
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return task, nil
}

// CancelTask requests cooperative cancellation of a running task.
func (d *Driver) CancelTask(id string) bool {
	return d.registry.Cancel(id)
}

// Subscribe attaches to a task's live event stream.
func (d *Driver) Subscribe(id string) (<-chan domain.Event, func(), bool) {
	return d.hub.Subscribe(id)
}

// Wait blocks until every in-flight worker has finished. Used on shutdown.
func (d *Driver) Wait() {
	d.wg.Wait()
}

// supersede signals cancellation to every tracked background execution.
// Running tasks flip to cancelled immediately; tasks still loading or
// encoding observe their token at the next phase boundary.
func (d *Driver) supersede(newID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.active) == 0 {
		return
	}
	d.log.Info("Superseding active tasks for new request",
		zap.Int("count", len(d.active)),
		zap.String("new_task_id", newID))
	for id, token := range d.active {
		token.Cancel()
		d.registry.Cancel(id)
		delete(d.active, id)
	}
}

func (d *Driver) run(ctx context.Context, id string, req domain.PlanRequest, token *domain.CancelToken) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.active, id)
		d.mu.Unlock()
	}()

	d.registry.MarkStarted(id)
	start := time.Now()

	terminal := d.execute(ctx, id, req, token, start)
	d.finish(ctx, id, terminal)
}

// execute walks the task through its phases and returns the terminal event.
func (d *Driver) execute(ctx context.Context, id string, req domain.PlanRequest, token *domain.CancelToken, start time.Time) domain.Event {
	totalIters := req.Iterations

	// Phase: loading_model.
	if ev, stop := d.advance(id, req, domain.TaskStatusLoadingModel, token); stop {
		return ev
	}
	d.emitPhase(id, req, domain.EventLoadingModel, domain.Progress{
		Status:          domain.TaskStatusLoadingModel,
		ModelLoading:    req.Model,
		TotalIterations: totalIters,
		TotalSteps:      req.Steps,
	})

	// Image resolution happens before any worker dispatch to the optimizer.
	currentImg, err := d.uploads.Get(ctx, req.CurrentImage)
	if err != nil {
		return d.failEvent(id, req, fmt.Errorf("%w: current image %q", domain.ErrImageResolution, req.CurrentImage))
	}
	goalImg, err := d.uploads.Get(ctx, req.GoalImage)
	if err != nil {
		return d.failEvent(id, req, fmt.Errorf("%w: goal image %q", domain.ErrImageResolution, req.GoalImage))
	}

	if d.opts.Lease != nil {
		if prev, err := d.opts.Lease.Acquire(ctx, id, d.opts.LeaseTTL); err != nil {
			d.log.Warn("Failed to record oracle lease", zap.String("task_id", id), zap.Error(err))
		} else if prev != "" && prev != id {
			d.log.Info("Took over oracle lease", zap.String("task_id", id), zap.String("previous_holder", prev))
		}
	}

	oracle, err := d.oracles.Acquire(ctx, req.Model)
	if err != nil {
		return d.failEvent(id, req, fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err))
	}

	// Phase: encoding. Images are encoded exactly once per task.
	if ev, stop := d.advance(id, req, domain.TaskStatusEncoding, token); stop {
		return ev
	}
	d.emitPhase(id, req, domain.EventEncoding, domain.Progress{
		Status:          domain.TaskStatusEncoding,
		TotalIterations: totalIters,
		TotalSteps:      req.Steps,
	})

	current, goal, err := oracle.Encode(ctx, currentImg, goalImg)
	if err != nil {
		return d.failEvent(id, req, fmt.Errorf("failed to encode images: %w", err))
	}
	current = current.Clone()
	goal = goal.Clone()

	// Phase: running.
	if ev, stop := d.advance(id, req, domain.TaskStatusRunning, token); stop {
		return ev
	}

	if req.Kind == domain.TaskKindTrajectory {
		return d.runTrajectory(ctx, id, req, token, oracle, current, goal, start)
	}
	return d.runSingleStep(ctx, id, req, token, oracle, current, goal, start)
}

func (d *Driver) runSingleStep(
	ctx context.Context,
	id string,
	req domain.PlanRequest,
	token *domain.CancelToken,
	oracle port.EmbeddingOracle,
	current, goal domain.Embedding,
	start time.Time,
) domain.Event {
	conditioned := oracle.Capability() == domain.CapabilityActionConditioned
	space := oracle.ActionSpace()

	var warmStart []float64
	if !conditioned {
		warmStart = WarmStartMean(space, current, goal)
	}

	score := func(actions [][]float64) ([]float64, error) {
		return oracle.Evaluate(ctx, current, goal, actions)
	}

	var history []float64
	onProgress := func(iter, total int, best float64, _ []float64) {
		history = append(history, round3(best))
		elapsed := time.Since(start).Seconds()
		eta := 0.0
		if iter > 0 {
			eta = elapsed / float64(iter) * float64(total-iter)
		}
		p := domain.Progress{
			Status:           domain.TaskStatusRunning,
			Iteration:        iter,
			TotalIterations:  total,
			BestEnergy:       round3(best),
			EnergyHistory:    append([]float64(nil), history...),
			SamplesEvaluated: iter * req.Samples,
			ElapsedSeconds:   round1(elapsed),
			ETASeconds:       round1(eta),
		}
		d.registry.SetProgress(id, p)
		d.hub.Publish(domain.Event{
			Type:     domain.EventProgress,
			TaskID:   id,
			Kind:     req.Kind,
			Progress: &p,
			At:       time.Now(),
		})
	}

	opt := NewCEMOptimizer(space, req.Samples, req.Iterations, d.opts.Rand, d.log)
	cemResult, err := opt.Run(token, warmStart, score, onProgress)
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			return d.cancelEvent(id, req)
		}
		return d.failEvent(id, req, err)
	}

	result := domain.Result{
		Action:             cemResult.Action,
		Energy:             cemResult.Energy,
		Confidence:         cemResult.Confidence,
		EnergyHistory:      cemResult.EnergyHistory,
		ActionConditioned:  conditioned,
		EnergyThreshold:    cemResult.EnergyThreshold,
		PassesThreshold:    cemResult.PassesThreshold,
		NormalizedDistance: cemResult.NormalizedDistance,
	}
	d.registry.Complete(id, result)

	d.log.Info("Planning completed",
		zap.String("task_id", id),
		zap.Float64("energy", result.Energy),
		zap.Float64("confidence", result.Confidence),
		zap.Int("samples_evaluated", cemResult.SamplesEvaluated))

	return domain.Event{
		Type:   domain.EventCompleted,
		TaskID: id,
		Kind:   req.Kind,
		Result: &result,
		At:     time.Now(),
	}
}

func (d *Driver) runTrajectory(
	ctx context.Context,
	id string,
	req domain.PlanRequest,
	token *domain.CancelToken,
	oracle port.EmbeddingOracle,
	current, goal domain.Embedding,
	start time.Time,
) domain.Event {
	controller := NewRolloutController(oracle, req.Samples, req.Iterations, d.opts.Rand, d.log)

	onProgress := func(step, totalSteps, iter, totalIters int, best float64, stepHistory []float64, completed []domain.TrajectoryStep) {
		elapsed := time.Since(start).Seconds()
		// ETA spans the whole trajectory: progress counts completed steps
		// plus the fraction of the current step.
		stepsDone := float64(step)
		if totalIters > 0 {
			stepsDone += float64(iter) / float64(totalIters)
		}
		eta := 0.0
		if stepsDone > 0 {
			eta = elapsed / stepsDone * (float64(totalSteps) - stepsDone)
		}
		p := domain.Progress{
			Status:           domain.TaskStatusRunning,
			Iteration:        iter,
			TotalIterations:  totalIters,
			BestEnergy:       round3(best),
			EnergyHistory:    stepHistory,
			SamplesEvaluated: iter * req.Samples,
			ElapsedSeconds:   round1(elapsed),
			ETASeconds:       round1(eta),
			CurrentStep:      step,
			TotalSteps:       totalSteps,
			StepsCompleted:   len(completed),
		}
		d.registry.SetProgress(id, p)
		d.hub.Publish(domain.Event{
			Type:     domain.EventTrajectoryProgress,
			TaskID:   id,
			Kind:     req.Kind,
			Progress: &p,
			At:       time.Now(),
		})
	}

	result, err := controller.Run(ctx, token, current, goal, req.Steps, onProgress)
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			return d.cancelEvent(id, req)
		}
		return d.failEvent(id, req, err)
	}

	d.registry.CompleteTrajectory(id, *result)

	d.log.Info("Trajectory planning completed",
		zap.String("task_id", id),
		zap.Int("steps", len(result.Steps)),
		zap.Float64("avg_energy", result.AvgEnergy),
		zap.Float64("total_progress", result.TotalProgress),
		zap.String("energy_trend", string(result.EnergyTrend)))

	return domain.Event{
		Type:       domain.EventTrajectoryCompleted,
		TaskID:     id,
		Kind:       req.Kind,
		Trajectory: result,
		At:         time.Now(),
	}
}

// advance moves the task forward unless its token already fired, in which
// case the cancelled terminal event is produced instead.
func (d *Driver) advance(id string, req domain.PlanRequest, status domain.TaskStatus, token *domain.CancelToken) (domain.Event, bool) {
	if token.Cancelled() {
		return d.cancelEvent(id, req), true
	}
	d.registry.SetStatus(id, status)
	return domain.Event{}, false
}

func (d *Driver) emitPhase(id string, req domain.PlanRequest, evType domain.EventType, p domain.Progress) {
	d.registry.SetProgress(id, p)
	d.hub.Publish(domain.Event{
		Type:     evType,
		TaskID:   id,
		Kind:     req.Kind,
		Progress: &p,
		At:       time.Now(),
	})
}

func (d *Driver) cancelEvent(id string, req domain.PlanRequest) domain.Event {
	d.registry.MarkCancelled(id)
	d.log.Info("Task observed cancellation", zap.String("task_id", id))
	return domain.Event{
		Type:   domain.EventCancelled,
		TaskID: id,
		Kind:   req.Kind,
		At:     time.Now(),
	}
}

func (d *Driver) failEvent(id string, req domain.PlanRequest, err error) domain.Event {
	msg := err.Error()
	d.registry.Fail(id, msg)
	d.log.Error("Task failed", zap.String("task_id", id), zap.Error(err))
	return domain.Event{
		Type:    domain.EventError,
		TaskID:  id,
		Kind:    req.Kind,
		Message: msg,
		At:      time.Now(),
	}
}

// finish publishes the terminal event, releases the lease and archives the
// final record. Archive and broker failures are logged, never propagated:
// the task outcome is already committed to the registry.
func (d *Driver) finish(ctx context.Context, id string, terminal domain.Event) {
	d.hub.Publish(terminal)

	if d.opts.Lease != nil {
		if err := d.opts.Lease.Release(ctx, id); err != nil {
			d.log.Warn("Failed to release oracle lease", zap.String("task_id", id), zap.Error(err))
		}
	}

	if d.opts.Queue != nil {
		if err := d.opts.Queue.PublishEvent(ctx, terminal); err != nil {
			d.log.Warn("Failed to publish terminal event", zap.String("task_id", id), zap.Error(err))
		}
	}

	if d.opts.Archive != nil {
		if task, ok := d.registry.Get(id); ok {
			if err := d.opts.Archive.Save(ctx, &task); err != nil {
				d.log.Warn("Failed to archive task result", zap.String("task_id", id), zap.Error(err))
			}
		}
	}
}

// StartHeartbeat logs a periodic liveness line with the active task count and
// oracle-host utilization. Blocks until ctx is done.
func (d *Driver) StartHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Stopping heartbeat loop")
			return
		case <-ticker.C:
			d.mu.Lock()
			active := len(d.active)
			d.mu.Unlock()

			fields := []zap.Field{
				zap.Int("active_tasks", active),
				zap.Int("tracked_tasks", d.registry.Len()),
			}
			if d.opts.Monitor != nil {
				if cpu, mem, err := d.opts.Monitor.GetHostMetrics(ctx); err == nil {
					fields = append(fields, zap.Float64("oracle_cpu_pct", cpu), zap.Float64("oracle_mem_mb", mem))
				}
			}
			d.log.Info("Planner heartbeat", fields...)
		}
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
