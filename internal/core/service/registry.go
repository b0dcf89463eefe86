package service

import (
	"sort"
	"sync"
	"time"

	"github.com/embedplan/embedplan/internal/core/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry default bounds, tuned for a demo host holding one loaded model.
const (
	DefaultMaxTasks = 100
	DefaultTaskTTL  = time.Hour
)

// Registry is the task lifecycle manager. It owns the task records, assigns
// identities, enforces bounded memory and provides the only legal mutation
// points for status and cancellation.
type Registry struct {
	mu       sync.Mutex
	tasks    map[string]*domain.Task
	order    []string // insertion order
	maxTasks int
	ttl      time.Duration
	now      func() time.Time
	log      *zap.Logger
}

func NewRegistry(maxTasks int, ttl time.Duration, log *zap.Logger) *Registry {
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	if ttl <= 0 {
		ttl = DefaultTaskTTL
	}
	return &Registry{
		tasks:    make(map[string]*domain.Task),
		maxTasks: maxTasks,
		ttl:      ttl,
		now:      time.Now,
		log:      log,
	}
}

// Create allocates a new queued task. Eviction runs first so the registry
// never grows past its bound because of stale terminal records.
func (r *Registry) Create(req domain.PlanRequest) domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked()

	task := &domain.Task{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Request:   req,
		Status:    domain.TaskStatusQueued,
		CreatedAt: r.now(),
		Cancel:    domain.NewCancelToken(),
	}
	r.tasks[task.ID] = task
	r.order = append(r.order, task.ID)
	return task.Snapshot()
}

// Get returns a snapshot of the task, or false if unknown or evicted.
func (r *Registry) Get(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return task.Snapshot(), true
}

// Cancel requests cancellation of a running task. It succeeds only while the
// task is running; queued and terminal tasks are left untouched and false is
// returned.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || task.Status != domain.TaskStatusRunning {
		return false
	}
	task.Cancel.Cancel()
	task.Status = domain.TaskStatusCancelled
	r.log.Info("Task cancelled", zap.String("task_id", id))
	return true
}

// Token exposes the cancellation token so the driver can poll it and the
// supersession path can fire it for tasks that have not reached running yet.
func (r *Registry) Token(id string) (*domain.CancelToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Cancel, true
}

// MarkStarted records the execution start time used by TTL eviction.
func (r *Registry) MarkStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[id]; ok {
		task.StartedAt = r.now()
	}
}

// SetStatus advances a non-terminal task along the forward-only state
// machine. Transitions that would move backwards or out of a terminal state
// are ignored, which keeps the "at most one terminal state" invariant even if
// cancellation races the driver.
func (r *Registry) SetStatus(id string, status domain.TaskStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || !task.Status.CanTransition(status) {
		return false
	}
	task.Status = status
	return true
}

// SetProgress stores the latest progress snapshot. Progress mutation stops
// once the task is terminal, so a cancelled task never gains late updates
// from a worker that has not yet observed its token.
func (r *Registry) SetProgress(id string, p domain.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		return
	}
	task.Progress = &p
}

// Complete records the single-step result and moves the task to completed.
func (r *Registry) Complete(id string, result domain.Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || !task.Status.CanTransition(domain.TaskStatusCompleted) {
		return false
	}
	task.Result = &result
	task.Status = domain.TaskStatusCompleted
	return true
}

// CompleteTrajectory records the trajectory result and moves the task to
// completed.
func (r *Registry) CompleteTrajectory(id string, result domain.TrajectoryResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || !task.Status.CanTransition(domain.TaskStatusCompleted) {
		return false
	}
	task.Trajectory = &result
	task.Status = domain.TaskStatusCompleted
	return true
}

// Fail moves the task to failed with a human-readable error string.
func (r *Registry) Fail(id string, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || !task.Status.CanTransition(domain.TaskStatusFailed) {
		return false
	}
	task.Error = msg
	task.Status = domain.TaskStatusFailed
	return true
}

// MarkCancelled is the driver-side transition for a task whose token fired
// before it reached running (supersession during load/encode). Public Cancel
// covers the running case.
func (r *Registry) MarkCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		return false
	}
	task.Status = domain.TaskStatusCancelled
	return true
}

// Len reports the current registry size.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// evictLocked removes terminal tasks past the TTL, then the oldest terminal
// tasks by start time until the registry fits the size bound. Non-terminal
// tasks are never evicted.
func (r *Registry) evictLocked() {
	now := r.now()

	for id, task := range r.tasks {
		if !task.Status.Terminal() {
			continue
		}
		started := task.StartedAt
		if started.IsZero() {
			started = task.CreatedAt
		}
		if now.Sub(started) > r.ttl {
			r.deleteLocked(id)
			r.log.Debug("Evicted expired task", zap.String("task_id", id))
		}
	}

	// Make room for the task about to be inserted.
	if len(r.tasks) < r.maxTasks {
		return
	}

	type aged struct {
		id      string
		started time.Time
	}
	var terminal []aged
	for id, task := range r.tasks {
		if task.Status.Terminal() {
			started := task.StartedAt
			if started.IsZero() {
				started = task.CreatedAt
			}
			terminal = append(terminal, aged{id: id, started: started})
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].started.Before(terminal[j].started)
	})

	excess := len(r.tasks) - r.maxTasks + 1
	for i := 0; i < excess && i < len(terminal); i++ {
		r.deleteLocked(terminal[i].id)
		r.log.Debug("Evicted task over registry limit", zap.String("task_id", terminal[i].id))
	}
}

func (r *Registry) deleteLocked(id string) {
	delete(r.tasks, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
