package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued       TaskStatus = "queued"
	TaskStatusLoadingModel TaskStatus = "loading_model"
	TaskStatusEncoding     TaskStatus = "encoding"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether the status is one of the three end states.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// rank orders the task state machine. Statuses only move forward and at most
// one terminal state is ever set.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusQueued:
		return 0
	case TaskStatusLoadingModel:
		return 1
	case TaskStatusEncoding:
		return 2
	case TaskStatusRunning:
		return 3
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return 4
	}
	return -1
}

// CanTransition reports whether moving from s to next respects the
// forward-only state machine.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

type TaskKind string

const (
	TaskKindSingleStep TaskKind = "single_step"
	TaskKindTrajectory TaskKind = "trajectory"
)

// PlanRequest describes a planning job. Image fields are opaque upload
// identifiers resolved through the upload collaborator.
type PlanRequest struct {
	Kind         TaskKind `json:"kind"`
	CurrentImage string   `json:"current_image"`
	GoalImage    string   `json:"goal_image"`
	Model        string   `json:"model"`
	Samples      int      `json:"samples"`
	Iterations   int      `json:"iterations"`
	Steps        int      `json:"steps,omitempty"` // trajectory only
}

// Progress is the last intermediate snapshot emitted by a running optimization.
type Progress struct {
	Status           TaskStatus `json:"status"`
	ModelLoading     string     `json:"model_loading,omitempty"`
	Iteration        int        `json:"iteration"`
	TotalIterations  int        `json:"total_iterations"`
	BestEnergy       float64    `json:"best_energy"`
	EnergyHistory    []float64  `json:"energy_history,omitempty"`
	SamplesEvaluated int        `json:"samples_evaluated"`
	ElapsedSeconds   float64    `json:"elapsed_seconds"`
	ETASeconds       float64    `json:"eta_seconds"`

	// Trajectory position, global across steps so consumers can derive an
	// overall ETA.
	CurrentStep    int `json:"current_step,omitempty"`
	TotalSteps     int `json:"total_steps,omitempty"`
	StepsCompleted int `json:"steps_completed,omitempty"`
}

// Result is the terminal outcome of a single-step planning task.
type Result struct {
	Action             []float64 `json:"action"`
	Energy             float64   `json:"energy"`
	Confidence         float64   `json:"confidence"`
	EnergyHistory      []float64 `json:"energy_history"`
	ActionConditioned  bool      `json:"action_conditioned"`
	EnergyThreshold    float64   `json:"energy_threshold"`
	PassesThreshold    bool      `json:"passes_threshold"`
	NormalizedDistance float64   `json:"normalized_distance"`
}

// TrajectoryStep records one completed planning step of a trajectory.
type TrajectoryStep struct {
	Step           int       `json:"step"`
	Action         []float64 `json:"action"`
	Energy         float64   `json:"energy"`
	Confidence     float64   `json:"confidence"`
	EnergyHistory  []float64 `json:"energy_history"`
	DistanceToGoal float64   `json:"distance_to_goal"`
	ProgressRatio  float64   `json:"progress_ratio"`
}

type EnergyTrend string

const (
	EnergyTrendDecreasing EnergyTrend = "decreasing"
	EnergyTrendIncreasing EnergyTrend = "increasing"
	EnergyTrendStable     EnergyTrend = "stable"
	EnergyTrendUnknown    EnergyTrend = "unknown"
)

// TrajectoryResult aggregates all completed steps of a trajectory task.
type TrajectoryResult struct {
	Steps             []TrajectoryStep `json:"steps"`
	TotalEnergy       float64          `json:"total_energy"`
	AvgEnergy         float64          `json:"avg_energy"`
	AvgConfidence     float64          `json:"avg_confidence"`
	ActionConditioned bool             `json:"action_conditioned"`
	InitialDistance   float64          `json:"initial_distance"`
	FinalDistance     float64          `json:"final_distance"`
	TotalProgress     float64          `json:"total_progress"`
	EnergyTrend       EnergyTrend      `json:"energy_trend"`
}

// Task is a planning task record. It is owned by the registry; only the driver
// executing the task and Cancel mutate it, always under the registry lock.
type Task struct {
	ID         string            `json:"id"`
	Kind       TaskKind          `json:"kind"`
	Request    PlanRequest       `json:"request"`
	Status     TaskStatus        `json:"status"`
	Progress   *Progress         `json:"progress,omitempty"`
	Result     *Result           `json:"result,omitempty"`
	Trajectory *TrajectoryResult `json:"trajectory,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  time.Time         `json:"started_at,omitempty"`

	Cancel *CancelToken `json:"-"`
}

// Snapshot returns a copy safe to hand to callers while the driver keeps
// mutating the original.
func (t *Task) Snapshot() Task {
	out := *t
	if t.Progress != nil {
		p := *t.Progress
		p.EnergyHistory = append([]float64(nil), t.Progress.EnergyHistory...)
		out.Progress = &p
	}
	if t.Result != nil {
		r := *t.Result
		out.Result = &r
	}
	if t.Trajectory != nil {
		tr := *t.Trajectory
		tr.Steps = append([]TrajectoryStep(nil), t.Trajectory.Steps...)
		out.Trajectory = &tr
	}
	return out
}
