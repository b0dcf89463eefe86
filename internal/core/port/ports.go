// Package port provides behavior interfaces that connect services with
// adapters and external collaborators.
package port

import (
	"context"
	"time"

	"github.com/embedplan/embedplan/internal/core/domain"
)

// EmbeddingOracle is the external neural capability the planner drives. It is
// a black box: the core only passes embeddings back into oracle calls and
// computes elementwise distances on them.
type EmbeddingOracle interface {
	// Capability tags the oracle so the optimizer branches on a flag rather
	// than inspecting result shapes.
	Capability() domain.Capability

	// ActionSpace declares the per-dimension bounds candidates are clipped to.
	ActionSpace() domain.ActionSpace

	// Encode turns the two images into embeddings. Deterministic for a fixed
	// model and inputs.
	Encode(ctx context.Context, currentImage, goalImage []byte) (current, goal domain.Embedding, err error)

	// Evaluate scores a batch of action candidates; lower is better. Must
	// accept batches up to the configured sample count.
	Evaluate(ctx context.Context, current, goal domain.Embedding, actions [][]float64) ([]float64, error)

	// PredictNext predicts the embedding reached after applying action. Only
	// action-conditioned oracles implement this meaningfully; the rollout
	// controller degrades gracefully when it fails.
	PredictNext(ctx context.Context, current domain.Embedding, action []float64) (domain.Embedding, error)
}

// OracleProvider acquires the (possibly still loading) oracle for a model id.
// Acquisition failure surfaces as domain.ErrOracleUnavailable.
type OracleProvider interface {
	Acquire(ctx context.Context, modelID string) (EmbeddingOracle, error)
}

// UploadStore resolves opaque image references. The core never parses image
// bytes itself.
type UploadStore interface {
	Put(ctx context.Context, content []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// ResultArchive persists terminal task records for later inspection.
type ResultArchive interface {
	Save(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.Task, error)
}

// QueueService publishes terminal planning events and consumes planning
// requests from the message broker.
type QueueService interface {
	PublishEvent(ctx context.Context, event domain.Event) error
	ConsumeRequests(ctx context.Context, handler func(req domain.PlanRequest) error) error
}

// LeaseCoordinator records which task currently holds the shared oracle, so
// the single-flight constraint is explicit instead of a hidden side effect of
// task creation.
type LeaseCoordinator interface {
	// Acquire takes the lease for holder and returns the previous holder, if
	// any. The new task always wins; older work is superseded, not queued.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (previous string, err error)
	Release(ctx context.Context, holder string) error
}

// MonitoringService fetches live utilization of the oracle host for the
// heartbeat log.
type MonitoringService interface {
	GetHostMetrics(ctx context.Context) (cpuPercent, memMB float64, err error)
}
