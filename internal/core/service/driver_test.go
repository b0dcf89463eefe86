package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/embedplan/embedplan/internal/core/domain"
	"github.com/embedplan/embedplan/internal/core/port"
	"go.uber.org/zap"
)

type mapUploads struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMapUploads() *mapUploads {
	return &mapUploads{blobs: map[string][]byte{}}
}

func (u *mapUploads) Put(ctx context.Context, content []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	id := "u" + string(rune('0'+len(u.blobs)))
	u.blobs[id] = content
	return id, nil
}

func (u *mapUploads) Get(ctx context.Context, id string) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	content, ok := u.blobs[id]
	if !ok {
		return nil, errors.New("no such upload")
	}
	return content, nil
}

type fakeProvider struct {
	oracle *gatedOracle
	err    error
}

func (p *fakeProvider) Acquire(ctx context.Context, modelID string) (port.EmbeddingOracle, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.oracle, nil
}

// gatedOracle optionally blocks its first Evaluate call until released, so
// tests can hold a task mid-run.
type gatedOracle struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (o *gatedOracle) Capability() domain.Capability   { return domain.CapabilityStandard }
func (o *gatedOracle) ActionSpace() domain.ActionSpace { return domain.StandardActionSpace() }

func (o *gatedOracle) Encode(ctx context.Context, currentImage, goalImage []byte) (domain.Embedding, domain.Embedding, error) {
	return domain.Embedding{0, 0, 0}, domain.Embedding{1, 0, 0}, nil
}

func (o *gatedOracle) Evaluate(ctx context.Context, current, goal domain.Embedding, actions [][]float64) ([]float64, error) {
	if o.gate != nil {
		o.once.Do(func() {
			close(o.started)
			<-o.gate
		})
	}
	energies := make([]float64, len(actions))
	for i, a := range actions {
		for _, v := range a {
			energies[i] += v * v
		}
	}
	return energies, nil
}

func (o *gatedOracle) PredictNext(ctx context.Context, current domain.Embedding, action []float64) (domain.Embedding, error) {
	return current.Clone(), nil
}

func newTestDriver(uploads *mapUploads, oracle *gatedOracle) *Driver {
	log := zap.NewNop()
	registry := NewRegistry(10, time.Hour, log)
	hub := NewHub(log)
	return NewDriver(registry, hub, uploads, &fakeProvider{oracle: oracle}, DriverOptions{}, log)
}

func waitTerminal(t *testing.T, d *Driver, id string) domain.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		task, err := d.GetTask(id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status.Terminal() {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never reached a terminal state, stuck at %s", task.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDriverSingleStepLifecycle(t *testing.T) {
	uploads := newMapUploads()
	currentID, _ := uploads.Put(context.Background(), []byte("current"))
	goalID, _ := uploads.Put(context.Background(), []byte("goal"))

	oracle := &gatedOracle{gate: make(chan struct{}), started: make(chan struct{})}
	d := newTestDriver(uploads, oracle)

	id, err := d.StartTask(context.Background(), domain.PlanRequest{
		Kind:         domain.TaskKindSingleStep,
		CurrentImage: currentID,
		GoalImage:    goalID,
		Model:        "vjepa2-vitl",
		Samples:      50,
		Iterations:   4,
	})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	events, cancel, ok := d.Subscribe(id)
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer cancel()
	close(oracle.gate)

	var types []domain.EventType
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == domain.EventCompleted {
			if ev.Result == nil {
				t.Fatal("completed event without result")
			}
			if len(ev.Result.Action) != 3 {
				t.Errorf("action dim = %d", len(ev.Result.Action))
			}
		}
	}

	if len(types) == 0 || types[len(types)-1] != domain.EventCompleted {
		t.Fatalf("event sequence = %v", types)
	}
	// The subscriber attached while the worker was held inside its first
	// evaluation batch, so every iteration's progress must arrive.
	progress := 0
	for _, typ := range types {
		if typ == domain.EventProgress {
			progress++
		}
	}
	if progress == 0 {
		t.Errorf("no progress events in sequence %v", types)
	}

	task := waitTerminal(t, d, id)
	if task.Status != domain.TaskStatusCompleted {
		t.Errorf("status = %s", task.Status)
	}
	if task.Result == nil {
		t.Error("no result stored")
	}
}

func TestDriverFailsOnMissingImage(t *testing.T) {
	uploads := newMapUploads()
	oracle := &gatedOracle{}
	d := newTestDriver(uploads, oracle)

	id, err := d.StartTask(context.Background(), domain.PlanRequest{
		Kind:         domain.TaskKindSingleStep,
		CurrentImage: "missing",
		GoalImage:    "also-missing",
		Model:        "vjepa2-vitl",
		Samples:      10,
		Iterations:   2,
	})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	task := waitTerminal(t, d, id)
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, domain.ErrImageResolution.Error()) {
		t.Errorf("error = %q", task.Error)
	}
}

func TestDriverSupersedesActiveTask(t *testing.T) {
	uploads := newMapUploads()
	currentID, _ := uploads.Put(context.Background(), []byte("current"))
	goalID, _ := uploads.Put(context.Background(), []byte("goal"))

	oracle := &gatedOracle{gate: make(chan struct{}), started: make(chan struct{})}
	d := newTestDriver(uploads, oracle)

	req := domain.PlanRequest{
		Kind:         domain.TaskKindSingleStep,
		CurrentImage: currentID,
		GoalImage:    goalID,
		Model:        "vjepa2-vitl",
		Samples:      20,
		Iterations:   8,
	}

	first, err := d.StartTask(context.Background(), req)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	// Hold the first task inside its first evaluation batch, then start a
	// second task. The shared oracle means the new task always wins.
	<-oracle.started
	second, err := d.StartTask(context.Background(), req)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	close(oracle.gate)

	firstTask := waitTerminal(t, d, first)
	if firstTask.Status != domain.TaskStatusCancelled {
		t.Errorf("first task status = %s, want cancelled", firstTask.Status)
	}

	secondTask := waitTerminal(t, d, second)
	if secondTask.Status != domain.TaskStatusCompleted {
		t.Errorf("second task status = %s, want completed", secondTask.Status)
	}
}

func TestDriverTrajectoryLifecycle(t *testing.T) {
	uploads := newMapUploads()
	currentID, _ := uploads.Put(context.Background(), []byte("current"))
	goalID, _ := uploads.Put(context.Background(), []byte("goal"))

	oracle := &gatedOracle{}
	d := newTestDriver(uploads, oracle)

	id, err := d.StartTask(context.Background(), domain.PlanRequest{
		Kind:         domain.TaskKindTrajectory,
		CurrentImage: currentID,
		GoalImage:    goalID,
		Model:        "vjepa2-vitl",
		Samples:      30,
		Iterations:   3,
		Steps:        2,
	})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	task := waitTerminal(t, d, id)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, error = %s", task.Status, task.Error)
	}
	if task.Trajectory == nil {
		t.Fatal("no trajectory stored")
	}
	if len(task.Trajectory.Steps) != 2 {
		t.Errorf("steps = %d, want 2", len(task.Trajectory.Steps))
	}
}

func TestDriverRejectsInvalidRequests(t *testing.T) {
	d := newTestDriver(newMapUploads(), &gatedOracle{})

	if _, err := d.StartTask(context.Background(), domain.PlanRequest{
		Kind:       domain.TaskKindTrajectory,
		Samples:    10,
		Iterations: 2,
	}); err == nil {
		t.Error("trajectory without steps accepted")
	}

	if _, err := d.StartTask(context.Background(), domain.PlanRequest{
		Kind: domain.TaskKindSingleStep,
	}); err == nil {
		t.Error("request without samples accepted")
	}
}
