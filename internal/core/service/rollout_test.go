package service

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/embedplan/embedplan/internal/core/domain"
	"go.uber.org/zap"
)

// scriptedOracle walks through a fixed list of next-embeddings, one per
// PredictNext call.
type scriptedOracle struct {
	capability domain.Capability
	space      domain.ActionSpace
	next       []domain.Embedding
	predictErr error
	calls      int
}

func (o *scriptedOracle) Capability() domain.Capability   { return o.capability }
func (o *scriptedOracle) ActionSpace() domain.ActionSpace { return o.space }

func (o *scriptedOracle) Encode(ctx context.Context, currentImage, goalImage []byte) (domain.Embedding, domain.Embedding, error) {
	return domain.Embedding{0}, domain.Embedding{1}, nil
}

func (o *scriptedOracle) Evaluate(ctx context.Context, current, goal domain.Embedding, actions [][]float64) ([]float64, error) {
	energies := make([]float64, len(actions))
	for i, a := range actions {
		for _, v := range a {
			energies[i] += v * v
		}
	}
	return energies, nil
}

func (o *scriptedOracle) PredictNext(ctx context.Context, current domain.Embedding, action []float64) (domain.Embedding, error) {
	if o.predictErr != nil {
		return nil, o.predictErr
	}
	if o.calls >= len(o.next) {
		return current, nil
	}
	e := o.next[o.calls]
	o.calls++
	return e, nil
}

func TestRolloutProgressAndTrend(t *testing.T) {
	// Embedding dim 1: current=0, goal=1, so initial distance is 1 and each
	// scripted state maps directly to a distance.
	oracle := &scriptedOracle{
		capability: domain.CapabilityStandard,
		space:      domain.StandardActionSpace(),
		next:       []domain.Embedding{{0.2}, {0.5}, {0.7}},
	}

	c := NewRolloutController(oracle, 50, 4, rand.New(rand.NewSource(11)), zap.NewNop())
	result, err := c.Run(context.Background(), nil, domain.Embedding{0}, domain.Embedding{1}, 3, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(result.Steps))
	}

	wantDistances := []float64{0.8, 0.5, 0.3}
	wantRatios := []float64{0.2, 0.5, 0.7}
	for i, step := range result.Steps {
		if step.Step != i {
			t.Errorf("step %d has index %d", i, step.Step)
		}
		if step.DistanceToGoal != wantDistances[i] {
			t.Errorf("step %d distance = %v, want %v", i, step.DistanceToGoal, wantDistances[i])
		}
		if step.ProgressRatio != wantRatios[i] {
			t.Errorf("step %d ratio = %v, want %v", i, step.ProgressRatio, wantRatios[i])
		}
	}

	if result.InitialDistance != 1.0 {
		t.Errorf("initial distance = %v", result.InitialDistance)
	}
	if result.FinalDistance != 0.3 {
		t.Errorf("final distance = %v", result.FinalDistance)
	}
	if result.TotalProgress != 0.7 {
		t.Errorf("total progress = %v", result.TotalProgress)
	}
	if result.EnergyTrend != domain.EnergyTrendDecreasing {
		t.Errorf("trend = %s, want decreasing", result.EnergyTrend)
	}
}

func TestRolloutDegradesWhenPredictorFails(t *testing.T) {
	oracle := &scriptedOracle{
		capability: domain.CapabilityStandard,
		space:      domain.StandardActionSpace(),
		predictErr: errors.New("predictor offline"),
	}

	c := NewRolloutController(oracle, 50, 3, rand.New(rand.NewSource(2)), zap.NewNop())
	result, err := c.Run(context.Background(), nil, domain.Embedding{0}, domain.Embedding{1}, 2, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// With the embedding never rolled forward, distance stays at the start
	// and no progress is recorded, but every step still completes.
	if len(result.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(result.Steps))
	}
	for i, step := range result.Steps {
		if step.DistanceToGoal != 1.0 {
			t.Errorf("step %d distance = %v, want 1.0", i, step.DistanceToGoal)
		}
		if step.ProgressRatio != 0.0 {
			t.Errorf("step %d ratio = %v, want 0", i, step.ProgressRatio)
		}
	}
	if result.EnergyTrend != domain.EnergyTrendStable {
		t.Errorf("trend = %s, want stable", result.EnergyTrend)
	}
}

func TestRolloutReportsGlobalStepPosition(t *testing.T) {
	oracle := &scriptedOracle{
		capability: domain.CapabilityStandard,
		space:      domain.StandardActionSpace(),
		next:       []domain.Embedding{{0.5}, {0.9}},
	}

	type position struct{ step, completed int }
	var seen []position
	onProgress := func(step, totalSteps, iter, totalIters int, best float64, stepHistory []float64, completed []domain.TrajectoryStep) {
		if totalSteps != 2 {
			t.Errorf("totalSteps = %d", totalSteps)
		}
		seen = append(seen, position{step, len(completed)})
	}

	c := NewRolloutController(oracle, 30, 3, rand.New(rand.NewSource(9)), zap.NewNop())
	if _, err := c.Run(context.Background(), nil, domain.Embedding{0}, domain.Embedding{1}, 2, onProgress); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(seen) == 0 {
		t.Fatal("no progress callbacks")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].step < seen[i-1].step {
			t.Errorf("step position moved backwards: %v", seen)
		}
	}
	// During step 0 nothing is completed; during step 1 exactly one is.
	for _, p := range seen {
		if p.completed != p.step {
			t.Errorf("completed = %d during step %d", p.completed, p.step)
		}
	}
}

func TestRolloutCancellation(t *testing.T) {
	oracle := &scriptedOracle{
		capability: domain.CapabilityStandard,
		space:      domain.StandardActionSpace(),
	}
	token := domain.NewCancelToken()
	token.Cancel()

	c := NewRolloutController(oracle, 30, 3, rand.New(rand.NewSource(4)), zap.NewNop())
	_, err := c.Run(context.Background(), token, domain.Embedding{0}, domain.Embedding{1}, 2, nil)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}
