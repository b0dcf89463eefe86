package synthetic

import (
	"context"
	"testing"

	"github.com/embedplan/embedplan/internal/core/domain"
	"go.uber.org/zap"
)

func TestEncodeIsDeterministic(t *testing.T) {
	o := New(domain.CapabilityStandard, 32, 0, zap.NewNop())
	ctx := context.Background()

	c1, g1, err := o.Encode(ctx, []byte("frame-a"), []byte("frame-b"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	c2, g2, err := o.Encode(ctx, []byte("frame-a"), []byte("frame-b"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if c1.L1Distance(c2) != 0 || g1.L1Distance(g2) != 0 {
		t.Error("same image bytes encoded to different embeddings")
	}
	if c1.L1Distance(g1) == 0 {
		t.Error("distinct images encoded to identical embeddings")
	}
	if len(c1) != 32 {
		t.Errorf("embedding dim = %d, want 32", len(c1))
	}
}

func TestEncodeRejectsEmptyImages(t *testing.T) {
	o := New(domain.CapabilityStandard, 32, 0, zap.NewNop())
	if _, _, err := o.Encode(context.Background(), nil, []byte("goal")); err == nil {
		t.Error("empty current image accepted")
	}
}

func TestStandardEnergyPrefersGoalDirection(t *testing.T) {
	o := New(domain.CapabilityStandard, 3, 0, zap.NewNop())
	ctx := context.Background()

	current := domain.Embedding{0, 0, 0}
	goal := domain.Embedding{1, 0, 0}

	// Same magnitude, opposite directions along the goal axis.
	toward := []float64{4.5, 0, 0}
	away := []float64{-4.5, 0, 0}

	energies, err := o.Evaluate(ctx, current, goal, [][]float64{toward, away})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if energies[0] >= energies[1] {
		t.Errorf("goal-aligned action not preferred: toward=%.3f away=%.3f", energies[0], energies[1])
	}
}

func TestConditionedEnergyUsesPredictedDistance(t *testing.T) {
	o := New(domain.CapabilityActionConditioned, 14, 0, zap.NewNop())
	ctx := context.Background()

	current := make(domain.Embedding, 14)
	goal := make(domain.Embedding, 14)
	for i := range goal {
		goal[i] = 1
	}

	// An action pushing every embedding slice toward the goal must beat the
	// zero action.
	push := []float64{0.05, 0.05, 0.05, 0.05, 0.05, 0.05, 0.75}
	zero := make([]float64, 7)

	energies, err := o.Evaluate(ctx, current, goal, [][]float64{push, zero})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if energies[0] >= energies[1] {
		t.Errorf("goal-directed action not preferred: push=%.3f zero=%.3f", energies[0], energies[1])
	}
}

func TestPredictNextMovesEmbedding(t *testing.T) {
	o := New(domain.CapabilityActionConditioned, 14, 0, zap.NewNop())

	current := make(domain.Embedding, 14)
	next, err := o.PredictNext(context.Background(), current, []float64{0.05, 0, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("PredictNext: %v", err)
	}
	if next.L1Distance(current) == 0 {
		t.Error("nonzero action did not move the embedding")
	}
	// Input must not be mutated in place.
	for i, v := range current {
		if v != 0 {
			t.Fatalf("current mutated at %d: %f", i, v)
		}
	}
}

func TestProviderCapabilityFromModelID(t *testing.T) {
	p := NewProvider(16, 0, zap.NewNop())
	ctx := context.Background()

	standard, err := p.Acquire(ctx, "vjepa2-vitl")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if standard.Capability() != domain.CapabilityStandard {
		t.Errorf("capability = %s", standard.Capability())
	}

	conditioned, err := p.Acquire(ctx, "vjepa2-ac-vitg")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if conditioned.Capability() != domain.CapabilityActionConditioned {
		t.Errorf("capability = %s", conditioned.Capability())
	}
	if conditioned.ActionSpace().Dim != domain.ActionDimAC {
		t.Errorf("action dim = %d", conditioned.ActionSpace().Dim)
	}

	// Repeated acquisition reuses the loaded instance.
	again, _ := p.Acquire(ctx, "vjepa2-vitl")
	if again != standard {
		t.Error("provider did not cache the oracle")
	}

	if _, err := p.Acquire(ctx, ""); err == nil {
		t.Error("empty model id accepted")
	}
}
