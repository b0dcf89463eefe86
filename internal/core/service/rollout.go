package service

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/embedplan/embedplan/internal/core/domain"
	"github.com/embedplan/embedplan/internal/core/port"
	"go.uber.org/zap"
)

// distanceEpsilon treats an initial embedding distance at or below this as
// "already at goal".
const distanceEpsilon = 0.01

// StepProgressFunc reports trajectory optimization progress. step is the
// 0-based global step index; iteration/total are step-local CEM counters;
// completed carries every finished step so far.
type StepProgressFunc func(step, totalSteps, iteration, totalIterations int, bestEnergy float64, stepHistory []float64, completed []domain.TrajectoryStep)

// RolloutController plans a multi-step action sequence entirely in embedding
// space: each step runs the CEM optimizer against the goal, then rolls the
// trajectory embedding forward through the oracle's predictor instead of
// simulating pixels.
type RolloutController struct {
	oracle  port.EmbeddingOracle
	samples int
	iters   int
	rng     *rand.Rand
	log     *zap.Logger
}

func NewRolloutController(oracle port.EmbeddingOracle, samples, iterations int, rng *rand.Rand, log *zap.Logger) *RolloutController {
	return &RolloutController{
		oracle:  oracle,
		samples: samples,
		iters:   iterations,
		rng:     rng,
		log:     log,
	}
}

// Run plans numSteps sequential actions from current toward goal. It returns
// domain.ErrCancelled when the token fires between or inside steps.
func (c *RolloutController) Run(
	ctx context.Context,
	token *domain.CancelToken,
	current, goal domain.Embedding,
	numSteps int,
	onProgress StepProgressFunc,
) (*domain.TrajectoryResult, error) {
	initialDistance := current.L1Distance(goal)
	c.log.Info("Starting embedding-space rollout",
		zap.Int("steps", numSteps),
		zap.Float64("initial_distance", initialDistance))

	// Rolled forward after every step; always an independent copy so the
	// oracle cannot alias-mutate state shared across iterations.
	trajectory := current.Clone()
	goal = goal.Clone()

	conditioned := c.oracle.Capability() == domain.CapabilityActionConditioned
	space := c.oracle.ActionSpace()

	var completed []domain.TrajectoryStep

	for step := 0; step < numSteps; step++ {
		if token != nil && token.Cancelled() {
			return nil, domain.ErrCancelled
		}

		stepEmbedding := trajectory.Clone()
		score := func(actions [][]float64) ([]float64, error) {
			return c.oracle.Evaluate(ctx, stepEmbedding, goal, actions)
		}

		var warmStart []float64
		if !conditioned {
			warmStart = WarmStartMean(space, stepEmbedding, goal)
		}

		stepIdx := step
		var stepHistory []float64
		opt := NewCEMOptimizer(space, c.samples, c.iters, c.rng, c.log)
		cemResult, err := opt.Run(token, warmStart, score, func(iter, total int, best float64, _ []float64) {
			stepHistory = append(stepHistory, round3(best))
			if onProgress != nil {
				onProgress(stepIdx, numSteps, iter, total, best, append([]float64(nil), stepHistory...), completed)
			}
		})
		if err != nil {
			if err == domain.ErrCancelled {
				return nil, err
			}
			return nil, fmt.Errorf("step %d: %w", step, err)
		}

		// Roll the trajectory forward through the predictor. On failure keep
		// the stale embedding; the step is still recorded and later steps
		// plan from the un-rolled state.
		next, err := c.oracle.PredictNext(ctx, trajectory.Clone(), cemResult.Action)
		if err != nil {
			c.log.Warn("Failed to predict next embedding, continuing with stale state",
				zap.Int("step", step),
				zap.Error(err))
		} else {
			trajectory = next.Clone()
		}

		currentDistance := trajectory.L1Distance(goal)
		progressRatio := 1.0
		if initialDistance > distanceEpsilon {
			progressRatio = 1.0 - currentDistance/initialDistance
			if progressRatio < 0 {
				progressRatio = 0
			}
		}

		completed = append(completed, domain.TrajectoryStep{
			Step:           step,
			Action:         cemResult.Action,
			Energy:         cemResult.Energy,
			Confidence:     cemResult.Confidence,
			EnergyHistory:  cemResult.EnergyHistory,
			DistanceToGoal: round4(currentDistance),
			ProgressRatio:  round4(progressRatio),
		})

		c.log.Info("Trajectory step complete",
			zap.Int("step", step+1),
			zap.Int("total_steps", numSteps),
			zap.Float64("energy", cemResult.Energy),
			zap.Float64("distance", currentDistance),
			zap.Float64("progress_ratio", progressRatio))
	}

	finalDistance := trajectory.L1Distance(goal)

	totalEnergy := 0.0
	totalConfidence := 0.0
	for _, s := range completed {
		totalEnergy += s.Energy
		totalConfidence += s.Confidence
	}
	avgEnergy := 0.0
	avgConfidence := 0.0
	if len(completed) > 0 {
		avgEnergy = totalEnergy / float64(len(completed))
		avgConfidence = totalConfidence / float64(len(completed))
	}

	totalProgress := 1.0
	if initialDistance > distanceEpsilon {
		totalProgress = 1.0 - finalDistance/initialDistance
	}

	return &domain.TrajectoryResult{
		Steps:             completed,
		TotalEnergy:       round3(totalEnergy),
		AvgEnergy:         round3(avgEnergy),
		AvgConfidence:     round3(avgConfidence),
		ActionConditioned: conditioned,
		InitialDistance:   round4(initialDistance),
		FinalDistance:     round4(finalDistance),
		TotalProgress:     round4(totalProgress),
		EnergyTrend:       classifyTrend(len(completed), initialDistance, finalDistance),
	}, nil
}

// classifyTrend compares final against initial goal distance. Distance is the
// ground truth for whether the rollout is actually approaching the goal.
func classifyTrend(steps int, initial, final float64) domain.EnergyTrend {
	if steps < 2 {
		return domain.EnergyTrendUnknown
	}
	switch {
	case final < initial*0.95:
		return domain.EnergyTrendDecreasing
	case final > initial*1.05:
		return domain.EnergyTrendIncreasing
	default:
		return domain.EnergyTrendStable
	}
}
