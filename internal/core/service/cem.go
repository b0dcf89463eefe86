package service

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/embedplan/embedplan/internal/core/domain"
	"go.uber.org/zap"
)

// CEM tuning shared by every optimization run.
const (
	// ConvergenceWindow is how many trailing iterations the early-stop check
	// compares across.
	ConvergenceWindow = 3
	// ConvergenceThreshold stops the loop once relative improvement over the
	// window drops below 1%.
	ConvergenceThreshold = 0.01
	// EnergyThreshold is the fixed pass/fail bound on the final best energy.
	EnergyThreshold = 3.0

	// eliteFractionStart/End bound the linear exploration-to-refinement decay.
	eliteFractionStart = 0.20
	eliteFractionEnd   = 0.05

	stdFloor = 1e-6
)

// ScoreFunc evaluates a batch of clipped action candidates and returns one
// energy per candidate; lower is better.
type ScoreFunc func(actions [][]float64) ([]float64, error)

// ProgressFunc is invoked once per completed iteration with the 1-based
// iteration index, the iteration limit and the best pair seen so far.
type ProgressFunc func(iteration, total int, bestEnergy float64, bestAction []float64)

// CEMResult is the outcome of one cross-entropy optimization.
type CEMResult struct {
	Action             []float64
	Energy             float64
	Confidence         float64
	EnergyHistory      []float64
	FinalStd           []float64
	SamplesEvaluated   int
	EnergyThreshold    float64
	PassesThreshold    bool
	NormalizedDistance float64
}

// CEMOptimizer searches an action space for the lowest-energy candidate by
// iteratively sampling a Gaussian, refitting it to the elite samples and
// repeating.
type CEMOptimizer struct {
	space   domain.ActionSpace
	samples int
	iters   int
	rng     *rand.Rand
	log     *zap.Logger
}

func NewCEMOptimizer(space domain.ActionSpace, samples, iterations int, rng *rand.Rand, log *zap.Logger) *CEMOptimizer {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &CEMOptimizer{
		space:   space,
		samples: samples,
		iters:   iterations,
		rng:     rng,
		log:     log,
	}
}

// WarmStartMean projects the goal-directed embedding difference into the
// action space and scales it to 30% of the mean action range. Used for
// standard oracles; action-conditioned oracles start from zero since their
// actions are small deltas.
func WarmStartMean(space domain.ActionSpace, current, goal domain.Embedding) []float64 {
	mean := make([]float64, space.Dim)
	n := space.Dim
	if len(goal) < n {
		n = len(goal)
	}
	if len(current) < n {
		n = len(current)
	}
	for i := 0; i < n; i++ {
		mean[i] = goal[i] - current[i]
	}
	norm := 0.0
	for _, v := range mean {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 1e-6 {
		scale := space.MeanRange() * 0.3 / norm
		for i := range mean {
			mean[i] *= scale
		}
	}
	return mean
}

// Run executes the optimization. warmStart may be nil for a zero initial
// mean. It returns domain.ErrCancelled when the token fires, checked before
// every sample batch, and wraps scorer failures in domain.ErrEvaluation.
func (o *CEMOptimizer) Run(token *domain.CancelToken, warmStart []float64, score ScoreFunc, onProgress ProgressFunc) (*CEMResult, error) {
	dim := o.space.Dim

	mean := make([]float64, dim)
	if warmStart != nil {
		copy(mean, warmStart)
	}
	std := make([]float64, dim)
	rng := o.space.Range()
	for i := range std {
		std[i] = rng[i] / 4
	}

	actions := make([][]float64, o.samples)
	for i := range actions {
		actions[i] = make([]float64, dim)
	}

	var history []float64
	bestAction := make([]float64, dim)
	bestEnergy := math.Inf(1)
	evaluated := 0

	for iter := 0; iter < o.iters; iter++ {
		if token != nil && token.Cancelled() {
			return nil, domain.ErrCancelled
		}

		// Broad exploration early, narrow refinement late.
		progress := float64(iter) / math.Max(1, float64(o.iters-1))
		fraction := eliteFractionStart*(1-progress) + eliteFractionEnd*progress
		numElite := int(float64(o.samples) * fraction)
		if numElite < 1 {
			numElite = 1
		}

		for i := range actions {
			for d := 0; d < dim; d++ {
				actions[i][d] = o.rng.NormFloat64()*std[d] + mean[d]
			}
			o.space.Clip(actions[i])
		}

		energies, err := score(actions)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEvaluation, err)
		}
		if len(energies) != o.samples {
			return nil, fmt.Errorf("%w: scorer returned %d energies for %d candidates", domain.ErrEvaluation, len(energies), o.samples)
		}
		evaluated += o.samples

		// Only elite-set membership matters for the distribution update, so a
		// partial selection is enough; the elite subset is then ordered to
		// surface the single best.
		elite := selectElite(energies, numElite)

		for d := 0; d < dim; d++ {
			sum := 0.0
			for _, idx := range elite {
				sum += actions[idx][d]
			}
			m := sum / float64(len(elite))
			varSum := 0.0
			for _, idx := range elite {
				diff := actions[idx][d] - m
				varSum += diff * diff
			}
			mean[d] = m
			std[d] = math.Sqrt(varSum/float64(len(elite))) + stdFloor
		}

		if energies[elite[0]] < bestEnergy {
			bestEnergy = energies[elite[0]]
			copy(bestAction, actions[elite[0]])
		}

		history = append(history, round3(bestEnergy))

		if iter >= ConvergenceWindow {
			oldest := history[len(history)-ConvergenceWindow]
			newest := history[len(history)-1]
			improvement := (oldest - newest) / (oldest + 1e-6)
			if improvement < ConvergenceThreshold {
				o.log.Debug("CEM converged early",
					zap.Int("iteration", iter+1),
					zap.Int("total_iterations", o.iters),
					zap.Float64("improvement", improvement))
				if onProgress != nil {
					onProgress(iter+1, o.iters, bestEnergy, bestAction)
				}
				break
			}
		}

		if onProgress != nil {
			onProgress(iter+1, o.iters, bestEnergy, bestAction)
		}
	}

	result := &CEMResult{
		Action:             append([]float64(nil), bestAction...),
		Energy:             round3(bestEnergy),
		EnergyHistory:      history,
		FinalStd:           append([]float64(nil), std...),
		SamplesEvaluated:   evaluated,
		EnergyThreshold:    EnergyThreshold,
		PassesThreshold:    bestEnergy < EnergyThreshold,
		NormalizedDistance: round3(math.Min(1.0, bestEnergy/10.0)),
	}

	initial := bestEnergy
	if len(history) > 0 {
		initial = history[0]
	}
	result.Confidence = round3(confidenceScore(initial, bestEnergy, meanOf(std)))

	return result, nil
}

// confidenceScore combines an energy term, a convergence bonus and a
// distribution-stability penalty, clamped to [0.1, 0.98].
func confidenceScore(initialEnergy, bestEnergy, finalStd float64) float64 {
	energyConfidence := math.Max(0, 1.0-bestEnergy/10.0)
	reduction := math.Max(0, initialEnergy-bestEnergy)
	convergenceBonus := math.Min(0.2, reduction/5.0)
	stabilityPenalty := math.Min(0.2, finalStd*0.1)

	c := 0.5*energyConfidence + 0.3 + convergenceBonus - stabilityPenalty
	if c < 0.1 {
		c = 0.1
	}
	if c > 0.98 {
		c = 0.98
	}
	return c
}

// selectElite returns the indices of the k lowest energies. Quickselect
// partitions the index slice around the k-th element, then only the elite
// prefix is sorted.
func selectElite(energies []float64, k int) []int {
	idx := make([]int, len(energies))
	for i := range idx {
		idx[i] = i
	}
	if k > len(idx) {
		k = len(idx)
	}

	lo, hi := 0, len(idx)-1
	for lo < hi {
		p := partition(energies, idx, lo, hi)
		if k-1 <= p {
			hi = p
		} else {
			lo = p + 1
		}
	}

	elite := idx[:k]
	sort.Slice(elite, func(i, j int) bool {
		return energies[elite[i]] < energies[elite[j]]
	})
	return elite
}

func partition(energies []float64, idx []int, lo, hi int) int {
	pivot := energies[idx[(lo+hi)/2]]
	i, j := lo, hi
	for {
		for energies[idx[i]] < pivot {
			i++
		}
		for energies[idx[j]] > pivot {
			j--
		}
		if i >= j {
			return j
		}
		idx[i], idx[j] = idx[j], idx[i]
		i++
		j--
	}
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
