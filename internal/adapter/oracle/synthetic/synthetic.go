// Package synthetic implements an embedding oracle with analytic energies.
// It stands in for a GPU-hosted world model in tests, demos and CI: the
// embeddings are deterministic functions of the image bytes, so the full
// planning pipeline runs end to end on any machine.
package synthetic

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/embedplan/embedplan/internal/core/domain"
	"github.com/embedplan/embedplan/internal/core/port"
	"go.uber.org/zap"
)

const DefaultEmbeddingDim = 64

// Oracle is a deterministic in-process embedding oracle.
type Oracle struct {
	capability domain.Capability
	space      domain.ActionSpace
	dim        int
	noise      float64
	log        *zap.Logger
}

func New(capability domain.Capability, embeddingDim int, noise float64, log *zap.Logger) *Oracle {
	if embeddingDim <= 0 {
		embeddingDim = DefaultEmbeddingDim
	}
	space := domain.StandardActionSpace()
	if capability == domain.CapabilityActionConditioned {
		space = domain.ConditionedActionSpace()
	}
	return &Oracle{
		capability: capability,
		space:      space,
		dim:        embeddingDim,
		noise:      noise,
		log:        log,
	}
}

func (o *Oracle) Capability() domain.Capability { return o.capability }

func (o *Oracle) ActionSpace() domain.ActionSpace { return o.space }

// Encode maps each image to a deterministic embedding seeded from its bytes.
// The same image always encodes to the same point, so goal distances are
// reproducible across runs.
func (o *Oracle) Encode(ctx context.Context, currentImage, goalImage []byte) (domain.Embedding, domain.Embedding, error) {
	if len(currentImage) == 0 || len(goalImage) == 0 {
		return nil, nil, fmt.Errorf("empty image payload")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return o.embed(currentImage), o.embed(goalImage), nil
}

func (o *Oracle) embed(image []byte) domain.Embedding {
	h := fnv.New64a()
	h.Write(image)
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	e := make(domain.Embedding, o.dim)
	for i := range e {
		e[i] = rng.NormFloat64()
	}
	return e
}

// Evaluate scores a batch of candidate actions. The standard shape rewards
// alignment with the goal direction plus a preferred action magnitude; the
// action-conditioned shape rolls each candidate through the predictor and
// scores the L1 gap to the goal, scaled to the same range as hosted models.
func (o *Oracle) Evaluate(ctx context.Context, current, goal domain.Embedding, actions [][]float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	energies := make([]float64, len(actions))
	if o.capability == domain.CapabilityActionConditioned {
		for i, action := range actions {
			predicted := o.rollForward(current, action)
			energies[i] = predicted.L1Distance(goal) * 10
		}
		return energies, nil
	}

	direction := goalDirection(current, goal, o.space.Dim)
	for i, action := range actions {
		energies[i] = o.standardEnergy(action, direction)
	}
	return energies, nil
}

// standardEnergy penalizes misalignment with the goal direction and
// deviation from a 60%-of-range action magnitude.
func (o *Oracle) standardEnergy(action, direction []float64) float64 {
	dot, aNorm, dNorm := 0.0, 0.0, 0.0
	for i := range action {
		dot += action[i] * direction[i]
		aNorm += action[i] * action[i]
		dNorm += direction[i] * direction[i]
	}
	aNorm = math.Sqrt(aNorm)
	dNorm = math.Sqrt(dNorm)

	cos := 0.0
	if aNorm > 1e-9 && dNorm > 1e-9 {
		cos = dot / (aNorm * dNorm)
	}

	scale := 0.0
	for _, hi := range o.space.High {
		scale += hi * hi
	}
	scale = math.Sqrt(scale)

	magnitude := 0.0
	if scale > 0 {
		magnitude = aNorm / scale
	}

	energy := 5.0*(1.0-cos)/2.0 + 2.0*math.Abs(magnitude-0.6)
	if o.noise > 0 {
		energy += rand.Float64() * o.noise
	}
	return energy
}

// PredictNext rolls the embedding forward by a fixed linear dynamics: each
// action dimension nudges a slice of the embedding proportionally.
func (o *Oracle) PredictNext(ctx context.Context, current domain.Embedding, action []float64) (domain.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return o.rollForward(current, action), nil
}

func (o *Oracle) rollForward(current domain.Embedding, action []float64) domain.Embedding {
	next := current.Clone()
	if len(action) == 0 {
		return next
	}
	span := len(next) / len(action)
	if span == 0 {
		span = 1
	}
	for d, a := range action {
		lo := d * span
		hi := lo + span
		if hi > len(next) {
			hi = len(next)
		}
		for i := lo; i < hi; i++ {
			next[i] += a * 0.1
		}
	}
	return next
}

func goalDirection(current, goal domain.Embedding, dim int) []float64 {
	direction := make([]float64, dim)
	n := dim
	if len(goal) < n {
		n = len(goal)
	}
	if len(current) < n {
		n = len(current)
	}
	for i := 0; i < n; i++ {
		direction[i] = goal[i] - current[i]
	}
	return direction
}

// Provider hands out synthetic oracles keyed by model id. Oracles are cached
// so repeated tasks against the same model reuse one instance, mirroring the
// load-once behavior of a real model host.
type Provider struct {
	mu           sync.Mutex
	oracles      map[string]*Oracle
	embeddingDim int
	noise        float64
	log          *zap.Logger
}

func NewProvider(embeddingDim int, noise float64, log *zap.Logger) port.OracleProvider {
	return &Provider{
		oracles:      make(map[string]*Oracle),
		embeddingDim: embeddingDim,
		noise:        noise,
		log:          log,
	}
}

// Acquire returns the oracle for modelID, creating it on first use. Model ids
// containing "-ac" load as action-conditioned.
func (p *Provider) Acquire(ctx context.Context, modelID string) (port.EmbeddingOracle, error) {
	if modelID == "" {
		return nil, fmt.Errorf("model id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if oracle, ok := p.oracles[modelID]; ok {
		return oracle, nil
	}

	capability := domain.CapabilityStandard
	if strings.Contains(modelID, "-ac") {
		capability = domain.CapabilityActionConditioned
	}

	oracle := New(capability, p.embeddingDim, p.noise, p.log)
	p.oracles[modelID] = oracle
	p.log.Info("Loaded synthetic oracle",
		zap.String("model", modelID),
		zap.String("capability", string(capability)),
		zap.Int("embedding_dim", p.embeddingDim))
	return oracle, nil
}
