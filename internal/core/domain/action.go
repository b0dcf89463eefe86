package domain

// Capability tags what an embedding oracle can do. Standard oracles only
// encode and score; action-conditioned oracles additionally predict the
// embedding reached after applying an action.
type Capability string

const (
	CapabilityStandard          Capability = "standard"
	CapabilityActionConditioned Capability = "action_conditioned"
)

// Action space bounds. The standard demo space is 3-D positional; the
// action-conditioned space is 7-D DROID format [x, y, z, roll, pitch, yaw,
// gripper].
const (
	ActionDim   = 3
	ActionDimAC = 7

	ActionLow  = -7.5
	ActionHigh = 7.5

	ActionLowAC  = -0.05
	ActionHighAC = 0.05
	GripperLow   = -0.75
	GripperHigh  = 0.75
)

// ActionSpace declares per-dimension bounds for sampled action candidates.
type ActionSpace struct {
	Dim  int
	Low  []float64
	High []float64
}

// StandardActionSpace is the 3-D positional space used by standard oracles.
func StandardActionSpace() ActionSpace {
	low := make([]float64, ActionDim)
	high := make([]float64, ActionDim)
	for i := range low {
		low[i] = ActionLow
		high[i] = ActionHigh
	}
	return ActionSpace{Dim: ActionDim, Low: low, High: high}
}

// ConditionedActionSpace is the 7-D DROID space used by action-conditioned
// oracles: six small pose deltas plus a wider gripper dimension.
func ConditionedActionSpace() ActionSpace {
	low := make([]float64, ActionDimAC)
	high := make([]float64, ActionDimAC)
	for i := 0; i < 6; i++ {
		low[i] = ActionLowAC
		high[i] = ActionHighAC
	}
	low[6] = GripperLow
	high[6] = GripperHigh
	return ActionSpace{Dim: ActionDimAC, Low: low, High: high}
}

// Clip bounds every dimension of a in place.
func (s ActionSpace) Clip(a []float64) {
	for i := range a {
		if a[i] < s.Low[i] {
			a[i] = s.Low[i]
		} else if a[i] > s.High[i] {
			a[i] = s.High[i]
		}
	}
}

// Range returns the per-dimension extent High - Low.
func (s ActionSpace) Range() []float64 {
	r := make([]float64, s.Dim)
	for i := range r {
		r[i] = s.High[i] - s.Low[i]
	}
	return r
}

// MeanRange is the average extent across dimensions, used to scale the
// goal-directed warm start.
func (s ActionSpace) MeanRange() float64 {
	if s.Dim == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < s.Dim; i++ {
		sum += s.High[i] - s.Low[i]
	}
	return sum / float64(s.Dim)
}
