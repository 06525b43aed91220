package solver

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"pleione/internal/model"
)

// LinearGaussianLearner is the reference policy learner: a linear state
// value head and a linear Gaussian policy with state-independent standard
// deviations. Off-policy steps are weighted by the truncated importance
// weight against the retrace advantage.
type LinearGaussianLearner struct {
	stateDims  int
	actionDims int

	policy   *mat.Dense
	logSigma *mat.VecDense
	value    *mat.VecDense
	valueC   float64

	lower []float64
	upper []float64

	l2Enabled    bool
	l2Importance float64
}

type LinearGaussianConfig struct {
	StateDimensions  int
	ActionDimensions int
	ActionLower      []float64
	ActionUpper      []float64
	InitialSigma     float64
	L2Enabled        bool
	L2Importance     float64
}

func NewLinearGaussianLearner(cfg LinearGaussianConfig) (*LinearGaussianLearner, error) {
	if cfg.StateDimensions < 1 || cfg.ActionDimensions < 1 {
		return nil, fmt.Errorf("invalid policy shape: states=%d actions=%d", cfg.StateDimensions, cfg.ActionDimensions)
	}
	if cfg.InitialSigma <= 0 {
		cfg.InitialSigma = 1.0
	}
	l := &LinearGaussianLearner{
		stateDims:    cfg.StateDimensions,
		actionDims:   cfg.ActionDimensions,
		policy:       mat.NewDense(cfg.ActionDimensions, cfg.StateDimensions+1, nil),
		logSigma:     mat.NewVecDense(cfg.ActionDimensions, nil),
		value:        mat.NewVecDense(cfg.StateDimensions, nil),
		lower:        append([]float64(nil), cfg.ActionLower...),
		upper:        append([]float64(nil), cfg.ActionUpper...),
		l2Enabled:    cfg.L2Enabled,
		l2Importance: cfg.L2Importance,
	}
	for d := 0; d < cfg.ActionDimensions; d++ {
		l.logSigma.SetVec(d, math.Log(cfg.InitialSigma))
	}
	return l, nil
}

func (l *LinearGaussianLearner) snapshot(state []float64) (model.PolicySnapshot, error) {
	if len(state) != l.stateDims {
		return model.PolicySnapshot{}, fmt.Errorf("policy expects %d state dimensions, got %d", l.stateDims, len(state))
	}
	params := make([]float64, 2*l.actionDims)
	for d := 0; d < l.actionDims; d++ {
		mean := l.policy.At(d, l.stateDims)
		for s := 0; s < l.stateDims; s++ {
			mean += l.policy.At(d, s) * state[s]
		}
		params[d] = mean
		params[l.actionDims+d] = math.Exp(l.logSigma.AtVec(d))
	}
	value := l.valueC
	for s := 0; s < l.stateDims; s++ {
		value += l.value.AtVec(s) * state[s]
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return model.PolicySnapshot{}, fmt.Errorf("state value is not finite")
	}
	return model.PolicySnapshot{StateValue: value, DistributionParameters: params}, nil
}

func (l *LinearGaussianLearner) RunPolicy(states [][]float64) ([]model.PolicySnapshot, error) {
	out := make([]model.PolicySnapshot, len(states))
	for i, state := range states {
		snap, err := l.snapshot(state)
		if err != nil {
			return nil, err
		}
		out[i] = snap
	}
	return out, nil
}

// SampleAction draws from the policy Gaussian, clipping to the action
// bounds. The unbounded draw is recorded on the snapshot so outbound
// penalization can detect clipped actions later.
func (l *LinearGaussianLearner) SampleAction(state []float64, rng *rand.Rand) ([]float64, model.PolicySnapshot, error) {
	snap, err := l.snapshot(state)
	if err != nil {
		return nil, model.PolicySnapshot{}, err
	}
	action := make([]float64, l.actionDims)
	unbounded := make([]float64, l.actionDims)
	for d := 0; d < l.actionDims; d++ {
		mean := snap.DistributionParameters[d]
		sigma := snap.DistributionParameters[l.actionDims+d]
		draw := mean + sigma*rng.NormFloat64()
		unbounded[d] = draw
		if d < len(l.lower) && draw < l.lower[d] {
			draw = l.lower[d]
		}
		if d < len(l.upper) && draw > l.upper[d] {
			draw = l.upper[d]
		}
		action[d] = draw
	}
	snap.UnboundedAction = unbounded
	return action, snap, nil
}

// Step applies one stochastic gradient update over the mini-batch: squared
// error descent on the value head toward the retrace target, and a
// truncated-importance-weighted policy gradient on the Gaussian parameters.
func (l *LinearGaussianLearner) Step(batch []model.Experience, learningRate float64) error {
	if len(batch) == 0 {
		return fmt.Errorf("empty mini-batch")
	}
	if learningRate <= 0 {
		return fmt.Errorf("learning rate must be > 0, got %g", learningRate)
	}
	scale := learningRate / float64(len(batch))
	for _, e := range batch {
		snap, err := l.snapshot(e.State)
		if err != nil {
			return err
		}
		advantage := e.RetraceValue - snap.StateValue
		if math.IsNaN(advantage) || math.IsInf(advantage, 0) {
			return fmt.Errorf("advantage is not finite for episode %d position %d", e.EpisodeID, e.EpisodePosition)
		}

		for s := 0; s < l.stateDims; s++ {
			l.value.SetVec(s, l.value.AtVec(s)+scale*advantage*e.State[s])
		}
		l.valueC += scale * advantage

		w := e.TruncatedImportanceWeight
		if w <= 0 {
			w = 1
		}
		for d := 0; d < l.actionDims; d++ {
			mean := snap.DistributionParameters[d]
			sigma := snap.DistributionParameters[l.actionDims+d]
			z := (e.Action[d] - mean) / sigma
			gMean := w * advantage * z / sigma
			for s := 0; s < l.stateDims; s++ {
				grad := gMean * e.State[s]
				if l.l2Enabled {
					grad -= l.l2Importance * l.policy.At(d, s)
				}
				l.policy.Set(d, s, l.policy.At(d, s)+scale*grad)
			}
			l.policy.Set(d, l.stateDims, l.policy.At(d, l.stateDims)+scale*gMean)
			gSigma := w * advantage * (z*z - 1)
			l.logSigma.SetVec(d, l.logSigma.AtVec(d)+scale*gSigma)
		}
	}
	return nil
}

type linearGaussianState struct {
	Policy   []float64 `json:"policy"`
	LogSigma []float64 `json:"log_sigma"`
	Value    []float64 `json:"value"`
	ValueC   float64   `json:"value_c"`
}

func (l *LinearGaussianLearner) ExportHyperparameters() ([]byte, error) {
	state := linearGaussianState{
		Policy:   append([]float64(nil), l.policy.RawMatrix().Data...),
		LogSigma: append([]float64(nil), l.logSigma.RawVector().Data...),
		Value:    append([]float64(nil), l.value.RawVector().Data...),
		ValueC:   l.valueC,
	}
	return json.Marshal(state)
}

func (l *LinearGaussianLearner) ImportHyperparameters(data []byte) error {
	var state linearGaussianState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode policy hyperparameters: %w", err)
	}
	if len(state.Policy) != l.actionDims*(l.stateDims+1) ||
		len(state.LogSigma) != l.actionDims ||
		len(state.Value) != l.stateDims {
		return fmt.Errorf("policy hyperparameter shape mismatch")
	}
	l.policy = mat.NewDense(l.actionDims, l.stateDims+1, append([]float64(nil), state.Policy...))
	l.logSigma = mat.NewVecDense(l.actionDims, append([]float64(nil), state.LogSigma...))
	l.value = mat.NewVecDense(l.stateDims, append([]float64(nil), state.Value...))
	l.valueC = state.ValueC
	return nil
}
