package replay

import (
	"fmt"
	"math"

	"pleione/internal/model"
)

// RefreshConfig carries the hyperparameters needed to recompute mini-batch
// metadata.
type RefreshConfig struct {
	DiscountFactor  float64
	TruncationLevel float64
	Cutoff          float64
}

// ImportanceWeight computes pi_cur(a|s) / pi_old(a|s) for the recorded
// action under the two policy snapshots.
func ImportanceWeight(current, behavior model.PolicySnapshot, action []float64) (float64, error) {
	if len(behavior.ActionProbabilities) > 0 {
		idx := behavior.DiscreteActionIndex
		if idx < 0 || idx >= len(current.ActionProbabilities) || idx >= len(behavior.ActionProbabilities) {
			return 0, fmt.Errorf("%w: discrete action index %d out of range", ErrEvaluationFailed, idx)
		}
		old := behavior.ActionProbabilities[idx]
		if old <= 0 {
			return 0, fmt.Errorf("%w: behavior probability is not positive", ErrEvaluationFailed)
		}
		return current.ActionProbabilities[idx] / old, nil
	}

	curLog, err := gaussianLogDensity(current.DistributionParameters, action)
	if err != nil {
		return 0, err
	}
	oldLog, err := gaussianLogDensity(behavior.DistributionParameters, action)
	if err != nil {
		return 0, err
	}
	iw := math.Exp(curLog - oldLog)
	if math.IsNaN(iw) || math.IsInf(iw, 0) {
		return 0, fmt.Errorf("%w: importance weight is not finite", ErrEvaluationFailed)
	}
	return iw, nil
}

// gaussianLogDensity evaluates a diagonal Gaussian whose parameters are laid
// out as means followed by standard deviations.
func gaussianLogDensity(params, action []float64) (float64, error) {
	if len(params) != 2*len(action) {
		return 0, fmt.Errorf("%w: distribution has %d parameters for %d action dimensions", ErrEvaluationFailed, len(params), len(action))
	}
	dims := len(action)
	logp := 0.0
	for d := 0; d < dims; d++ {
		mean := params[d]
		sigma := params[dims+d]
		if sigma <= 0 {
			return 0, fmt.Errorf("%w: non-positive standard deviation", ErrEvaluationFailed)
		}
		z := (action[d] - mean) / sigma
		logp += -0.5*z*z - math.Log(sigma) - 0.5*math.Log(2*math.Pi)
	}
	return logp, nil
}

// RefreshMetadata recomputes the importance weights, on-policy flags and
// retrace values for a mini-batch given freshly evaluated policies, one per
// index. Applying it twice with the same policies yields identical metadata.
func (b *Buffer) RefreshMetadata(indices []int, policies []model.PolicySnapshot, cfg RefreshConfig) error {
	if len(indices) != len(policies) {
		return fmt.Errorf("metadata refresh: %d indices, %d policies", len(indices), len(policies))
	}
	episodes := make(map[int]struct{})
	for k, idx := range indices {
		e, err := b.Get(idx)
		if err != nil {
			return err
		}
		iw, err := ImportanceWeight(policies[k], e.BehaviorPolicy, e.Action)
		if err != nil {
			return err
		}
		truncated := math.Min(cfg.TruncationLevel, iw)
		onPolicy := iw >= 1.0/cfg.Cutoff && iw <= cfg.Cutoff
		policy := policies[k]
		if err := b.Update(idx, func(exp *model.Experience) {
			exp.CurrentPolicy = policy
			exp.ImportanceWeight = iw
			exp.TruncatedImportanceWeight = truncated
			exp.OnPolicy = onPolicy
		}); err != nil {
			return err
		}
		episodes[e.EpisodeID] = struct{}{}
	}
	for episodeID := range episodes {
		if err := b.RecomputeRetrace(episodeID, cfg.DiscountFactor); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeRetrace walks an episode's stored experiences backward from its
// last available step. Episodes are contiguous in insertion order, so a
// linear scan over the logical range finds them.
func (b *Buffer) RecomputeRetrace(episodeID int, gamma float64) error {
	first, last := -1, -1
	for i := b.StartIndex(); i < b.EndIndex(); i++ {
		e, err := b.Get(i)
		if err != nil {
			return err
		}
		if e.EpisodeID != episodeID {
			if first >= 0 {
				break
			}
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return nil
	}

	// Eviction trims the front of the oldest episode, never its tail, so
	// the walk always starts from a closing step: bootstrap with zero at a
	// true terminal and with V(truncatedState) at a truncation.
	nextRetrace := 0.0
	nextValue := 0.0
	nextCutoff := 0.0
	tail, err := b.Get(last)
	if err != nil {
		return err
	}
	if tail.Termination == model.Truncated {
		nextRetrace = tail.TruncatedStateValue
		nextValue = tail.TruncatedStateValue
	}

	for i := last; i >= first; i-- {
		e, err := b.Get(i)
		if err != nil {
			return err
		}
		value := e.CurrentPolicy.StateValue
		delta := e.Reward + gamma*nextValue - value
		retrace := value + delta + gamma*nextCutoff*(nextRetrace-nextValue)
		if math.IsNaN(retrace) || math.IsInf(retrace, 0) {
			return fmt.Errorf("%w: retrace value is not finite for episode %d", ErrEvaluationFailed, episodeID)
		}
		priority := math.Abs(delta)
		if err := b.Update(i, func(exp *model.Experience) {
			exp.RetraceValue = retrace
			exp.Priority = priority
		}); err != nil {
			return err
		}
		nextRetrace = retrace
		nextValue = value
		nextCutoff = e.TruncatedImportanceWeight
	}
	return nil
}
