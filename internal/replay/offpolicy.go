package replay

import (
	"fmt"
	"math"

	"pleione/internal/model"
)

// OffPolicyController maintains the running off-policy fraction of the
// replay buffer and anneals the cutoff and learning rate toward the target
// (the REFER rule).
type OffPolicyController struct {
	target        float64
	annealingRate float64
	initialCutoff float64
	baseRate      float64

	beta        float64
	cutoff      float64
	currentRate float64
}

type ControllerConfig struct {
	Target        float64
	AnnealingRate float64
	CutoffScale   float64
	REFERBeta     float64
	LearningRate  float64
}

func NewOffPolicyController(cfg ControllerConfig) (*OffPolicyController, error) {
	if cfg.Target <= 0 || cfg.Target >= 1 {
		return nil, fmt.Errorf("off-policy target must be in (0, 1), got %g", cfg.Target)
	}
	if cfg.CutoffScale <= 0 {
		return nil, fmt.Errorf("cutoff scale must be > 0, got %g", cfg.CutoffScale)
	}
	if cfg.AnnealingRate < 0 {
		return nil, fmt.Errorf("annealing rate must be >= 0, got %g", cfg.AnnealingRate)
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be > 0, got %g", cfg.LearningRate)
	}
	c := &OffPolicyController{
		target:        cfg.Target,
		annealingRate: cfg.AnnealingRate,
		initialCutoff: cfg.CutoffScale,
		baseRate:      cfg.LearningRate,
		beta:          cfg.REFERBeta,
		cutoff:        cfg.CutoffScale,
	}
	c.currentRate = c.baseRate / (1 + c.beta)
	return c, nil
}

func (c *OffPolicyController) Cutoff() float64 { return c.cutoff }

func (c *OffPolicyController) LearningRate() float64 { return c.currentRate }

func (c *OffPolicyController) Beta() float64 { return c.beta }

// Tick reads the buffer's off-policy ratio, moves beta, the learning rate
// and the cutoff, then reclassifies the stored experiences against the new
// cutoff.
func (c *OffPolicyController) Tick(buf *Buffer) model.OffPolicyState {
	ratio := buf.OffPolicyRatio()
	if ratio > c.target {
		c.beta += c.annealingRate
		c.cutoff /= 1 + c.annealingRate
	} else {
		c.beta = math.Max(0, c.beta-c.annealingRate)
		c.cutoff *= 1 + c.annealingRate
	}
	c.currentRate = c.baseRate / (1 + c.beta)

	buf.Reclassify(c.cutoff)
	return c.State(buf)
}

func (c *OffPolicyController) State(buf *Buffer) model.OffPolicyState {
	return model.OffPolicyState{
		Count:               buf.OffPolicyCount(),
		Ratio:               buf.OffPolicyRatio(),
		CurrentCutoff:       c.cutoff,
		AnnealingRate:       c.annealingRate,
		REFERBeta:           c.beta,
		CurrentLearningRate: c.currentRate,
	}
}

// Restore rewinds the controller to a checkpointed state.
func (c *OffPolicyController) Restore(state model.OffPolicyState) {
	c.beta = state.REFERBeta
	c.cutoff = state.CurrentCutoff
	c.currentRate = state.CurrentLearningRate
	if c.cutoff <= 0 {
		c.cutoff = c.initialCutoff
	}
	if c.currentRate <= 0 {
		c.currentRate = c.baseRate / (1 + c.beta)
	}
}
