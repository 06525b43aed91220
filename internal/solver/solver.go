package solver

import (
	"math/rand"

	"pleione/internal/model"
)

// Result summarizes an optimizer run for printing and persistence.
type Result struct {
	BestFitness    float64   `json:"best_fitness"`
	BestParameters []float64 `json:"best_parameters"`
	StopCriterion  string    `json:"stop_criterion,omitempty"`
}

// DistributionUpdater is the optimizer strategy consumed by the generation
// driver. GenerateWave fills the provided sample matrix in place;
// UpdateDistribution folds the collected fitness vector back into the
// search distribution.
type DistributionUpdater interface {
	Initialize() error
	GenerateWave(samples [][]float64)
	UpdateDistribution(fitness []float64)
	CheckTermination() bool
	Results() Result
	ExportState() ([]byte, error)
	ImportState(data []byte) error
}

// PolicyLearner is the reinforcement-learning strategy consumed by the
// agent loop.
type PolicyLearner interface {
	// Step applies one mini-batch update at the given learning rate. The
	// experiences carry refreshed metadata (retrace values, truncated
	// importance weights, on-policy flags).
	Step(batch []model.Experience, learningRate float64) error

	// RunPolicy evaluates the current policy on a batch of states.
	RunPolicy(states [][]float64) ([]model.PolicySnapshot, error)

	// SampleAction draws an exploratory action for a state and returns the
	// behavior snapshot recorded alongside it.
	SampleAction(state []float64, rng *rand.Rand) ([]float64, model.PolicySnapshot, error)

	ExportHyperparameters() ([]byte, error)
	ImportHyperparameters(data []byte) error
}
