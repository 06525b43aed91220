package solver

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// CMAES is a (mu/lambda) evolution strategy with weighted recombination and
// a rank-mu covariance update. Samples are drawn through the Cholesky factor
// of the covariance matrix.
type CMAES struct {
	dims   int
	lambda int
	mu     int

	mean    *mat.VecDense
	cov     *mat.SymDense
	chol    mat.Cholesky
	sigma   float64
	weights []float64
	muEff   float64

	rng  *rand.Rand
	seed int64

	lastWave    [][]float64
	generation  int
	best        float64
	bestParams  []float64
	stagnation  int
	stop        string
	fitnessGoal float64
	hasGoal     bool
	minSigma    float64
}

type CMAESConfig struct {
	Dimensions   int
	Lambda       int
	InitialMean  []float64
	InitialSigma float64
	Seed         int64
	FitnessGoal  float64
	HasGoal      bool
	MinSigma     float64
}

func NewCMAES(cfg CMAESConfig) (*CMAES, error) {
	if cfg.Dimensions < 1 {
		return nil, fmt.Errorf("cma-es requires at least 1 dimension, got %d", cfg.Dimensions)
	}
	if cfg.Lambda < 2 {
		return nil, fmt.Errorf("cma-es requires lambda >= 2, got %d", cfg.Lambda)
	}
	if cfg.InitialSigma <= 0 {
		cfg.InitialSigma = 0.5
	}
	if cfg.MinSigma <= 0 {
		cfg.MinSigma = 1e-11
	}
	c := &CMAES{
		dims:        cfg.Dimensions,
		lambda:      cfg.Lambda,
		mu:          cfg.Lambda / 2,
		sigma:       cfg.InitialSigma,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		seed:        cfg.Seed,
		best:        math.Inf(-1),
		fitnessGoal: cfg.FitnessGoal,
		hasGoal:     cfg.HasGoal,
		minSigma:    cfg.MinSigma,
	}
	if c.mu < 1 {
		c.mu = 1
	}
	c.mean = mat.NewVecDense(c.dims, nil)
	for i := 0; i < c.dims && i < len(cfg.InitialMean); i++ {
		c.mean.SetVec(i, cfg.InitialMean[i])
	}
	c.cov = mat.NewSymDense(c.dims, nil)
	for i := 0; i < c.dims; i++ {
		c.cov.SetSym(i, i, 1.0)
	}
	c.weights = make([]float64, c.mu)
	total := 0.0
	for i := range c.weights {
		c.weights[i] = math.Log(float64(c.mu)+0.5) - math.Log(float64(i+1))
		total += c.weights[i]
	}
	sumSq := 0.0
	for i := range c.weights {
		c.weights[i] /= total
		sumSq += c.weights[i] * c.weights[i]
	}
	c.muEff = 1.0 / sumSq
	return c, nil
}

func (c *CMAES) Initialize() error {
	if ok := c.chol.Factorize(c.cov); !ok {
		return fmt.Errorf("cma-es covariance is not positive definite")
	}
	return nil
}

func (c *CMAES) GenerateWave(samples [][]float64) {
	if c.lastWave == nil {
		c.lastWave = make([][]float64, len(samples))
	}
	// Reseeding per generation makes a resumed run draw the same wave as an
	// uninterrupted one.
	c.rng = rand.New(rand.NewSource(c.seed + int64(c.generation)))
	var l mat.TriDense
	c.chol.LTo(&l)
	z := mat.NewVecDense(c.dims, nil)
	y := mat.NewVecDense(c.dims, nil)
	for s := range samples {
		for d := 0; d < c.dims; d++ {
			z.SetVec(d, c.rng.NormFloat64())
		}
		y.MulVec(&l, z)
		for d := 0; d < c.dims; d++ {
			samples[s][d] = c.mean.AtVec(d) + c.sigma*y.AtVec(d)
		}
		c.lastWave[s] = samples[s]
	}
	c.generation++
}

// UpdateDistribution performs weighted recombination of the mu best samples
// and a rank-mu covariance update, then refactorizes for the next wave.
func (c *CMAES) UpdateDistribution(fitness []float64) {
	order := make([]int, len(fitness))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return fitness[order[a]] > fitness[order[b]] })

	if fitness[order[0]] > c.best {
		c.best = fitness[order[0]]
		c.bestParams = append([]float64(nil), c.lastWave[order[0]]...)
		c.stagnation = 0
	} else {
		c.stagnation++
	}

	oldMean := mat.VecDenseCopyOf(c.mean)
	newMean := mat.NewVecDense(c.dims, nil)
	for rank := 0; rank < c.mu; rank++ {
		w := c.weights[rank]
		sample := c.lastWave[order[rank]]
		for d := 0; d < c.dims; d++ {
			newMean.SetVec(d, newMean.AtVec(d)+w*sample[d])
		}
	}
	c.mean = newMean

	cmu := math.Min(1, 2*c.muEff/float64(c.dims*c.dims))
	updated := mat.NewSymDense(c.dims, nil)
	for i := 0; i < c.dims; i++ {
		for j := i; j < c.dims; j++ {
			updated.SetSym(i, j, (1-cmu)*c.cov.At(i, j))
		}
	}
	y := make([]float64, c.dims)
	for rank := 0; rank < c.mu; rank++ {
		w := c.weights[rank]
		sample := c.lastWave[order[rank]]
		for d := 0; d < c.dims; d++ {
			y[d] = (sample[d] - oldMean.AtVec(d)) / c.sigma
		}
		for i := 0; i < c.dims; i++ {
			for j := i; j < c.dims; j++ {
				updated.SetSym(i, j, updated.At(i, j)+cmu*w*y[i]*y[j])
			}
		}
	}
	c.cov = updated

	// Step-size control by the mean shift relative to the current scale.
	shift := mat.NewVecDense(c.dims, nil)
	shift.SubVec(c.mean, oldMean)
	norm := mat.Norm(shift, 2) / c.sigma
	expected := math.Sqrt(float64(c.dims)) * (1 - 1/(4*float64(c.dims)))
	cs := (c.muEff + 2) / (float64(c.dims) + c.muEff + 5)
	c.sigma *= math.Exp(cs * (norm/expected - 1))

	if ok := c.chol.Factorize(c.cov); !ok {
		// Covariance drifted out of positive definiteness; reset toward
		// the identity at the current scale.
		for i := 0; i < c.dims; i++ {
			for j := i; j < c.dims; j++ {
				if i == j {
					c.cov.SetSym(i, j, 1.0)
				} else {
					c.cov.SetSym(i, j, 0.0)
				}
			}
		}
		c.chol.Factorize(c.cov)
	}
}

func (c *CMAES) CheckTermination() bool {
	if c.hasGoal && c.best >= c.fitnessGoal {
		c.stop = "fitness goal reached"
		return true
	}
	if c.sigma < c.minSigma {
		c.stop = "minimal step size reached"
		return true
	}
	if c.stagnation > 100 {
		c.stop = "fitness stagnation"
		return true
	}
	return false
}

func (c *CMAES) Results() Result {
	return Result{
		BestFitness:    c.best,
		BestParameters: append([]float64(nil), c.bestParams...),
		StopCriterion:  c.stop,
	}
}

func (c *CMAES) Mean() []float64 {
	out := make([]float64, c.dims)
	for d := 0; d < c.dims; d++ {
		out[d] = c.mean.AtVec(d)
	}
	return out
}

type cmaesState struct {
	Mean       []float64 `json:"mean"`
	Covariance []float64 `json:"covariance"`
	Sigma      float64   `json:"sigma"`
	Generation int       `json:"generation"`
	Best       float64   `json:"best"`
	BestParams []float64 `json:"best_params"`
	Stagnation int       `json:"stagnation"`
}

func (c *CMAES) ExportState() ([]byte, error) {
	state := cmaesState{
		Mean:       c.Mean(),
		Covariance: make([]float64, 0, c.dims*c.dims),
		Sigma:      c.sigma,
		Generation: c.generation,
		Best:       c.best,
		BestParams: append([]float64(nil), c.bestParams...),
		Stagnation: c.stagnation,
	}
	for i := 0; i < c.dims; i++ {
		for j := 0; j < c.dims; j++ {
			state.Covariance = append(state.Covariance, c.cov.At(i, j))
		}
	}
	return json.Marshal(state)
}

func (c *CMAES) ImportState(data []byte) error {
	var state cmaesState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode cma-es state: %w", err)
	}
	if len(state.Mean) != c.dims || len(state.Covariance) != c.dims*c.dims {
		return fmt.Errorf("cma-es state dimension mismatch")
	}
	for d := 0; d < c.dims; d++ {
		c.mean.SetVec(d, state.Mean[d])
	}
	for i := 0; i < c.dims; i++ {
		for j := i; j < c.dims; j++ {
			c.cov.SetSym(i, j, state.Covariance[i*c.dims+j])
		}
	}
	c.sigma = state.Sigma
	c.generation = state.Generation
	c.best = state.Best
	c.bestParams = append([]float64(nil), state.BestParams...)
	c.stagnation = state.Stagnation
	if ok := c.chol.Factorize(c.cov); !ok {
		return fmt.Errorf("cma-es state covariance is not positive definite")
	}
	return nil
}
