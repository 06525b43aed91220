package solver

import (
	"math"
	"testing"

	"pleione/internal/problem"
)

func evaluateWave(t *testing.T, p problem.Problem, samples [][]float64) []float64 {
	t.Helper()
	fitness := make([]float64, len(samples))
	for i, x := range samples {
		value, err := p.EvaluateFitness(x)
		if err != nil {
			t.Fatalf("evaluate sample %d: %v", i, err)
		}
		fitness[i] = value
	}
	return fitness
}

func newWave(lambda, dims int) [][]float64 {
	samples := make([][]float64, lambda)
	for i := range samples {
		samples[i] = make([]float64, dims)
	}
	return samples
}

func TestCMAESMeanMovesTowardOptimum(t *testing.T) {
	const lambda, dims = 16, 2
	cma, err := NewCMAES(CMAESConfig{
		Dimensions:   dims,
		Lambda:       lambda,
		InitialMean:  []float64{3, 3},
		InitialSigma: 1,
		Seed:         42,
	})
	if err != nil {
		t.Fatalf("new cma-es: %v", err)
	}
	if err := cma.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	sphere := problem.NewSphere(dims)
	samples := newWave(lambda, dims)
	distance := func(mean []float64) float64 {
		return math.Hypot(mean[0], mean[1])
	}
	before := distance(cma.Mean())
	for gen := 0; gen < 20; gen++ {
		cma.GenerateWave(samples)
		cma.UpdateDistribution(evaluateWave(t, sphere, samples))
	}
	after := distance(cma.Mean())
	if after >= before {
		t.Fatalf("mean did not move toward the optimum: %g -> %g", before, after)
	}
}

func TestCMAESMeanShiftsAfterOneGeneration(t *testing.T) {
	const lambda, dims = 8, 2
	cma, err := NewCMAES(CMAESConfig{
		Dimensions:   dims,
		Lambda:       lambda,
		InitialMean:  []float64{-1, 1},
		InitialSigma: 0.5,
		Seed:         7,
	})
	if err != nil {
		t.Fatalf("new cma-es: %v", err)
	}
	if err := cma.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	rosen := problem.NewRosenbrock(dims)
	initial := cma.Mean()
	samples := newWave(lambda, dims)
	cma.GenerateWave(samples)
	cma.UpdateDistribution(evaluateWave(t, rosen, samples))
	updated := cma.Mean()

	if initial[0] == updated[0] && initial[1] == updated[1] {
		t.Fatal("mean vector did not shift after the first update")
	}
}

func TestCMAESStateRoundTripReproducesWave(t *testing.T) {
	const lambda, dims = 8, 2
	build := func() *CMAES {
		cma, err := NewCMAES(CMAESConfig{Dimensions: dims, Lambda: lambda, InitialSigma: 1, Seed: 11})
		if err != nil {
			t.Fatalf("new cma-es: %v", err)
		}
		if err := cma.Initialize(); err != nil {
			t.Fatalf("initialize: %v", err)
		}
		return cma
	}

	sphere := problem.NewSphere(dims)
	original := build()
	samples := newWave(lambda, dims)
	for gen := 0; gen < 3; gen++ {
		original.GenerateWave(samples)
		original.UpdateDistribution(evaluateWave(t, sphere, samples))
	}
	state, err := original.ExportState()
	if err != nil {
		t.Fatalf("export state: %v", err)
	}

	restored := build()
	if err := restored.ImportState(state); err != nil {
		t.Fatalf("import state: %v", err)
	}

	waveA := newWave(lambda, dims)
	waveB := newWave(lambda, dims)
	original.GenerateWave(waveA)
	restored.GenerateWave(waveB)
	for i := range waveA {
		for d := range waveA[i] {
			if waveA[i][d] != waveB[i][d] {
				t.Fatalf("restored run diverged at sample %d dim %d: %g vs %g", i, d, waveA[i][d], waveB[i][d])
			}
		}
	}
}

func TestCMAESTerminatesOnFitnessGoal(t *testing.T) {
	const lambda, dims = 8, 2
	cma, err := NewCMAES(CMAESConfig{
		Dimensions:  dims,
		Lambda:      lambda,
		Seed:        5,
		FitnessGoal: -1000,
		HasGoal:     true,
	})
	if err != nil {
		t.Fatalf("new cma-es: %v", err)
	}
	if err := cma.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	sphere := problem.NewSphere(dims)
	samples := newWave(lambda, dims)
	cma.GenerateWave(samples)
	cma.UpdateDistribution(evaluateWave(t, sphere, samples))

	if !cma.CheckTermination() {
		t.Fatal("expected termination once the fitness goal was met")
	}
	if cma.Results().StopCriterion == "" {
		t.Fatal("expected a stop criterion to be recorded")
	}
}
