package driver

import (
	"context"
	"testing"
	"time"

	"pleione/internal/config"
	"pleione/internal/dispatch"
	"pleione/internal/problem"
	"pleione/internal/solver"
	"pleione/internal/transport"
)

func optimizerConfig(lambda, ranks, generations int) config.Config {
	cfg := config.Default()
	cfg.Lambda = lambda
	cfg.Ranks = ranks
	cfg.Termination.MaxGenerations = generations
	cfg.Seed = 0xC0FFEE
	return cfg
}

func startRosenbrockWorkers(t *testing.T, fabric *transport.Fabric, lambda, params int) []chan error {
	t.Helper()
	errs := make([]chan error, 0, fabric.RankCount()-1)
	for rank := 1; rank < fabric.RankCount(); rank++ {
		done := make(chan error, 1)
		errs = append(errs, done)
		go func(rank int) {
			local, err := fabric.Rank(rank)
			if err != nil {
				done <- err
				return
			}
			worker, err := dispatch.NewWorker(local, lambda, params, problem.NewRosenbrock(params).EvaluateFitness, nil)
			if err != nil {
				done <- err
				return
			}
			done <- worker.Run()
		}(rank)
	}
	return errs
}

// Optimizer smoke test: 2-D Rosenbrock, lambda 8, pool of 4 ranks, one
// generation, fixed seed. The wave completes with finite fitness and the
// optimizer's mean shifts from its initialization.
func TestOptimizerSmoke(t *testing.T) {
	const lambda, params, ranks = 8, 2, 4
	cfg := optimizerConfig(lambda, ranks, 1)

	fabric, err := transport.NewFabric(ranks)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	workerErrs := startRosenbrockWorkers(t, fabric, lambda, params)

	local, err := fabric.Rank(0)
	if err != nil {
		t.Fatalf("rank 0: %v", err)
	}
	pool, err := dispatch.NewWorkerPool(local, true)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	rosen := problem.NewRosenbrock(params)
	dispatcher, err := dispatch.NewDispatcher(local, pool, lambda, params, rosen.EvaluateFitness)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	cma, err := solver.NewCMAES(solver.CMAESConfig{
		Dimensions:   params,
		Lambda:       lambda,
		InitialMean:  []float64{-2, 2},
		InitialSigma: 1,
		Seed:         cfg.Seed,
	})
	if err != nil {
		t.Fatalf("new cma-es: %v", err)
	}
	drv, err := NewOptimizerDriver(cfg, local, cma, dispatcher, params)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}

	initialMean := cma.Mean()
	outcome, err := drv.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Generations != 1 {
		t.Fatalf("generations: got %d, want 1", outcome.Generations)
	}
	if outcome.StopCriterion != "max generations reached" {
		t.Fatalf("stop criterion: got %q", outcome.StopCriterion)
	}
	updatedMean := cma.Mean()
	if initialMean[0] == updatedMean[0] && initialMean[1] == updatedMean[1] {
		t.Fatal("optimizer mean did not shift after the wave")
	}

	// Clean shutdown: every worker leaves its loop and passes the final
	// barrier within a bounded time.
	for i, done := range workerErrs {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("worker %d: %v", i+1, err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("worker %d did not pass the final barrier", i+1)
		}
	}
}

func TestDriverStopsOnFitnessEvaluationCap(t *testing.T) {
	const lambda, params = 4, 2
	cfg := optimizerConfig(lambda, 1, 100)
	cfg.Termination.MaxFitnessEvaluations = 8

	fabric, err := transport.NewFabric(1)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	local, err := fabric.Rank(0)
	if err != nil {
		t.Fatalf("rank 0: %v", err)
	}
	pool, err := dispatch.NewWorkerPool(local, true)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	sphere := problem.NewSphere(params)
	dispatcher, err := dispatch.NewDispatcher(local, pool, lambda, params, sphere.EvaluateFitness)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	cma, err := solver.NewCMAES(solver.CMAESConfig{Dimensions: params, Lambda: lambda, Seed: 1})
	if err != nil {
		t.Fatalf("new cma-es: %v", err)
	}
	drv, err := NewOptimizerDriver(cfg, local, cma, dispatcher, params)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}

	outcome, err := drv.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// 8 evaluations at lambda 4 is two generations.
	if outcome.Generations != 2 {
		t.Fatalf("generations: got %d, want 2", outcome.Generations)
	}
	if outcome.StopCriterion != "max fitness evaluations reached" {
		t.Fatalf("stop criterion: got %q", outcome.StopCriterion)
	}
}

func TestDriverHonorsStopRequest(t *testing.T) {
	const lambda, params = 4, 2
	cfg := optimizerConfig(lambda, 1, 100)

	fabric, err := transport.NewFabric(1)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	local, err := fabric.Rank(0)
	if err != nil {
		t.Fatalf("rank 0: %v", err)
	}
	pool, err := dispatch.NewWorkerPool(local, true)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	sphere := problem.NewSphere(params)
	dispatcher, err := dispatch.NewDispatcher(local, pool, lambda, params, sphere.EvaluateFitness)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	cma, err := solver.NewCMAES(solver.CMAESConfig{Dimensions: params, Lambda: lambda, Seed: 1})
	if err != nil {
		t.Fatalf("new cma-es: %v", err)
	}
	drv, err := NewOptimizerDriver(cfg, local, cma, dispatcher, params)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	drv.OnGeneration = func(generation int) error {
		if generation >= 3 {
			return ErrStopRequested
		}
		return nil
	}

	outcome, err := drv.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Generations != 3 {
		t.Fatalf("generations: got %d, want 3", outcome.Generations)
	}
	if outcome.StopCriterion != "stopped by command" {
		t.Fatalf("stop criterion: got %q", outcome.StopCriterion)
	}
}
