package dispatch

import (
	"errors"
	"math"
	"testing"
	"time"

	"pleione/internal/problem"
	"pleione/internal/transport"
)

// startEvaluationWorkers launches worker ranks 1..n-1 with the evaluator
// produced per rank, returning one error channel per worker.
func startEvaluationWorkers(t *testing.T, fabric *transport.Fabric, lambda, params int, evaluator func(rank int) Evaluator) []chan error {
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
			worker, err := NewWorker(local, lambda, params, evaluator(rank), nil)
			if err != nil {
				done <- err
				return
			}
			done <- worker.Run()
		}(rank)
	}
	return errs
}

func drainWorkers(t *testing.T, errs []chan error) {
	t.Helper()
	for i, done := range errs {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("worker %d: %v", i+1, err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("worker %d did not shut down", i+1)
		}
	}
}

func coordinatorStack(t *testing.T, fabric *transport.Fabric, lambda, params int, coordinatorEvaluates bool, evaluator Evaluator) (*transport.Local, *Dispatcher) {
	t.Helper()
	local, err := fabric.Rank(0)
	if err != nil {
		t.Fatalf("rank 0: %v", err)
	}
	pool, err := NewWorkerPool(local, coordinatorEvaluates)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if evaluator == nil {
		evaluator = func(x []float64) (float64, error) { return x[0], nil }
	}
	dispatcher, err := NewDispatcher(local, pool, lambda, params, evaluator)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return local, dispatcher
}

func TestRunWaveEvaluatesRosenbrockWave(t *testing.T) {
	const lambda, params = 8, 2
	fabric, err := transport.NewFabric(4)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	rosen := problem.NewRosenbrock(params)
	workerErrs := startEvaluationWorkers(t, fabric, lambda, params, func(int) Evaluator {
		return problem.NewRosenbrock(params).EvaluateFitness
	})
	_, dispatcher := coordinatorStack(t, fabric, lambda, params, true, rosen.EvaluateFitness)

	samples := make([][]float64, lambda)
	for i := range samples {
		samples[i] = []float64{float64(i) * 0.25, float64(i) * 0.1}
	}
	fitness, err := dispatcher.RunWave(samples)
	if err != nil {
		t.Fatalf("run wave: %v", err)
	}
	if len(fitness) != lambda {
		t.Fatalf("expected %d fitness values, got %d", lambda, len(fitness))
	}
	for i, value := range fitness {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			t.Fatalf("fitness %d is not finite: %g", i, value)
		}
		want, _ := rosen.EvaluateFitness(samples[i])
		if value != want {
			t.Fatalf("fitness %d: got %g, want %g", i, value, want)
		}
	}

	if err := dispatcher.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	drainWorkers(t, workerErrs)
}

func TestRunWaveFairnessAcrossWorkers(t *testing.T) {
	const lambda, params, workers = 16, 2, 4
	fabric, err := transport.NewFabric(workers + 1)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	counts := make([]int, workers+1)
	workerErrs := startEvaluationWorkers(t, fabric, lambda, params, func(rank int) Evaluator {
		return func(x []float64) (float64, error) {
			counts[rank]++
			time.Sleep(2 * time.Millisecond)
			return x[0] + x[1], nil
		}
	})
	_, dispatcher := coordinatorStack(t, fabric, lambda, params, false, nil)

	samples := make([][]float64, lambda)
	for i := range samples {
		samples[i] = []float64{float64(i), 1}
	}
	if _, err := dispatcher.RunWave(samples); err != nil {
		t.Fatalf("run wave: %v", err)
	}
	if err := dispatcher.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	drainWorkers(t, workerErrs)

	expected := lambda / workers
	for rank := 1; rank <= workers; rank++ {
		if counts[rank] < expected-1 || counts[rank] > expected+1 {
			t.Fatalf("rank %d completed %d samples, want %d +/- 1", rank, counts[rank], expected)
		}
	}
}

func TestRunWaveSingleSampleUsesOneWorker(t *testing.T) {
	const lambda, params = 1, 2
	fabric, err := transport.NewFabric(4)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	counts := make([]int, 4)
	workerErrs := startEvaluationWorkers(t, fabric, lambda, params, func(rank int) Evaluator {
		return func(x []float64) (float64, error) {
			counts[rank]++
			return x[0], nil
		}
	})
	_, dispatcher := coordinatorStack(t, fabric, lambda, params, false, nil)

	if _, err := dispatcher.RunWave([][]float64{{7, 0}}); err != nil {
		t.Fatalf("run wave: %v", err)
	}
	if err := dispatcher.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	drainWorkers(t, workerErrs)

	used := 0
	for _, c := range counts {
		if c > 0 {
			used++
		}
	}
	if used != 1 {
		t.Fatalf("expected exactly one worker used, got %d", used)
	}
}

func TestRunWaveAllFalseDependenciesDispatchEverything(t *testing.T) {
	const lambda, params = 6, 1
	fabric, err := transport.NewFabric(2)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	workerErrs := startEvaluationWorkers(t, fabric, lambda, params, func(int) Evaluator {
		return func(x []float64) (float64, error) { return 2 * x[0], nil }
	})
	_, dispatcher := coordinatorStack(t, fabric, lambda, params, false, nil)

	samples := make([][]float64, lambda)
	for i := range samples {
		samples[i] = []float64{float64(i)}
	}
	fitness, err := dispatcher.RunWave(samples)
	if err != nil {
		t.Fatalf("run wave: %v", err)
	}
	for i, value := range fitness {
		if value != 2*float64(i) {
			t.Fatalf("sample %d: got %g, want %g", i, value, 2*float64(i))
		}
	}
	if err := dispatcher.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	drainWorkers(t, workerErrs)
}

func TestRunWaveNonFiniteFitnessIsFatal(t *testing.T) {
	const lambda, params = 2, 1
	fabric, err := transport.NewFabric(2)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	workerErrs := startEvaluationWorkers(t, fabric, lambda, params, func(int) Evaluator {
		return func(x []float64) (float64, error) {
			return 0, errors.New("simulated evaluation failure")
		}
	})
	_, dispatcher := coordinatorStack(t, fabric, lambda, params, false, nil)

	_, err = dispatcher.RunWave([][]float64{{1}, {2}})
	if !errors.Is(err, ErrEvaluationFailed) {
		t.Fatalf("expected ErrEvaluationFailed, got %v", err)
	}
	if err := dispatcher.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	drainWorkers(t, workerErrs)
}
