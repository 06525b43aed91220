package dispatch

import (
	"errors"
	"fmt"
	"math"

	"pleione/internal/transport"
)

// ErrEvaluationFailed marks a non-finite objective value. Evaluation errors
// are fatal to the run; there is no retry.
var ErrEvaluationFailed = errors.New("evaluation failed")

// Evaluator computes the objective for a single parameter vector. It runs on
// whichever rank the sample was dispatched to.
type Evaluator func(x []float64) (float64, error)

// Dispatcher fans a lambda-sized wave of samples out across the worker pool
// and collects the fitness values back. The sample matrix and fitness vector
// are allocated once and reused across waves.
type Dispatcher struct {
	t      transport.Transport
	pool   *WorkerPool
	params int
	lambda int

	matrix     []float64
	fitness    []float64
	dependency []bool
	executed   []bool

	received  int
	evaluator Evaluator
	sendErr   error
}

func NewDispatcher(t transport.Transport, pool *WorkerPool, lambda, paramCount int, evaluator Evaluator) (*Dispatcher, error) {
	if lambda < 1 {
		return nil, fmt.Errorf("lambda must be >= 1, got %d", lambda)
	}
	if paramCount < 1 {
		return nil, fmt.Errorf("parameter count must be >= 1, got %d", paramCount)
	}
	if evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	d := &Dispatcher{
		t:          t,
		pool:       pool,
		params:     paramCount,
		lambda:     lambda,
		matrix:     make([]float64, lambda*paramCount),
		fitness:    make([]float64, lambda),
		dependency: make([]bool, lambda),
		executed:   make([]bool, lambda),
		evaluator:  evaluator,
	}
	t.Handle(transport.TagDone, d.onDone)
	return d, nil
}

// onDone only mutates plain fields; the dispatcher resumes after the next
// progress pump.
func (d *Dispatcher) onDone(msg transport.Message) {
	d.fitness[msg.Index] = msg.Value
	d.received++
	if err := d.pool.CheckIn(msg.From); err != nil && d.sendErr == nil {
		d.sendErr = err
	}
}

// SetDependency reserves sample i until cleared. Reserved for future
// constraint-aware waves; no in-tree updater sets it.
func (d *Dispatcher) SetDependency(i int, blocked bool) {
	d.dependency[i] = blocked
}

// RunWave dispatches one generation of samples and blocks until every
// fitness slot has been written.
func (d *Dispatcher) RunWave(samples [][]float64) ([]float64, error) {
	if len(samples) != d.lambda {
		return nil, fmt.Errorf("wave size mismatch: got %d samples, want %d", len(samples), d.lambda)
	}
	for i, sample := range samples {
		if len(sample) != d.params {
			return nil, fmt.Errorf("sample %d has %d parameters, want %d", i, len(sample), d.params)
		}
		copy(d.matrix[i*d.params:(i+1)*d.params], sample)
	}
	for i := range d.executed {
		d.executed[i] = false
		d.fitness[i] = 0
	}
	d.received = 0
	d.sendErr = nil

	self := d.t.RankID()
	for rank := 0; rank < d.t.RankCount(); rank++ {
		if rank == self {
			continue
		}
		if err := d.t.Send(rank, transport.Message{Tag: transport.TagBroadcastIncoming}); err != nil {
			return nil, err
		}
	}
	if err := d.t.Broadcast(d.matrix, self); err != nil {
		return nil, err
	}

	executedCount := 0
	for executedCount < d.lambda {
		for i := 0; i < d.lambda; i++ {
			if d.dependency[i] || d.executed[i] {
				continue
			}
			rank := d.pool.CheckOut()
			d.pool.Assign(rank, i)
			if rank == self {
				value, err := d.evaluator(samples[i])
				if err != nil {
					return nil, fmt.Errorf("%w: sample %d on rank %d: %v", ErrEvaluationFailed, i, self, err)
				}
				d.fitness[i] = value
				d.received++
				if err := d.pool.CheckIn(rank); err != nil {
					return nil, err
				}
			} else {
				if err := d.t.Send(rank, transport.Message{Tag: transport.TagEvaluate, Index: i}); err != nil {
					return nil, err
				}
			}
			d.executed[i] = true
			executedCount++
		}
	}

	for d.received < d.lambda {
		d.t.Progress()
	}
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	for i, value := range d.fitness {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("%w: fitness of sample %d is not finite", ErrEvaluationFailed, i)
		}
	}

	out := make([]float64, d.lambda)
	copy(out, d.fitness)
	return out, nil
}

// Finalize sends the shutdown message to every worker rank and joins the
// closing barrier.
func (d *Dispatcher) Finalize() error {
	self := d.t.RankID()
	for rank := 0; rank < d.t.RankCount(); rank++ {
		if rank == self {
			continue
		}
		if err := d.t.Send(rank, transport.Message{Tag: transport.TagFinalize}); err != nil {
			return err
		}
	}
	return d.t.Barrier()
}
