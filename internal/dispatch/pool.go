package dispatch

import (
	"fmt"

	"pleione/internal/transport"
)

// WorkerPool keeps the coordinator-side bookkeeping of idle worker ranks.
// The queue is fair FIFO: a worker that just returned goes to the back, so
// long-running evaluations do not starve.
type WorkerPool struct {
	t       transport.Transport
	idle    []int
	queued  []bool
	working []int
	size    int
}

// NewWorkerPool seeds the idle queue with every rank. The coordinator's own
// rank is included when coordinatorEvaluates is set.
func NewWorkerPool(t transport.Transport, coordinatorEvaluates bool) (*WorkerPool, error) {
	n := t.RankCount()
	if n < 2 && !coordinatorEvaluates {
		return nil, fmt.Errorf("worker pool is empty: %d ranks and coordinator excluded", n)
	}
	p := &WorkerPool{
		t:       t,
		queued:  make([]bool, n),
		working: make([]int, n),
	}
	for i := range p.working {
		p.working[i] = -1
	}
	for rank := 0; rank < n; rank++ {
		if rank == t.RankID() && !coordinatorEvaluates {
			continue
		}
		p.idle = append(p.idle, rank)
		p.queued[rank] = true
		p.size++
	}
	return p, nil
}

func (p *WorkerPool) Size() int { return p.size }

func (p *WorkerPool) IdleCount() int { return len(p.idle) }

// CheckOut blocks pumping transport progress until a worker is available and
// returns the head of the queue.
func (p *WorkerPool) CheckOut() int {
	for len(p.idle) == 0 {
		p.t.Progress()
	}
	rank := p.idle[0]
	p.idle = p.idle[1:]
	p.queued[rank] = false
	return rank
}

// CheckIn appends the rank at the tail of the queue. Checking in a rank that
// is already queued is an error.
func (p *WorkerPool) CheckIn(rank int) error {
	if rank < 0 || rank >= len(p.queued) {
		return fmt.Errorf("check in rank %d out of range [0, %d)", rank, len(p.queued))
	}
	if p.queued[rank] {
		return fmt.Errorf("rank %d is already idle", rank)
	}
	p.idle = append(p.idle, rank)
	p.queued[rank] = true
	p.working[rank] = -1
	return nil
}

// Assign records the sample index a busy rank is evaluating.
func (p *WorkerPool) Assign(rank, sample int) {
	p.working[rank] = sample
}

// AssignedSample reports the sample index a rank is evaluating, or -1.
func (p *WorkerPool) AssignedSample(rank int) int {
	if rank < 0 || rank >= len(p.working) {
		return -1
	}
	return p.working[rank]
}
