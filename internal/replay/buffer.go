package replay

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"pleione/internal/model"
)

// ErrEvaluationFailed marks a non-finite importance weight or rescaled value
// discovered during metadata maintenance.
var ErrEvaluationFailed = errors.New("evaluation failed")

type Strategy string

const (
	StrategyUniform     Strategy = "uniform"
	StrategyPrioritized Strategy = "prioritized"
)

// Buffer is a bounded FIFO ring of experiences. Experiences keep stable
// logical indices: the oldest stored experience sits at StartIndex and the
// next append lands at EndIndex. No eviction happens between Sample and the
// corresponding metadata refresh, so indices handed to samplers stay valid
// for the current generation.
type Buffer struct {
	capacity int
	items    []model.Experience
	head     int
	size     int
	evicted  int

	offPolicyCount int
	perEnv         map[int]int

	priorityExponent float64
	rng              *rand.Rand
}

func NewBuffer(capacity int, seed int64) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("replay capacity must be >= 1, got %d", capacity)
	}
	return &Buffer{
		capacity:         capacity,
		items:            make([]model.Experience, capacity),
		perEnv:           make(map[int]int),
		priorityExponent: 0.6,
		rng:              rand.New(rand.NewSource(seed)),
	}, nil
}

// Reseed resets the sampling stream; callers reseed per generation so a
// resumed run draws the same mini-batches as an uninterrupted one.
func (b *Buffer) Reseed(seed int64) {
	b.rng = rand.New(rand.NewSource(seed))
}

func (b *Buffer) Capacity() int { return b.capacity }

func (b *Buffer) Size() int { return b.size }

func (b *Buffer) StartIndex() int { return b.evicted }

func (b *Buffer) EndIndex() int { return b.evicted + b.size }

func (b *Buffer) OffPolicyCount() int { return b.offPolicyCount }

func (b *Buffer) OffPolicyRatio() float64 {
	if b.size == 0 {
		return 0
	}
	return float64(b.offPolicyCount) / float64(b.size)
}

func (b *Buffer) CountForEnvironment(env int) int { return b.perEnv[env] }

// Append places the experience at the tail, evicting the oldest entry when
// the ring is full and keeping the per-environment and off-policy counts
// consistent with the contents.
func (b *Buffer) Append(e model.Experience) {
	if b.size == b.capacity {
		old := b.items[b.head]
		b.perEnv[old.EnvironmentID]--
		if b.perEnv[old.EnvironmentID] == 0 {
			delete(b.perEnv, old.EnvironmentID)
		}
		if !old.OnPolicy {
			b.offPolicyCount--
		}
		b.head = (b.head + 1) % b.capacity
		b.size--
		b.evicted++
	}
	slot := (b.head + b.size) % b.capacity
	b.items[slot] = e
	b.size++
	b.perEnv[e.EnvironmentID]++
	if !e.OnPolicy {
		b.offPolicyCount++
	}
}

func (b *Buffer) slot(logical int) (int, error) {
	if logical < b.StartIndex() || logical >= b.EndIndex() {
		return 0, fmt.Errorf("experience %d outside [%d, %d)", logical, b.StartIndex(), b.EndIndex())
	}
	return (b.head + logical - b.evicted) % b.capacity, nil
}

func (b *Buffer) Get(logical int) (model.Experience, error) {
	slot, err := b.slot(logical)
	if err != nil {
		return model.Experience{}, err
	}
	return b.items[slot], nil
}

// Update applies fn to the stored experience in place, keeping the
// off-policy count in step with any change to the OnPolicy flag.
func (b *Buffer) Update(logical int, fn func(*model.Experience)) error {
	slot, err := b.slot(logical)
	if err != nil {
		return err
	}
	wasOff := !b.items[slot].OnPolicy
	fn(&b.items[slot])
	isOff := !b.items[slot].OnPolicy
	if wasOff && !isOff {
		b.offPolicyCount--
	} else if !wasOff && isOff {
		b.offPolicyCount++
	}
	return nil
}

// Sample draws miniBatchSize logical indices. Uniform draws without
// replacement from [StartIndex, EndIndex); prioritized draws with
// replacement, proportional to the stored priorities raised to a fixed
// exponent of 0.6. No importance-sampling correction is applied to
// prioritized draws.
func (b *Buffer) Sample(miniBatchSize int, strategy Strategy) ([]int, error) {
	if miniBatchSize < 1 {
		return nil, fmt.Errorf("mini-batch size must be >= 1, got %d", miniBatchSize)
	}
	if miniBatchSize > b.size {
		return nil, fmt.Errorf("mini-batch size %d exceeds buffer size %d", miniBatchSize, b.size)
	}
	switch strategy {
	case StrategyUniform:
		perm := b.rng.Perm(b.size)
		indices := make([]int, miniBatchSize)
		for i := 0; i < miniBatchSize; i++ {
			indices[i] = b.evicted + perm[i]
		}
		return indices, nil
	case StrategyPrioritized:
		return b.samplePrioritized(miniBatchSize)
	default:
		return nil, fmt.Errorf("unsupported mini-batch strategy: %s", strategy)
	}
}

func (b *Buffer) samplePrioritized(miniBatchSize int) ([]int, error) {
	weights := make([]float64, b.size)
	total := 0.0
	for i := 0; i < b.size; i++ {
		item := b.items[(b.head+i)%b.capacity]
		p := item.Priority
		if p <= 0 {
			p = 1e-6
		}
		w := math.Pow(p, b.priorityExponent)
		weights[i] = w
		total += w
	}
	indices := make([]int, miniBatchSize)
	for k := range indices {
		pick := b.rng.Float64() * total
		acc := 0.0
		chosen := b.size - 1
		for i, w := range weights {
			acc += w
			if pick <= acc {
				chosen = i
				break
			}
		}
		indices[k] = b.evicted + chosen
	}
	return indices, nil
}

// Reclassify rescans the whole ring against a new cutoff, recomputing every
// OnPolicy flag and the off-policy count.
func (b *Buffer) Reclassify(cutoff float64) {
	b.offPolicyCount = 0
	for i := 0; i < b.size; i++ {
		slot := (b.head + i) % b.capacity
		iw := b.items[slot].ImportanceWeight
		b.items[slot].OnPolicy = iw >= 1.0/cutoff && iw <= cutoff
		if !b.items[slot].OnPolicy {
			b.offPolicyCount++
		}
	}
}

// Snapshot copies the contents oldest-first for serialization.
func (b *Buffer) Snapshot() []model.Experience {
	out := make([]model.Experience, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%b.capacity]
	}
	return out
}

// Restore replaces the contents with a previously serialized snapshot.
func (b *Buffer) Restore(items []model.Experience) error {
	if len(items) > b.capacity {
		return fmt.Errorf("snapshot of %d experiences exceeds capacity %d", len(items), b.capacity)
	}
	b.head = 0
	b.size = 0
	b.evicted = 0
	b.offPolicyCount = 0
	b.perEnv = make(map[int]int)
	for _, item := range items {
		b.Append(item)
	}
	return nil
}
