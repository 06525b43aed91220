package driver

import (
	"context"
	"errors"
	"fmt"

	"pleione/internal/agent"
	"pleione/internal/config"
	"pleione/internal/dispatch"
	"pleione/internal/model"
	"pleione/internal/solver"
	"pleione/internal/transport"
)

// ErrStopRequested, returned from the generation hook, ends the run after
// the current generation the same way a termination criterion would.
var ErrStopRequested = errors.New("stop requested")

// Outcome reports how a run ended and the state it ended with.
type Outcome struct {
	Generations   int
	StopCriterion string
	Best          solver.Result
	AverageReward float64
}

// Driver owns the top-level generation loop: it checks the termination
// predicates in order, advances the generation counter and invokes the
// per-generation routine of whichever mode is configured.
type Driver struct {
	cfg config.Config
	t   transport.Transport

	updater    solver.DistributionUpdater
	dispatcher *dispatch.Dispatcher
	params     int

	loop *agent.Loop

	counters    model.Counters
	stop        string
	testAverage float64

	// OnGeneration runs after each completed generation; the engine hooks
	// checkpointing here.
	OnGeneration func(generation int) error
}

func NewOptimizerDriver(cfg config.Config, t transport.Transport, updater solver.DistributionUpdater, dispatcher *dispatch.Dispatcher, paramCount int) (*Driver, error) {
	if updater == nil || dispatcher == nil {
		return nil, fmt.Errorf("optimizer driver requires an updater and a dispatcher")
	}
	if paramCount < 1 {
		return nil, fmt.Errorf("parameter count must be >= 1, got %d", paramCount)
	}
	return &Driver{cfg: cfg, t: t, updater: updater, dispatcher: dispatcher, params: paramCount}, nil
}

func NewAgentDriver(cfg config.Config, t transport.Transport, loop *agent.Loop) (*Driver, error) {
	if loop == nil {
		return nil, fmt.Errorf("agent driver requires a loop")
	}
	return &Driver{cfg: cfg, t: t, loop: loop}, nil
}

func (d *Driver) Counters() model.Counters {
	if d.loop != nil {
		return d.loop.Counters()
	}
	return d.counters
}

func (d *Driver) SetCounters(c model.Counters) {
	d.counters = c
	if d.loop != nil {
		d.loop.SetCounters(c)
	}
}

// terminated evaluates the termination predicates in order. A triggered
// predicate ends the run after the current generation has completed.
func (d *Driver) terminated() bool {
	t := d.cfg.Termination
	counters := d.Counters()
	if t.MaxGenerations > 0 && counters.Generation >= t.MaxGenerations {
		d.stop = "max generations reached"
		return true
	}
	if d.updater != nil {
		if t.MaxFitnessEvaluations > 0 && counters.FitnessEvaluations >= t.MaxFitnessEvaluations {
			d.stop = "max fitness evaluations reached"
			return true
		}
	} else {
		if t.MaxExperiences > 0 && counters.ExperienceCount >= t.MaxExperiences {
			d.stop = "max experiences reached"
			return true
		}
		if t.MaxPolicyUpdates > 0 && counters.PolicyUpdateCount >= t.MaxPolicyUpdates {
			d.stop = "max policy updates reached"
			return true
		}
		if t.MaxEpisodes > 0 && counters.EpisodeCount >= t.MaxEpisodes {
			d.stop = "max episodes reached"
			return true
		}
	}
	if d.updater != nil && d.updater.CheckTermination() {
		d.stop = d.updater.Results().StopCriterion
		return true
	}
	if d.loop != nil && t.TargetAverageReward != 0 && counters.EpisodeCount > 0 &&
		d.loop.TrainingAverage() >= t.TargetAverageReward {
		d.stop = "target average reward reached"
		return true
	}
	return false
}

// Run executes the coordinator's generation loop until a termination
// criterion hits, then finalizes the worker ranks.
func (d *Driver) Run(ctx context.Context) (Outcome, error) {
	if d.updater != nil {
		if err := d.runOptimizer(ctx); err != nil {
			return Outcome{}, err
		}
	} else {
		if err := d.runAgent(ctx); err != nil {
			return Outcome{}, err
		}
	}
	if err := d.finalize(); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Generations: d.Counters().Generation, StopCriterion: d.stop}
	if d.updater != nil {
		out.Best = d.updater.Results()
	}
	if d.loop != nil {
		out.AverageReward = d.loop.TrainingAverage()
		if d.cfg.Mode == config.ModeTesting {
			out.AverageReward = d.testAverage
		}
	}
	return out, nil
}

func (d *Driver) runOptimizer(ctx context.Context) error {
	if err := d.updater.Initialize(); err != nil {
		return err
	}
	// The sample matrix is allocated once and reused across waves.
	matrix := make([]float64, d.cfg.Lambda*d.params)
	samples := make([][]float64, d.cfg.Lambda)
	for i := range samples {
		samples[i] = matrix[i*d.params : (i+1)*d.params]
	}
	for !d.terminated() {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.updater.GenerateWave(samples)
		fitness, err := d.dispatcher.RunWave(samples)
		if err != nil {
			return err
		}
		d.updater.UpdateDistribution(fitness)
		d.counters.FitnessEvaluations += d.cfg.Lambda
		d.counters.Generation++
		if d.OnGeneration != nil {
			if err := d.OnGeneration(d.counters.Generation); err != nil {
				if errors.Is(err, ErrStopRequested) {
					d.stop = "stopped by command"
					return nil
				}
				return err
			}
		}
	}
	return nil
}

func (d *Driver) runAgent(ctx context.Context) error {
	if d.cfg.Mode == config.ModeTesting {
		avg, err := d.loop.RunTesting(d.cfg.PolicyTestingEpisodes)
		if err != nil {
			return err
		}
		d.stop = "policy testing complete"
		d.testAverage = avg
		return nil
	}
	for !d.terminated() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.loop.RunGeneration(); err != nil {
			return err
		}
		if d.OnGeneration != nil {
			if err := d.OnGeneration(d.loop.Counters().Generation); err != nil {
				if errors.Is(err, ErrStopRequested) {
					d.stop = "stopped by command"
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// finalize sends the shutdown message to every worker rank and joins the
// closing barrier.
func (d *Driver) finalize() error {
	if d.dispatcher != nil {
		return d.dispatcher.Finalize()
	}
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
