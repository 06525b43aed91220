package agent

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"pleione/internal/config"
	"pleione/internal/dispatch"
	"pleione/internal/model"
	"pleione/internal/problem"
	"pleione/internal/replay"
	"pleione/internal/solver"
	"pleione/internal/transport"
)

// ErrEvaluationFailed marks a non-finite reward or rescaled reward. Fatal to
// the run.
var ErrEvaluationFailed = errors.New("evaluation failed")

type inflight struct {
	active        bool
	rank          int
	episodeID     int
	envID         int
	experiences   []model.Experience
	lastState     []float64
	lastAction    []float64
	lastSnapshot  model.PolicySnapshot
	totalReward   float64
	deterministic bool
}

// Loop alternates episode collection with policy-update steps, gated by the
// off-policy controller and the replay start-size threshold. Episode
// collection reuses the dispatcher's worker pool: each in-flight episode
// occupies one worker rank, shipping states up and receiving actions back
// step by step.
type Loop struct {
	cfg        config.Config
	t          transport.Transport
	pool       *dispatch.WorkerPool
	buffer     *replay.Buffer
	controller *replay.OffPolicyController
	learner    solver.PolicyLearner
	env        problem.Environment
	rng        *rand.Rand

	slots      []inflight
	pending    []transport.Message
	episodeSeq int

	counters  model.Counters
	rescaling model.RescalingStats

	rewardHistory     []float64
	experienceHistory []int
	trainingAverage   float64
	trainingBest      float64
	bestEpisode       int
}

type LoopConfig struct {
	Config     config.Config
	Transport  transport.Transport
	Pool       *dispatch.WorkerPool
	Buffer     *replay.Buffer
	Controller *replay.OffPolicyController
	Learner    solver.PolicyLearner
	Env        problem.Environment
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Transport == nil || cfg.Pool == nil || cfg.Buffer == nil || cfg.Controller == nil || cfg.Learner == nil || cfg.Env == nil {
		return nil, fmt.Errorf("agent loop requires transport, pool, buffer, controller, learner and environment")
	}
	l := &Loop{
		cfg:          cfg.Config,
		t:            cfg.Transport,
		pool:         cfg.Pool,
		buffer:       cfg.Buffer,
		controller:   cfg.Controller,
		learner:      cfg.Learner,
		env:          cfg.Env,
		rng:          rand.New(rand.NewSource(cfg.Config.Seed)),
		slots:        make([]inflight, cfg.Config.ConcurrentEnvs),
		trainingBest: math.Inf(-1),
	}
	l.t.Handle(transport.TagEnvStep, func(msg transport.Message) { l.pending = append(l.pending, msg) })
	l.t.Handle(transport.TagEpisodeDone, func(msg transport.Message) { l.pending = append(l.pending, msg) })
	return l, nil
}

func (l *Loop) Counters() model.Counters { return l.counters }

func (l *Loop) SetCounters(c model.Counters) {
	l.counters = c
	l.episodeSeq = c.EpisodeCount
}

func (l *Loop) TrainingAverage() float64 { return l.trainingAverage }

func (l *Loop) TrainingBest() (float64, int) { return l.trainingBest, l.bestEpisode }

func (l *Loop) Rescaling() model.RescalingStats { return l.rescaling }

func (l *Loop) SetRescaling(stats model.RescalingStats) { l.rescaling = stats }

func (l *Loop) RewardHistory() []float64 { return l.rewardHistory }

func (l *Loop) ExperienceHistory() []int { return l.experienceHistory }

func (l *Loop) RestoreHistory(rewards []float64, experiences []int, average, best float64, bestEpisode int) {
	l.rewardHistory = append([]float64(nil), rewards...)
	l.experienceHistory = append([]int(nil), experiences...)
	l.trainingAverage = average
	l.trainingBest = best
	l.bestEpisode = bestEpisode
}

// RunGeneration performs one collect / absorb / gate / update cycle. The
// per-generation reseeding keeps a resumed run on the same random stream as
// an uninterrupted one.
func (l *Loop) RunGeneration() error {
	l.rng = rand.New(rand.NewSource(l.cfg.Seed + 7919*int64(l.counters.Generation+1)))
	l.buffer.Reseed(l.cfg.Seed + 104729*int64(l.counters.Generation+1))
	if err := l.collect(l.cfg.EpisodesPerGeneration, false); err != nil {
		return err
	}
	if l.buffer.Size() < l.cfg.ExperienceReplay.StartSize {
		l.counters.Generation++
		return nil
	}
	if err := l.freezeRescaling(); err != nil {
		return err
	}
	if err := l.update(); err != nil {
		return err
	}
	l.counters.Generation++
	return nil
}

// RunTesting runs the fixed number of policy-testing episodes with the mean
// action and reports the average cumulative reward. No replay, no updates.
func (l *Loop) RunTesting(episodes int) (float64, error) {
	if episodes < 1 {
		return 0, fmt.Errorf("testing requires at least one episode, got %d", episodes)
	}
	before := len(l.rewardHistory)
	if err := l.collect(episodes, true); err != nil {
		return 0, err
	}
	total := 0.0
	for _, r := range l.rewardHistory[before:] {
		total += r
	}
	return total / float64(episodes), nil
}

// collect keeps up to ConcurrentEnvs episodes in flight until target
// episodes have completed. Episodes assigned to the coordinator's own rank
// run inline; the rest run on workers through the step protocol.
func (l *Loop) collect(target int, deterministic bool) error {
	launched, completed := 0, 0
	for completed < target {
		if launched < target && launched-completed < l.cfg.ConcurrentEnvs && l.pool.IdleCount() > 0 {
			rank := l.pool.CheckOut()
			slot := l.freeSlot()
			episodeID := l.episodeSeq
			l.episodeSeq++
			seed := l.cfg.Seed + int64(episodeID) + 1
			l.slots[slot] = inflight{
				active:        true,
				rank:          rank,
				episodeID:     episodeID,
				envID:         0,
				deterministic: deterministic,
			}
			launched++
			if rank == l.t.RankID() {
				if err := l.runInline(slot, seed); err != nil {
					return err
				}
				completed++
				continue
			}
			l.pool.Assign(rank, slot)
			if err := l.t.Send(rank, transport.Message{Tag: transport.TagRunEpisode, Index: slot, Step: int(seed)}); err != nil {
				return err
			}
		}
		l.t.Progress()
		done, err := l.service(deterministic)
		if err != nil {
			return err
		}
		completed += done
	}
	return nil
}

func (l *Loop) freeSlot() int {
	for i := range l.slots {
		if !l.slots[i].active {
			return i
		}
	}
	// CheckOut succeeded, so an episode must have completed and freed its
	// slot; reaching here means the slot bookkeeping is corrupt.
	panic("no free episode slot")
}

// service drains the pending step messages, answering each state with an
// action and closing finished episodes. Returns the number of episodes
// completed.
func (l *Loop) service(deterministic bool) (int, error) {
	completed := 0
	for len(l.pending) > 0 {
		msg := l.pending[0]
		l.pending = l.pending[1:]
		slot := msg.Index
		if slot < 0 || slot >= len(l.slots) || !l.slots[slot].active {
			return completed, fmt.Errorf("%w: step for inactive episode slot %d", transport.ErrFailure, slot)
		}
		in := &l.slots[slot]
		switch msg.Tag {
		case transport.TagEnvStep:
			if msg.Step > 0 {
				l.recordStep(in, msg.Value, model.NonTerminal, nil)
			}
			action, snapshot, err := l.selectAction(msg.Values, deterministic)
			if err != nil {
				return completed, err
			}
			in.lastState = msg.Values
			in.lastAction = action
			in.lastSnapshot = snapshot
			if err := l.t.Send(in.rank, transport.Message{Tag: transport.TagEnvAction, Index: slot, Step: msg.Step, Values: action}); err != nil {
				return completed, err
			}
		case transport.TagEpisodeDone:
			kind := model.TerminationKind(msg.Kind)
			l.recordStep(in, msg.Value, kind, msg.Values)
			if err := l.finishEpisode(in, deterministic); err != nil {
				return completed, err
			}
			if err := l.pool.CheckIn(in.rank); err != nil {
				return completed, err
			}
			in.active = false
			completed++
		default:
			return completed, fmt.Errorf("%w: unexpected tag %d in episode service", transport.ErrFailure, msg.Tag)
		}
	}
	return completed, nil
}

func (l *Loop) selectAction(state []float64, deterministic bool) ([]float64, model.PolicySnapshot, error) {
	if deterministic {
		snaps, err := l.learner.RunPolicy([][]float64{state})
		if err != nil {
			return nil, model.PolicySnapshot{}, err
		}
		snap := snaps[0]
		dims := l.env.ActionDimension()
		action := make([]float64, dims)
		lower, upper := l.env.ActionLowerBounds(), l.env.ActionUpperBounds()
		for d := 0; d < dims && d < len(snap.DistributionParameters); d++ {
			a := snap.DistributionParameters[d]
			if d < len(lower) && a < lower[d] {
				a = lower[d]
			}
			if d < len(upper) && a > upper[d] {
				a = upper[d]
			}
			action[d] = a
		}
		return action, snap, nil
	}
	return l.learner.SampleAction(state, l.rng)
}

// recordStep closes the pending (state, action) pair with the reward that
// followed it.
func (l *Loop) recordStep(in *inflight, reward float64, kind model.TerminationKind, truncatedState []float64) {
	e := model.Experience{
		State:                     append([]float64(nil), in.lastState...),
		Action:                    append([]float64(nil), in.lastAction...),
		Reward:                    reward,
		Termination:               kind,
		EpisodeID:                 in.episodeID,
		EpisodePosition:           len(in.experiences),
		BehaviorPolicy:            in.lastSnapshot,
		CurrentPolicy:             in.lastSnapshot,
		ImportanceWeight:          1,
		TruncatedImportanceWeight: math.Min(l.cfg.ImportanceWeightTruncationLevel, 1),
		OnPolicy:                  true,
		EnvironmentID:             in.envID,
	}
	if kind == model.Truncated {
		e.TruncatedState = append([]float64(nil), truncatedState...)
	}
	in.totalReward += reward
	in.experiences = append(in.experiences, e)
}

// runInline executes a whole episode on the coordinator's own rank when it
// is part of the worker pool.
func (l *Loop) runInline(slot int, seed int64) error {
	in := &l.slots[slot]
	state := l.env.Reset(seed)
	for {
		action, snapshot, err := l.selectAction(state, in.deterministic)
		if err != nil {
			return err
		}
		in.lastState = state
		in.lastAction = action
		in.lastSnapshot = snapshot
		next, reward, kind := l.env.Step(action)
		if kind != model.NonTerminal {
			var truncated []float64
			if kind == model.Truncated {
				truncated = next
			}
			l.recordStep(in, reward, kind, truncated)
			if err := l.finishEpisode(in, in.deterministic); err != nil {
				return err
			}
			if err := l.pool.CheckIn(in.rank); err != nil {
				return err
			}
			in.active = false
			return nil
		}
		l.recordStep(in, reward, model.NonTerminal, nil)
		state = next
	}
}

// finishEpisode post-processes a completed episode and absorbs it into the
// replay buffer. Testing episodes only record their reward.
func (l *Loop) finishEpisode(in *inflight, testing bool) error {
	l.rewardHistory = append(l.rewardHistory, in.totalReward)
	l.experienceHistory = append(l.experienceHistory, len(in.experiences))
	if in.totalReward > l.trainingBest {
		l.trainingBest = in.totalReward
		l.bestEpisode = in.episodeID
	}
	l.updateTrainingAverage()
	if testing {
		in.experiences = nil
		return nil
	}

	if err := l.absorb(in); err != nil {
		return err
	}
	l.counters.EpisodeCount++
	in.experiences = nil
	return nil
}

func (l *Loop) updateTrainingAverage() {
	window := len(l.rewardHistory)
	if window > 100 {
		window = 100
	}
	total := 0.0
	for _, r := range l.rewardHistory[len(l.rewardHistory)-window:] {
		total += r
	}
	l.trainingAverage = total / float64(window)
}

// absorb rescales rewards, penalizes out-of-bound actions, computes the
// per-step state values under the current policy and seeds the retrace
// values before appending the episode to the ring.
func (l *Loop) absorb(in *inflight) error {
	states := make([][]float64, len(in.experiences))
	for i := range in.experiences {
		if l.rescaling.Frozen {
			in.experiences[i].State = l.rescaleState(in.experiences[i].State)
		}
		states[i] = in.experiences[i].State
	}
	snaps, err := l.learner.RunPolicy(states)
	if err != nil {
		return err
	}
	for i := range in.experiences {
		e := &in.experiences[i]
		e.CurrentPolicy = snaps[i]
		if l.cfg.RewardOutboundPenalization.Enabled && actionWasClipped(e.BehaviorPolicy.UnboundedAction, e.Action) {
			e.Reward *= l.cfg.RewardOutboundPenalization.Factor
		}
		if l.rescaling.Frozen && l.cfg.RewardRescalingEnabled {
			e.Reward = l.rescaleReward(e.Reward, e.EnvironmentID)
		}
		if math.IsNaN(e.Reward) || math.IsInf(e.Reward, 0) {
			return fmt.Errorf("%w: reward is not finite at episode %d position %d", ErrEvaluationFailed, e.EpisodeID, e.EpisodePosition)
		}
		if e.Termination == model.Truncated {
			truncState := e.TruncatedState
			if l.rescaling.Frozen {
				truncState = l.rescaleState(truncState)
				e.TruncatedState = truncState
			}
			vs, err := l.learner.RunPolicy([][]float64{truncState})
			if err != nil {
				return err
			}
			e.TruncatedStateValue = vs[0].StateValue
		}
	}
	for _, e := range in.experiences {
		l.buffer.Append(e)
		l.counters.ExperienceCount++
	}
	return l.buffer.RecomputeRetrace(in.episodeID, l.cfg.DiscountFactor)
}

func actionWasClipped(unbounded, action []float64) bool {
	if len(unbounded) != len(action) {
		return false
	}
	for d := range action {
		if unbounded[d] != action[d] {
			return true
		}
	}
	return false
}

// update draws mini-batches and steps the policy while the gating
// inequality holds.
func (l *Loop) update() error {
	for float64(l.counters.PolicyUpdateCount)*l.cfg.ExperiencesBetweenPolicyUpdates <= float64(l.counters.ExperienceCount-l.cfg.ExperienceReplay.StartSize) {
		if l.cfg.MiniBatchSize > l.buffer.Size() {
			return nil
		}
		indices, err := l.buffer.Sample(l.cfg.MiniBatchSize, replay.Strategy(l.cfg.MiniBatchStrategy))
		if err != nil {
			return err
		}
		states := make([][]float64, len(indices))
		for i, idx := range indices {
			e, err := l.buffer.Get(idx)
			if err != nil {
				return err
			}
			states[i] = e.State
		}
		policies, err := l.learner.RunPolicy(states)
		if err != nil {
			return err
		}
		refresh := replay.RefreshConfig{
			DiscountFactor:  l.cfg.DiscountFactor,
			TruncationLevel: l.cfg.ImportanceWeightTruncationLevel,
			Cutoff:          l.controller.Cutoff(),
		}
		if err := l.buffer.RefreshMetadata(indices, policies, refresh); err != nil {
			return err
		}
		batch := make([]model.Experience, len(indices))
		for i, idx := range indices {
			e, err := l.buffer.Get(idx)
			if err != nil {
				return err
			}
			batch[i] = e
		}
		if err := l.learner.Step(batch, l.controller.LearningRate()); err != nil {
			return err
		}
		l.counters.PolicyUpdateCount++
		l.controller.Tick(l.buffer)
	}
	return nil
}

// freezeRescaling computes the normalization statistics once, rescales the
// stored experiences and reseeds their retrace values.
func (l *Loop) freezeRescaling() error {
	if l.rescaling.Frozen || (!l.cfg.StateRescalingEnabled && !l.cfg.RewardRescalingEnabled) {
		return nil
	}
	dims := l.env.StateDimension()
	means := make([]float64, dims)
	sigmas := make([]float64, dims)
	count := l.buffer.Size()
	if count == 0 {
		return nil
	}
	for i := l.buffer.StartIndex(); i < l.buffer.EndIndex(); i++ {
		e, err := l.buffer.Get(i)
		if err != nil {
			return err
		}
		for d := 0; d < dims && d < len(e.State); d++ {
			means[d] += e.State[d]
		}
	}
	for d := range means {
		means[d] /= float64(count)
	}
	rewardSumSq := make(map[int]float64)
	rewardCount := make(map[int]int)
	for i := l.buffer.StartIndex(); i < l.buffer.EndIndex(); i++ {
		e, err := l.buffer.Get(i)
		if err != nil {
			return err
		}
		for d := 0; d < dims && d < len(e.State); d++ {
			diff := e.State[d] - means[d]
			sigmas[d] += diff * diff
		}
		rewardSumSq[e.EnvironmentID] += e.Reward * e.Reward
		rewardCount[e.EnvironmentID]++
	}
	for d := range sigmas {
		sigmas[d] = math.Sqrt(sigmas[d] / float64(count))
		if sigmas[d] < 1e-9 {
			sigmas[d] = 1
		}
	}
	maxEnv := 0
	for env := range rewardCount {
		if env > maxEnv {
			maxEnv = env
		}
	}
	rewardSigmas := make([]float64, maxEnv+1)
	for env := range rewardSigmas {
		if rewardCount[env] > 0 {
			rewardSigmas[env] = math.Sqrt(rewardSumSq[env] / float64(rewardCount[env]))
		}
		if rewardSigmas[env] < 1e-9 {
			rewardSigmas[env] = 1
		}
	}
	l.rescaling = model.RescalingStats{Frozen: true, RewardSigmas: rewardSigmas}
	if l.cfg.StateRescalingEnabled {
		l.rescaling.StateMeans = means
		l.rescaling.StateSigmas = sigmas
	}

	episodes := make(map[int]struct{})
	for i := l.buffer.StartIndex(); i < l.buffer.EndIndex(); i++ {
		e, err := l.buffer.Get(i)
		if err != nil {
			return err
		}
		episodes[e.EpisodeID] = struct{}{}
		if err := l.buffer.Update(i, func(exp *model.Experience) {
			if l.cfg.StateRescalingEnabled {
				exp.State = l.rescaleState(exp.State)
				if exp.TruncatedState != nil {
					exp.TruncatedState = l.rescaleState(exp.TruncatedState)
				}
			}
			if l.cfg.RewardRescalingEnabled {
				exp.Reward = l.rescaleReward(exp.Reward, exp.EnvironmentID)
			}
		}); err != nil {
			return err
		}
		e, err = l.buffer.Get(i)
		if err != nil {
			return err
		}
		if math.IsNaN(e.Reward) || math.IsInf(e.Reward, 0) {
			return fmt.Errorf("%w: rescaled reward is not finite", ErrEvaluationFailed)
		}
	}
	for episodeID := range episodes {
		if err := l.buffer.RecomputeRetrace(episodeID, l.cfg.DiscountFactor); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) rescaleState(state []float64) []float64 {
	if !l.cfg.StateRescalingEnabled || len(l.rescaling.StateMeans) == 0 {
		return state
	}
	out := make([]float64, len(state))
	for d := range state {
		if d < len(l.rescaling.StateMeans) {
			out[d] = (state[d] - l.rescaling.StateMeans[d]) / l.rescaling.StateSigmas[d]
		} else {
			out[d] = state[d]
		}
	}
	return out
}

func (l *Loop) rescaleReward(reward float64, env int) float64 {
	if env >= 0 && env < len(l.rescaling.RewardSigmas) {
		return reward / l.rescaling.RewardSigmas[env]
	}
	return reward
}
