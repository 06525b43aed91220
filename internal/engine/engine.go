package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"pleione/internal/agent"
	"pleione/internal/config"
	"pleione/internal/dispatch"
	"pleione/internal/driver"
	"pleione/internal/model"
	"pleione/internal/problem"
	"pleione/internal/replay"
	"pleione/internal/solver"
	"pleione/internal/storage"
	"pleione/internal/transport"
)

type Command int

const (
	CommandPause Command = iota + 1
	CommandContinue
	CommandStop
)

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

// ErrStopRequested flows out of the generation hook when a stop command
// arrives; the driver treats it as a clean termination criterion.
var ErrStopRequested = driver.ErrStopRequested

type Config struct {
	Store    storage.Store
	Registry *problem.Registry
}

// Engine owns the problem registry and the run bookkeeping for one process.
// All state is carried by the engine value and the closures built per run;
// nothing is process-wide.
type Engine struct {
	store    storage.Store
	registry *problem.Registry

	mu             sync.RWMutex
	started        bool
	lastStopReason StopReason
	runs           map[string]chan Command
}

func New(cfg Config) *Engine {
	registry := cfg.Registry
	if registry == nil {
		registry = problem.DefaultRegistry()
	}
	return &Engine{
		store:          cfg.Store,
		registry:       registry,
		runs:           make(map[string]chan Command),
		lastStopReason: StopReasonNormal,
	}
}

func (e *Engine) Init(ctx context.Context) error {
	if e.store == nil {
		return fmt.Errorf("store is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if err := e.store.Init(ctx); err != nil {
		return err
	}
	e.started = true
	return nil
}

func (e *Engine) Started() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}

func (e *Engine) Stop(reason StopReason) {
	if reason == "" {
		reason = StopReasonNormal
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, control := range e.runs {
		select {
		case control <- CommandStop:
		default:
		}
	}
	e.started = false
	e.lastStopReason = reason
	e.runs = make(map[string]chan Command)
}

func (e *Engine) LastStopReason() StopReason {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastStopReason
}

func (e *Engine) Registry() *problem.Registry { return e.registry }

type RunRequest struct {
	RunID       string
	Problem     string
	Environment string
	Config      config.Config
	Resume      bool
	Control     chan Command
}

type RunResult struct {
	RunID         string
	Generations   int
	StopCriterion string
	BestFitness   float64
	BestParams    []float64
	AverageReward float64
	Counters      model.Counters
}

func (e *Engine) PauseRun(runID string) error { return e.sendRunCommand(runID, CommandPause) }

func (e *Engine) ContinueRun(runID string) error { return e.sendRunCommand(runID, CommandContinue) }

func (e *Engine) StopRun(runID string) error { return e.sendRunCommand(runID, CommandStop) }

func (e *Engine) sendRunCommand(runID string, cmd Command) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	e.mu.RLock()
	control, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run not active: %s", runID)
	}
	select {
	case control <- cmd:
		return nil
	default:
		return fmt.Errorf("run control channel is full: %s", runID)
	}
}

func (e *Engine) registerRunControl(runID string, control chan Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return fmt.Errorf("engine is not initialized")
	}
	if _, exists := e.runs[runID]; exists {
		return fmt.Errorf("run already active: %s", runID)
	}
	e.runs[runID] = control
	return nil
}

func (e *Engine) unregisterRunControl(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

// Run executes one optimization or learning run: it spins up the rank
// fabric, wires the coordinator stack, replays any checkpoint, drives the
// generations and persists the results.
func (e *Engine) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if !e.Started() {
		return RunResult{}, fmt.Errorf("engine is not initialized")
	}
	if err := req.Config.Validate(); err != nil {
		return RunResult{}, err
	}
	if (req.Problem == "") == (req.Environment == "") {
		return RunResult{}, fmt.Errorf("%w: exactly one of problem or environment is required", config.ErrInvalid)
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	control := req.Control
	if control == nil {
		control = make(chan Command, 16)
	}
	if err := e.registerRunControl(runID, control); err != nil {
		return RunResult{}, err
	}
	defer e.unregisterRunControl(runID)

	if req.Problem != "" {
		return e.runOptimizer(ctx, req, runID, control)
	}
	return e.runAgent(ctx, req, runID, control)
}

func (e *Engine) runOptimizer(ctx context.Context, req RunRequest, runID string, control chan Command) (RunResult, error) {
	cfg := req.Config
	prob, ok := e.registry.Problem(req.Problem)
	if !ok {
		return RunResult{}, fmt.Errorf("%w: problem not registered: %s", config.ErrInvalid, req.Problem)
	}
	if err := prob.Validate(); err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	params := prob.ParameterCount()

	fabric, err := transport.NewFabric(cfg.Ranks)
	if err != nil {
		return RunResult{}, err
	}
	workerErrs := e.startWorkers(fabric, cfg, params, func() dispatch.Evaluator {
		p, _ := e.registry.Problem(req.Problem)
		return p.EvaluateFitness
	}, nil)

	local, err := fabric.Rank(0)
	if err != nil {
		return RunResult{}, err
	}
	pool, err := dispatch.NewWorkerPool(local, cfg.CoordinatorEvaluates)
	if err != nil {
		return RunResult{}, err
	}
	dispatcher, err := dispatch.NewDispatcher(local, pool, cfg.Lambda, params, prob.EvaluateFitness)
	if err != nil {
		return RunResult{}, err
	}

	updater, err := e.buildUpdater(cfg, params)
	if err != nil {
		return RunResult{}, err
	}
	drv, err := driver.NewOptimizerDriver(cfg, local, updater, dispatcher, params)
	if err != nil {
		return RunResult{}, err
	}

	var fitnessHistory []float64
	if req.Resume {
		checkpoint, found, err := e.store.GetCheckpoint(ctx, runID)
		if err != nil {
			return RunResult{}, err
		}
		if found {
			if err := updater.ImportState(checkpoint.SolverState); err != nil {
				return RunResult{}, fmt.Errorf("%w: %v", storage.ErrCheckpointCorrupt, err)
			}
			drv.SetCounters(checkpoint.Counters)
			if history, ok, err := e.store.GetFitnessHistory(ctx, runID); err != nil {
				return RunResult{}, err
			} else if ok {
				fitnessHistory = history
			}
		}
	}

	drv.OnGeneration = func(generation int) error {
		fitnessHistory = append(fitnessHistory, updater.Results().BestFitness)
		if err := e.processCommands(control); err != nil {
			return err
		}
		if !cfg.FileOutput.Enabled || generation%cfg.FileOutput.Frequency != 0 {
			return nil
		}
		state, err := updater.ExportState()
		if err != nil {
			return err
		}
		checkpoint := model.Checkpoint{
			VersionedRecord: versioned(),
			RunID:           runID,
			Counters:        drv.Counters(),
			SolverState:     state,
		}
		if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
			return err
		}
		return e.store.SaveFitnessHistory(ctx, runID, fitnessHistory)
	}

	outcome, err := drv.Run(ctx)
	if err != nil {
		return RunResult{}, err
	}
	e.drainWorkers(workerErrs)

	best := outcome.Best
	summary := model.RunSummary{
		VersionedRecord: versioned(),
		RunID:           runID,
		Mode:            string(cfg.Mode),
		ProblemName:     req.Problem,
		Generations:     outcome.Generations,
		BestFitness:     best.BestFitness,
		StopCriterion:   outcome.StopCriterion,
	}
	if err := e.store.SaveRunSummary(ctx, summary); err != nil {
		return RunResult{}, err
	}
	if err := e.store.SaveFitnessHistory(ctx, runID, fitnessHistory); err != nil {
		return RunResult{}, err
	}

	return RunResult{
		RunID:         runID,
		Generations:   outcome.Generations,
		StopCriterion: outcome.StopCriterion,
		BestFitness:   best.BestFitness,
		BestParams:    best.BestParameters,
		Counters:      drv.Counters(),
	}, nil
}

func (e *Engine) runAgent(ctx context.Context, req RunRequest, runID string, control chan Command) (RunResult, error) {
	cfg := req.Config
	env, ok := e.registry.Environment(req.Environment)
	if !ok {
		return RunResult{}, fmt.Errorf("%w: environment not registered: %s", config.ErrInvalid, req.Environment)
	}

	fabric, err := transport.NewFabric(cfg.Ranks)
	if err != nil {
		return RunResult{}, err
	}
	workerErrs := e.startWorkers(fabric, cfg, 1, nil, func() problem.Environment {
		worker, _ := e.registry.Environment(req.Environment)
		return worker
	})

	local, err := fabric.Rank(0)
	if err != nil {
		return RunResult{}, err
	}
	pool, err := dispatch.NewWorkerPool(local, cfg.CoordinatorEvaluates)
	if err != nil {
		return RunResult{}, err
	}

	buffer, err := replay.NewBuffer(cfg.ExperienceReplay.MaximumSize, cfg.Seed)
	if err != nil {
		return RunResult{}, err
	}
	controller, err := replay.NewOffPolicyController(replay.ControllerConfig{
		Target:        cfg.ExperienceReplay.OffPolicy.Target,
		AnnealingRate: cfg.ExperienceReplay.OffPolicy.AnnealingRate,
		CutoffScale:   cfg.ExperienceReplay.OffPolicy.CutoffScale,
		REFERBeta:     cfg.ExperienceReplay.OffPolicy.REFERBeta,
		LearningRate:  cfg.LearningRate,
	})
	if err != nil {
		return RunResult{}, err
	}
	learner, err := e.buildLearner(cfg, env)
	if err != nil {
		return RunResult{}, err
	}
	loop, err := agent.NewLoop(agent.LoopConfig{
		Config:     cfg,
		Transport:  local,
		Pool:       pool,
		Buffer:     buffer,
		Controller: controller,
		Learner:    learner,
		Env:        env,
	})
	if err != nil {
		return RunResult{}, err
	}
	drv, err := driver.NewAgentDriver(cfg, local, loop)
	if err != nil {
		return RunResult{}, err
	}

	if req.Resume {
		checkpoint, found, err := e.store.GetCheckpoint(ctx, runID)
		if err != nil {
			return RunResult{}, err
		}
		if found {
			if err := learner.ImportHyperparameters(checkpoint.PolicyHyperparams); err != nil {
				return RunResult{}, fmt.Errorf("%w: %v", storage.ErrCheckpointCorrupt, err)
			}
			if len(checkpoint.Experiences) > 0 {
				if err := buffer.Restore(checkpoint.Experiences); err != nil {
					return RunResult{}, fmt.Errorf("%w: %v", storage.ErrCheckpointCorrupt, err)
				}
			}
			controller.Restore(checkpoint.OffPolicy)
			buffer.Reclassify(checkpoint.OffPolicy.CurrentCutoff)
			drv.SetCounters(checkpoint.Counters)
			loop.SetRescaling(checkpoint.Rescaling)
			loop.RestoreHistory(checkpoint.RewardHistory, checkpoint.ExperienceHistory,
				checkpoint.TrainingAverage, checkpoint.TrainingBest, checkpoint.TrainingBestEpisode)
		}
	}

	drv.OnGeneration = func(generation int) error {
		if err := e.processCommands(control); err != nil {
			return err
		}
		if !cfg.FileOutput.Enabled || generation%cfg.FileOutput.Frequency != 0 {
			return nil
		}
		hyper, err := learner.ExportHyperparameters()
		if err != nil {
			return err
		}
		bestReward, bestEpisode := loop.TrainingBest()
		checkpoint := model.Checkpoint{
			VersionedRecord:     versioned(),
			RunID:               runID,
			Counters:            loop.Counters(),
			OffPolicy:           controller.State(buffer),
			Rescaling:           loop.Rescaling(),
			PolicyHyperparams:   hyper,
			TrainingAverage:     loop.TrainingAverage(),
			TrainingBest:        bestReward,
			TrainingBestEpisode: bestEpisode,
			RewardHistory:       loop.RewardHistory(),
			ExperienceHistory:   loop.ExperienceHistory(),
		}
		if cfg.ExperienceReplay.Serialize {
			checkpoint.Experiences = buffer.Snapshot()
		}
		if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
			return err
		}
		return e.store.SaveRewardHistory(ctx, runID, loop.RewardHistory())
	}

	outcome, err := drv.Run(ctx)
	if err != nil {
		return RunResult{}, err
	}
	e.drainWorkers(workerErrs)

	summary := model.RunSummary{
		VersionedRecord: versioned(),
		RunID:           runID,
		Mode:            string(cfg.Mode),
		ProblemName:     req.Environment,
		Generations:     outcome.Generations,
		BestFitness:     loop.TrainingAverage(),
		AverageTest:     outcome.AverageReward,
		StopCriterion:   outcome.StopCriterion,
	}
	if err := e.store.SaveRunSummary(ctx, summary); err != nil {
		return RunResult{}, err
	}
	if err := e.store.SaveRewardHistory(ctx, runID, loop.RewardHistory()); err != nil {
		return RunResult{}, err
	}

	return RunResult{
		RunID:         runID,
		Generations:   outcome.Generations,
		StopCriterion: outcome.StopCriterion,
		AverageReward: outcome.AverageReward,
		Counters:      loop.Counters(),
	}, nil
}

// startWorkers launches the non-coordinator ranks. Each rank builds its own
// problem or environment instance from the registry.
func (e *Engine) startWorkers(fabric *transport.Fabric, cfg config.Config, paramCount int, evaluator func() dispatch.Evaluator, env func() problem.Environment) []chan error {
	errs := make([]chan error, 0, cfg.Ranks)
	for rank := 1; rank < cfg.Ranks; rank++ {
		done := make(chan error, 1)
		errs = append(errs, done)
		go func(rank int) {
			local, err := fabric.Rank(rank)
			if err != nil {
				done <- err
				return
			}
			var ev dispatch.Evaluator
			if evaluator != nil {
				ev = evaluator()
			}
			var workerEnv problem.Environment
			if env != nil {
				workerEnv = env()
			}
			worker, err := dispatch.NewWorker(local, cfg.Lambda, paramCount, ev, workerEnv)
			if err != nil {
				done <- err
				return
			}
			done <- worker.Run()
		}(rank)
	}
	return errs
}

func (e *Engine) drainWorkers(errs []chan error) {
	for _, done := range errs {
		<-done
	}
}

// processCommands services the run-control channel between generations.
// Pause blocks until a continue or stop arrives.
func (e *Engine) processCommands(control chan Command) error {
	for {
		select {
		case cmd := <-control:
			switch cmd {
			case CommandStop:
				return ErrStopRequested
			case CommandPause:
				for {
					next := <-control
					if next == CommandStop {
						return ErrStopRequested
					}
					if next == CommandContinue {
						break
					}
				}
			case CommandContinue:
			}
		default:
			return nil
		}
	}
}

type cmaesExtension struct {
	InitialMean  []float64 `json:"initialMean"`
	InitialSigma float64   `json:"initialSigma"`
	FitnessGoal  *float64  `json:"fitnessGoal"`
	MinSigma     float64   `json:"minSigma"`
}

func (e *Engine) buildUpdater(cfg config.Config, params int) (solver.DistributionUpdater, error) {
	var ext cmaesExtension
	if _, err := cfg.Extension("cmaes", &ext); err != nil {
		return nil, err
	}
	c := solver.CMAESConfig{
		Dimensions:   params,
		Lambda:       cfg.Lambda,
		InitialMean:  ext.InitialMean,
		InitialSigma: ext.InitialSigma,
		Seed:         cfg.Seed,
		MinSigma:     ext.MinSigma,
	}
	if ext.FitnessGoal != nil {
		c.FitnessGoal = *ext.FitnessGoal
		c.HasGoal = true
	}
	return solver.NewCMAES(c)
}

type policyExtension struct {
	InitialSigma float64 `json:"initialSigma"`
}

func (e *Engine) buildLearner(cfg config.Config, env problem.Environment) (solver.PolicyLearner, error) {
	var ext policyExtension
	if _, err := cfg.Extension("policy", &ext); err != nil {
		return nil, err
	}
	return solver.NewLinearGaussianLearner(solver.LinearGaussianConfig{
		StateDimensions:  env.StateDimension(),
		ActionDimensions: env.ActionDimension(),
		ActionLower:      env.ActionLowerBounds(),
		ActionUpper:      env.ActionUpperBounds(),
		InitialSigma:     ext.InitialSigma,
		L2Enabled:        cfg.L2Regularization.Enabled,
		L2Importance:     cfg.L2Regularization.Importance,
	})
}

func versioned() model.VersionedRecord {
	return model.VersionedRecord{
		SchemaVersion: storage.CurrentSchemaVersion,
		CodecVersion:  storage.CurrentCodecVersion,
	}
}
