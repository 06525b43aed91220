package agent

import (
	"testing"
	"time"

	"pleione/internal/config"
	"pleione/internal/dispatch"
	"pleione/internal/problem"
	"pleione/internal/replay"
	"pleione/internal/solver"
	"pleione/internal/transport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Ranks = 1
	cfg.ConcurrentEnvs = 1
	cfg.EpisodesPerGeneration = 2
	cfg.MiniBatchSize = 8
	cfg.ExperienceReplay.StartSize = 16
	cfg.ExperienceReplay.MaximumSize = 4096
	cfg.Termination.MaxGenerations = 4
	cfg.Seed = 21
	return cfg
}

func buildLoop(t *testing.T, cfg config.Config, local *transport.Local, coordinatorEvaluates bool) (*Loop, *replay.Buffer) {
	t.Helper()
	pool, err := dispatch.NewWorkerPool(local, coordinatorEvaluates)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	buffer, err := replay.NewBuffer(cfg.ExperienceReplay.MaximumSize, cfg.Seed)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	controller, err := replay.NewOffPolicyController(replay.ControllerConfig{
		Target:        cfg.ExperienceReplay.OffPolicy.Target,
		AnnealingRate: cfg.ExperienceReplay.OffPolicy.AnnealingRate,
		CutoffScale:   cfg.ExperienceReplay.OffPolicy.CutoffScale,
		REFERBeta:     cfg.ExperienceReplay.OffPolicy.REFERBeta,
		LearningRate:  cfg.LearningRate,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	env := problem.NewCartPole()
	learner, err := solver.NewLinearGaussianLearner(solver.LinearGaussianConfig{
		StateDimensions:  env.StateDimension(),
		ActionDimensions: env.ActionDimension(),
		ActionLower:      env.ActionLowerBounds(),
		ActionUpper:      env.ActionUpperBounds(),
		InitialSigma:     2,
	})
	if err != nil {
		t.Fatalf("new learner: %v", err)
	}
	loop, err := NewLoop(LoopConfig{
		Config:     cfg,
		Transport:  local,
		Pool:       pool,
		Buffer:     buffer,
		Controller: controller,
		Learner:    learner,
		Env:        env,
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	return loop, buffer
}

func TestRunGenerationCollectsEpisodes(t *testing.T) {
	cfg := testConfig()
	fabric, err := transport.NewFabric(1)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	local, err := fabric.Rank(0)
	if err != nil {
		t.Fatalf("rank 0: %v", err)
	}
	loop, buffer := buildLoop(t, cfg, local, true)

	if err := loop.RunGeneration(); err != nil {
		t.Fatalf("run generation: %v", err)
	}
	counters := loop.Counters()
	if counters.EpisodeCount != cfg.EpisodesPerGeneration {
		t.Fatalf("episode count: got %d, want %d", counters.EpisodeCount, cfg.EpisodesPerGeneration)
	}
	if counters.ExperienceCount != buffer.Size() {
		t.Fatalf("experience count %d does not match buffer size %d", counters.ExperienceCount, buffer.Size())
	}
	if counters.Generation != 1 {
		t.Fatalf("generation counter: got %d, want 1", counters.Generation)
	}
	if len(loop.RewardHistory()) != cfg.EpisodesPerGeneration {
		t.Fatalf("reward history length: got %d, want %d", len(loop.RewardHistory()), cfg.EpisodesPerGeneration)
	}
}

func TestStartSizeGateBlocksUpdates(t *testing.T) {
	cfg := testConfig()
	cfg.ExperienceReplay.StartSize = cfg.ExperienceReplay.MaximumSize + 1
	fabric, err := transport.NewFabric(1)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	local, err := fabric.Rank(0)
	if err != nil {
		t.Fatalf("rank 0: %v", err)
	}
	loop, _ := buildLoop(t, cfg, local, true)

	for gen := 0; gen < 3; gen++ {
		if err := loop.RunGeneration(); err != nil {
			t.Fatalf("run generation %d: %v", gen, err)
		}
	}
	if updates := loop.Counters().PolicyUpdateCount; updates != 0 {
		t.Fatalf("no update may fire below the start size, got %d", updates)
	}
}

func TestUpdatesFireOncePastStartSize(t *testing.T) {
	cfg := testConfig()
	cfg.ExperienceReplay.StartSize = 8
	cfg.ExperiencesBetweenPolicyUpdates = 64
	fabric, err := transport.NewFabric(1)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	local, err := fabric.Rank(0)
	if err != nil {
		t.Fatalf("rank 0: %v", err)
	}
	loop, buffer := buildLoop(t, cfg, local, true)

	for gen := 0; gen < 3 && loop.Counters().PolicyUpdateCount == 0; gen++ {
		if err := loop.RunGeneration(); err != nil {
			t.Fatalf("run generation %d: %v", gen, err)
		}
	}
	if buffer.Size() >= cfg.ExperienceReplay.StartSize && loop.Counters().PolicyUpdateCount == 0 {
		t.Fatal("expected at least one policy update past the start size")
	}
	if buffer.OffPolicyCount() < 0 || buffer.OffPolicyCount() > buffer.Size() {
		t.Fatalf("off-policy count out of range: %d of %d", buffer.OffPolicyCount(), buffer.Size())
	}
}

// Episodes collected through a worker rank must produce the same experience
// stream shape as inline collection: the step protocol ships states up and
// actions back.
func TestCollectThroughWorkerRank(t *testing.T) {
	cfg := testConfig()
	cfg.Ranks = 2
	cfg.CoordinatorEvaluates = false
	fabric, err := transport.NewFabric(2)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}

	workerDone := make(chan error, 1)
	go func() {
		local, err := fabric.Rank(1)
		if err != nil {
			workerDone <- err
			return
		}
		worker, err := dispatch.NewWorker(local, 1, 1, nil, problem.NewCartPole())
		if err != nil {
			workerDone <- err
			return
		}
		workerDone <- worker.Run()
	}()

	local, err := fabric.Rank(0)
	if err != nil {
		t.Fatalf("rank 0: %v", err)
	}
	loop, buffer := buildLoop(t, cfg, local, false)

	if err := loop.RunGeneration(); err != nil {
		t.Fatalf("run generation: %v", err)
	}
	if buffer.Size() == 0 {
		t.Fatal("expected experiences absorbed from the worker-run episodes")
	}
	for i := buffer.StartIndex(); i < buffer.EndIndex(); i++ {
		e, err := buffer.Get(i)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if len(e.State) != 4 || len(e.Action) != 1 {
			t.Fatalf("experience %d has wrong shape: state=%d action=%d", i, len(e.State), len(e.Action))
		}
	}

	for rank := 1; rank < cfg.Ranks; rank++ {
		if err := local.Send(rank, transport.Message{Tag: transport.TagFinalize}); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}
	if err := local.Barrier(); err != nil {
		t.Fatalf("barrier: %v", err)
	}
	select {
	case err := <-workerDone:
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not shut down")
	}
}
