package replay

import (
	"math/rand"
	"testing"

	"pleione/internal/model"
)

func seededController(t *testing.T, annealing float64) *OffPolicyController {
	t.Helper()
	c, err := NewOffPolicyController(ControllerConfig{
		Target:        0.1,
		AnnealingRate: annealing,
		CutoffScale:   4,
		REFERBeta:     0.3,
		LearningRate:  1e-3,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

// Seed the buffer with 1000 experiences whose importance weights are uniform
// in [1/3, 3] against a cutoff of 4: every weight sits inside [1/4, 4], so
// the off-policy count is zero, the ratio is under the target and the cutoff
// anneals upward.
func TestControllerTickMatchesCutoffBand(t *testing.T) {
	buf, err := NewBuffer(1024, 1)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	rng := rand.New(rand.NewSource(3))
	cutoff := 4.0
	for i := 0; i < 1000; i++ {
		iw := 1.0/3.0 + rng.Float64()*(3.0-1.0/3.0)
		buf.Append(model.Experience{
			State:                     []float64{0},
			Action:                    []float64{0},
			EpisodeID:                 i,
			ImportanceWeight:          iw,
			TruncatedImportanceWeight: 1,
			OnPolicy:                  iw >= 1/cutoff && iw <= cutoff,
		})
	}

	controller := seededController(t, 0.05)
	state := controller.Tick(buf)

	outside := 0
	for i := buf.StartIndex(); i < buf.EndIndex(); i++ {
		e, err := buf.Get(i)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if e.ImportanceWeight < 1/state.CurrentCutoff || e.ImportanceWeight > state.CurrentCutoff {
			outside++
		}
	}
	if state.Count != outside {
		t.Fatalf("off-policy count %d does not match weights outside the band (%d)", state.Count, outside)
	}
	// Ratio 0 is below the target, so the cutoff moves up.
	if state.CurrentCutoff <= 4 {
		t.Fatalf("cutoff should have annealed upward, got %g", state.CurrentCutoff)
	}
}

func TestControllerShrinksCutoffAboveTarget(t *testing.T) {
	buf, err := NewBuffer(64, 1)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	// Half the contents far outside any reasonable band.
	for i := 0; i < 32; i++ {
		iw := 1.0
		if i%2 == 0 {
			iw = 100.0
		}
		buf.Append(model.Experience{
			EpisodeID:        i,
			ImportanceWeight: iw,
			OnPolicy:         iw == 1.0,
		})
	}

	controller := seededController(t, 0.05)
	beta := controller.Beta()
	state := controller.Tick(buf)

	if state.CurrentCutoff >= 4 {
		t.Fatalf("cutoff should have annealed downward, got %g", state.CurrentCutoff)
	}
	if state.REFERBeta <= beta {
		t.Fatalf("beta should have grown, got %g from %g", state.REFERBeta, beta)
	}
	if state.CurrentLearningRate > 1e-3 {
		t.Fatalf("learning rate must never exceed the base rate, got %g", state.CurrentLearningRate)
	}
}

func TestControllerInvariantsHoldAcrossTicks(t *testing.T) {
	buf, err := NewBuffer(64, 1)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for i := 0; i < 20; i++ {
		buf.Append(model.Experience{EpisodeID: i, ImportanceWeight: 50, OnPolicy: false})
	}

	controller := seededController(t, 0.2)
	for i := 0; i < 50; i++ {
		state := controller.Tick(buf)
		if state.CurrentCutoff <= 0 {
			t.Fatalf("cutoff must stay positive, got %g at tick %d", state.CurrentCutoff, i)
		}
		if state.CurrentLearningRate > 1e-3 {
			t.Fatalf("learning rate exceeded base rate at tick %d: %g", i, state.CurrentLearningRate)
		}
		if state.Count != buf.OffPolicyCount() {
			t.Fatalf("state count %d diverged from buffer count %d", state.Count, buf.OffPolicyCount())
		}
	}
}

func TestControllerRestoreRoundTrip(t *testing.T) {
	buf, err := NewBuffer(16, 1)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	buf.Append(model.Experience{ImportanceWeight: 1, OnPolicy: true})

	controller := seededController(t, 0.1)
	for i := 0; i < 5; i++ {
		controller.Tick(buf)
	}
	saved := controller.State(buf)

	restored := seededController(t, 0.1)
	restored.Restore(saved)
	if restored.Cutoff() != controller.Cutoff() {
		t.Fatalf("cutoff after restore: got %g, want %g", restored.Cutoff(), controller.Cutoff())
	}
	if restored.LearningRate() != controller.LearningRate() {
		t.Fatalf("learning rate after restore: got %g, want %g", restored.LearningRate(), controller.LearningRate())
	}
	if restored.Beta() != controller.Beta() {
		t.Fatalf("beta after restore: got %g, want %g", restored.Beta(), controller.Beta())
	}
}
