package dispatch

import (
	"fmt"
	"math"

	"pleione/internal/model"
	"pleione/internal/problem"
	"pleione/internal/transport"
)

type episodeRequest struct {
	slot int
	seed int64
}

// Worker is the non-coordinator side of the dispatch protocol. It pumps
// progress, blocks on the latest broadcast, evaluates on request and exits
// its loop when the finalize message clears the continue flag.
type Worker struct {
	t         transport.Transport
	evaluator Evaluator
	env       problem.Environment

	params int
	lambda int
	matrix []float64

	continueEvaluations bool
	bcastPending        int
	evalQueue           []int
	episodeQueue        []episodeRequest

	actionReady bool
	actionSlot  int
	actionStep  int
	action      []float64
}

func NewWorker(t transport.Transport, lambda, paramCount int, evaluator Evaluator, env problem.Environment) (*Worker, error) {
	if lambda < 1 || paramCount < 1 {
		return nil, fmt.Errorf("invalid wave shape: lambda=%d params=%d", lambda, paramCount)
	}
	w := &Worker{
		t:                   t,
		evaluator:           evaluator,
		env:                 env,
		params:              paramCount,
		lambda:              lambda,
		matrix:              make([]float64, lambda*paramCount),
		continueEvaluations: true,
	}
	// Announcements pair one-to-one with broadcast receptions, so the
	// pending state is a count, not a flag.
	t.Handle(transport.TagBroadcastIncoming, func(transport.Message) { w.bcastPending++ })
	t.Handle(transport.TagEvaluate, func(msg transport.Message) { w.evalQueue = append(w.evalQueue, msg.Index) })
	t.Handle(transport.TagRunEpisode, func(msg transport.Message) {
		w.episodeQueue = append(w.episodeQueue, episodeRequest{slot: msg.Index, seed: int64(msg.Step)})
	})
	t.Handle(transport.TagEnvAction, func(msg transport.Message) {
		w.actionReady = true
		w.actionSlot = msg.Index
		w.actionStep = msg.Step
		w.action = msg.Values
	})
	t.Handle(transport.TagFinalize, func(transport.Message) { w.continueEvaluations = false })
	return w, nil
}

// Run is the worker main loop. It returns after the finalize message and the
// closing barrier.
func (w *Worker) Run() error {
	for w.continueEvaluations {
		w.t.Progress()
		for w.bcastPending > 0 {
			w.bcastPending--
			if err := w.t.Broadcast(w.matrix, 0); err != nil {
				return err
			}
		}
		for len(w.evalQueue) > 0 {
			i := w.evalQueue[0]
			w.evalQueue = w.evalQueue[1:]
			if err := w.evaluate(i); err != nil {
				return err
			}
		}
		for len(w.episodeQueue) > 0 {
			req := w.episodeQueue[0]
			w.episodeQueue = w.episodeQueue[1:]
			if err := w.runEpisode(req); err != nil {
				return err
			}
		}
	}
	return w.t.Barrier()
}

// evaluate reports a NaN fitness on evaluator failure; the coordinator
// treats any non-finite value as fatal.
func (w *Worker) evaluate(i int) error {
	if w.evaluator == nil {
		return fmt.Errorf("%w: rank %d received evaluate without a problem", ErrEvaluationFailed, w.t.RankID())
	}
	x := w.matrix[i*w.params : (i+1)*w.params]
	value, err := w.evaluator(x)
	if err != nil {
		value = math.NaN()
	}
	return w.t.Send(0, transport.Message{Tag: transport.TagDone, Index: i, Value: value})
}

// runEpisode drives the environment to termination, shipping each step's
// state and the previous reward to the coordinator and waiting for the
// action in return.
func (w *Worker) runEpisode(req episodeRequest) error {
	if w.env == nil {
		return fmt.Errorf("%w: rank %d received episode without an environment", ErrEvaluationFailed, w.t.RankID())
	}
	state := w.env.Reset(req.seed)
	reward := 0.0
	for step := 0; ; step++ {
		msg := transport.Message{
			Tag:    transport.TagEnvStep,
			Index:  req.slot,
			Step:   step,
			Value:  reward,
			Kind:   int(model.NonTerminal),
			Values: append([]float64(nil), state...),
		}
		if err := w.t.Send(0, msg); err != nil {
			return err
		}
		action, err := w.awaitAction(req.slot, step)
		if err != nil {
			return err
		}
		next, stepReward, kind := w.env.Step(action)
		if kind != model.NonTerminal {
			done := transport.Message{
				Tag:   transport.TagEpisodeDone,
				Index: req.slot,
				Step:  step + 1,
				Value: stepReward,
				Kind:  int(kind),
			}
			if kind == model.Truncated {
				done.Values = append([]float64(nil), next...)
			}
			return w.t.Send(0, done)
		}
		state, reward = next, stepReward
	}
}

func (w *Worker) awaitAction(slot, step int) ([]float64, error) {
	for {
		w.t.Progress()
		if w.actionReady && w.actionSlot == slot && w.actionStep == step {
			w.actionReady = false
			return w.action, nil
		}
		if !w.continueEvaluations {
			return nil, fmt.Errorf("%w: finalized while waiting for action", transport.ErrFailure)
		}
	}
}
