package pleione

import (
	"context"
	"fmt"

	"pleione/internal/config"
	"pleione/internal/engine"
	"pleione/internal/model"
	"pleione/internal/problem"
	"pleione/internal/storage"
)

const defaultDBPath = "pleione.db"

type Options struct {
	StoreKind string
	DBPath    string
	Registry  *problem.Registry
}

// Client is the embedding-friendly front door: it owns a store and an
// engine and exposes the run, resume and inspection operations.
type Client struct {
	store  storage.Store
	engine *engine.Engine
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engine.Config{Store: store, Registry: opts.Registry})
	if err := eng.Init(ctx); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}
	return &Client{store: store, engine: eng}, nil
}

func (c *Client) Close() error {
	c.engine.Stop(engine.StopReasonShutdown)
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Engine() *engine.Engine { return c.engine }

// Run executes a training or testing run to completion.
func (c *Client) Run(ctx context.Context, req engine.RunRequest) (engine.RunResult, error) {
	return c.engine.Run(ctx, req)
}

// Resume reruns from the latest checkpoint stored under the request's run
// id. The run id is required.
func (c *Client) Resume(ctx context.Context, req engine.RunRequest) (engine.RunResult, error) {
	if req.RunID == "" {
		return engine.RunResult{}, fmt.Errorf("%w: resume requires a run id", config.ErrInvalid)
	}
	req.Resume = true
	return c.engine.Run(ctx, req)
}

func (c *Client) PauseRun(runID string) error { return c.engine.PauseRun(runID) }

func (c *Client) ContinueRun(runID string) error { return c.engine.ContinueRun(runID) }

func (c *Client) StopRun(runID string) error { return c.engine.StopRun(runID) }

func (c *Client) RunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error) {
	return c.store.GetRunSummary(ctx, runID)
}

func (c *Client) FitnessHistory(ctx context.Context, runID string) ([]float64, bool, error) {
	return c.store.GetFitnessHistory(ctx, runID)
}

func (c *Client) RewardHistory(ctx context.Context, runID string) ([]float64, bool, error) {
	return c.store.GetRewardHistory(ctx, runID)
}
