package main

import (
	"fmt"

	"pleione/internal/config"
)

// loadConfig reads the JSON option tree and applies the command-line
// overrides that were explicitly set.
func loadConfig(path string, set map[string]bool, flagValue map[string]any) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "mode":
			cfg.Mode = config.Mode(v.(string))
		case "lambda":
			cfg.Lambda = v.(int)
		case "gens":
			cfg.Termination.MaxGenerations = v.(int)
		case "max-evaluations":
			cfg.Termination.MaxFitnessEvaluations = v.(int)
		case "max-episodes":
			cfg.Termination.MaxEpisodes = v.(int)
		case "max-experiences":
			cfg.Termination.MaxExperiences = v.(int)
		case "max-updates":
			cfg.Termination.MaxPolicyUpdates = v.(int)
		case "ranks":
			cfg.Ranks = v.(int)
		case "seed":
			cfg.Seed = v.(int64)
		case "concurrent-envs":
			cfg.ConcurrentEnvs = v.(int)
		case "episodes-per-gen":
			cfg.EpisodesPerGeneration = v.(int)
		case "mini-batch":
			cfg.MiniBatchSize = v.(int)
		case "learning-rate":
			cfg.LearningRate = v.(float64)
		case "checkpoint-every":
			cfg.FileOutput.Enabled = true
			cfg.FileOutput.Frequency = v.(int)
		case "coordinator-evaluates":
			cfg.CoordinatorEvaluates = v.(bool)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
