package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"pleione/internal/engine"
	"pleione/pkg/pleione"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		// Single-line diagnostic from rank 0 only; workers never reach
		// this path.
		fmt.Fprintf(os.Stderr, "pleionectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("pleionectl", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a JSON configuration file")
	problemName := fs.String("problem", "", "registered problem for optimization mode")
	envName := fs.String("env", "", "registered environment for learning mode")
	runID := fs.String("run-id", "", "run identifier (generated when empty)")
	resume := fs.Bool("resume", false, "resume from the checkpoint stored under -run-id")
	storeKind := fs.String("store", "memory", "storage backend: memory or sqlite")
	dbPath := fs.String("db", "pleione.db", "sqlite database path")

	mode := fs.String("mode", "training", "training or testing")
	lambda := fs.Int("lambda", 8, "samples per wave")
	gens := fs.Int("gens", 100, "maximum generations")
	maxEvaluations := fs.Int("max-evaluations", 0, "maximum fitness evaluations")
	maxEpisodes := fs.Int("max-episodes", 0, "maximum episodes")
	maxExperiences := fs.Int("max-experiences", 0, "maximum experiences")
	maxUpdates := fs.Int("max-updates", 0, "maximum policy updates")
	ranks := fs.Int("ranks", 1, "rank count (coordinator included)")
	seed := fs.Int64("seed", 0, "random seed")
	concurrentEnvs := fs.Int("concurrent-envs", 1, "in-flight episodes")
	episodesPerGen := fs.Int("episodes-per-gen", 1, "episodes collected per generation")
	miniBatch := fs.Int("mini-batch", 32, "mini-batch size")
	learningRate := fs.Float64("learning-rate", 1e-3, "base learning rate")
	checkpointEvery := fs.Int("checkpoint-every", 0, "checkpoint frequency in generations")
	coordinatorEvaluates := fs.Bool("coordinator-evaluates", true, "include rank 0 in the worker pool")

	if err := fs.Parse(args); err != nil {
		return err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	flagValue := map[string]any{
		"mode":                  *mode,
		"lambda":                *lambda,
		"gens":                  *gens,
		"max-evaluations":       *maxEvaluations,
		"max-episodes":          *maxEpisodes,
		"max-experiences":       *maxExperiences,
		"max-updates":           *maxUpdates,
		"ranks":                 *ranks,
		"seed":                  *seed,
		"concurrent-envs":       *concurrentEnvs,
		"episodes-per-gen":      *episodesPerGen,
		"mini-batch":            *miniBatch,
		"learning-rate":         *learningRate,
		"checkpoint-every":      *checkpointEvery,
		"coordinator-evaluates": *coordinatorEvaluates,
	}

	cfg, err := loadConfig(*configPath, set, flagValue)
	if err != nil {
		return err
	}

	ctx := context.Background()
	client, err := pleione.NewClient(ctx, pleione.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	req := engine.RunRequest{
		RunID:       *runID,
		Problem:     *problemName,
		Environment: *envName,
		Config:      cfg,
		Resume:      *resume,
	}
	result, err := client.Run(ctx, req)
	if err != nil {
		return err
	}

	printResult(result)
	return nil
}

func printResult(result engine.RunResult) {
	fmt.Printf("run %s finished: %s\n", result.RunID, result.StopCriterion)
	fmt.Printf("  generations:         %s\n", humanize.Comma(int64(result.Generations)))
	if result.Counters.FitnessEvaluations > 0 {
		fmt.Printf("  fitness evaluations: %s\n", humanize.Comma(int64(result.Counters.FitnessEvaluations)))
		fmt.Printf("  best fitness:        %g\n", result.BestFitness)
		fmt.Printf("  best parameters:     %v\n", result.BestParams)
	}
	if result.Counters.EpisodeCount > 0 {
		fmt.Printf("  episodes:            %s\n", humanize.Comma(int64(result.Counters.EpisodeCount)))
		fmt.Printf("  experiences:         %s\n", humanize.Comma(int64(result.Counters.ExperienceCount)))
		fmt.Printf("  policy updates:      %s\n", humanize.Comma(int64(result.Counters.PolicyUpdateCount)))
		fmt.Printf("  average reward:      %g\n", result.AverageReward)
	}
}
