package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInvalid wraps every validation failure so callers can abort before
// engine initialization.
var ErrInvalid = errors.New("configuration invalid")

type Mode string

const (
	ModeTraining Mode = "training"
	ModeTesting  Mode = "testing"
)

type MiniBatchStrategy string

const (
	MiniBatchUniform     MiniBatchStrategy = "uniform"
	MiniBatchPrioritized MiniBatchStrategy = "prioritized"
)

type L2Regularization struct {
	Enabled    bool    `json:"enabled"`
	Importance float64 `json:"importance"`
}

type OffPolicy struct {
	CutoffScale   float64 `json:"cutoffScale"`
	Target        float64 `json:"target"`
	AnnealingRate float64 `json:"annealingRate"`
	REFERBeta     float64 `json:"REFERBeta"`
}

type ExperienceReplay struct {
	StartSize   int       `json:"startSize"`
	MaximumSize int       `json:"maximumSize"`
	Serialize   bool      `json:"serialize"`
	OffPolicy   OffPolicy `json:"offPolicy"`
}

type RewardOutboundPenalization struct {
	Enabled bool    `json:"enabled"`
	Factor  float64 `json:"factor"`
}

type TerminationCriteria struct {
	MaxGenerations        int     `json:"maxGenerations"`
	MaxFitnessEvaluations int     `json:"maxFitnessEvaluations"`
	MaxEpisodes           int     `json:"maxEpisodes"`
	MaxExperiences        int     `json:"maxExperiences"`
	MaxPolicyUpdates      int     `json:"maxPolicyUpdates"`
	TargetAverageReward   float64 `json:"targetAverageReward"`
}

type FileOutput struct {
	Enabled   bool   `json:"enabled"`
	Frequency int    `json:"frequency"`
	Path      string `json:"path"`
}

// Config is the closed enumeration of recognized options. Pluggable
// strategies receive their settings through the opaque Extensions subtree.
type Config struct {
	Mode                            Mode                       `json:"mode"`
	Lambda                          int                        `json:"lambda"`
	ConcurrentEnvs                  int                        `json:"concurrentEnvironments"`
	EpisodesPerGeneration           int                        `json:"episodesPerGeneration"`
	PolicyTestingEpisodes           int                        `json:"policyTestingEpisodes"`
	MiniBatchSize                   int                        `json:"miniBatchSize"`
	MiniBatchStrategy               MiniBatchStrategy          `json:"miniBatchStrategy"`
	TimeSequenceLength              int                        `json:"timeSequenceLength"`
	LearningRate                    float64                    `json:"learningRate"`
	L2Regularization                L2Regularization           `json:"l2Regularization"`
	DiscountFactor                  float64                    `json:"discountFactor"`
	ImportanceWeightTruncationLevel float64                    `json:"importanceWeightTruncationLevel"`
	ExperienceReplay                ExperienceReplay           `json:"experienceReplay"`
	ExperiencesBetweenPolicyUpdates float64                    `json:"experiencesBetweenPolicyUpdates"`
	StateRescalingEnabled           bool                       `json:"stateRescalingEnabled"`
	RewardRescalingEnabled          bool                       `json:"rewardRescalingEnabled"`
	RewardOutboundPenalization      RewardOutboundPenalization `json:"rewardOutboundPenalization"`
	Termination                     TerminationCriteria        `json:"terminationCriteria"`
	FileOutput                      FileOutput                 `json:"fileOutput"`
	CoordinatorEvaluates            bool                       `json:"coordinatorEvaluates"`
	Ranks                           int                        `json:"ranks"`
	Seed                            int64                      `json:"seed"`

	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// Default returns the configuration with the reference defaults applied.
func Default() Config {
	return Config{
		Mode:                            ModeTraining,
		Lambda:                          8,
		ConcurrentEnvs:                  1,
		EpisodesPerGeneration:           1,
		PolicyTestingEpisodes:           10,
		MiniBatchSize:                   32,
		MiniBatchStrategy:               MiniBatchUniform,
		TimeSequenceLength:              1,
		LearningRate:                    1e-3,
		DiscountFactor:                  0.995,
		ImportanceWeightTruncationLevel: 1.0,
		ExperienceReplay: ExperienceReplay{
			StartSize:   512,
			MaximumSize: 32768,
			Serialize:   true,
			OffPolicy: OffPolicy{
				CutoffScale:   4.0,
				Target:        0.1,
				AnnealingRate: 5e-7,
				REFERBeta:     0.3,
			},
		},
		ExperiencesBetweenPolicyUpdates: 1.0,
		RewardOutboundPenalization:      RewardOutboundPenalization{Factor: 0.5},
		Termination:                     TerminationCriteria{MaxGenerations: 100},
		FileOutput:                      FileOutput{Frequency: 1},
		CoordinatorEvaluates:            true,
		Ranks:                           1,
	}
}

// Load parses a JSON document into a Config on top of the defaults. Unknown
// keys outside the extensions subtree are rejected.
func Load(data []byte) (Config, error) {
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	return Load(data)
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeTraining, ModeTesting:
	default:
		return fmt.Errorf("%w: mode must be training or testing, got %q", ErrInvalid, c.Mode)
	}
	if c.Lambda < 1 {
		return fmt.Errorf("%w: lambda must be >= 1, got %d", ErrInvalid, c.Lambda)
	}
	if c.Ranks < 1 {
		return fmt.Errorf("%w: ranks must be >= 1, got %d", ErrInvalid, c.Ranks)
	}
	if c.ConcurrentEnvs < 1 {
		return fmt.Errorf("%w: concurrentEnvironments must be >= 1, got %d", ErrInvalid, c.ConcurrentEnvs)
	}
	if c.EpisodesPerGeneration < 1 {
		return fmt.Errorf("%w: episodesPerGeneration must be >= 1, got %d", ErrInvalid, c.EpisodesPerGeneration)
	}
	if c.MiniBatchSize < 1 {
		return fmt.Errorf("%w: miniBatchSize must be >= 1, got %d", ErrInvalid, c.MiniBatchSize)
	}
	switch c.MiniBatchStrategy {
	case MiniBatchUniform, MiniBatchPrioritized:
	default:
		return fmt.Errorf("%w: miniBatchStrategy must be uniform or prioritized, got %q", ErrInvalid, c.MiniBatchStrategy)
	}
	if c.TimeSequenceLength < 1 {
		return fmt.Errorf("%w: timeSequenceLength must be >= 1, got %d", ErrInvalid, c.TimeSequenceLength)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learningRate must be > 0, got %g", ErrInvalid, c.LearningRate)
	}
	if c.DiscountFactor < 0 || c.DiscountFactor > 1 {
		return fmt.Errorf("%w: discountFactor must be in [0, 1], got %g", ErrInvalid, c.DiscountFactor)
	}
	if c.ImportanceWeightTruncationLevel <= 0 {
		return fmt.Errorf("%w: importanceWeightTruncationLevel must be > 0, got %g", ErrInvalid, c.ImportanceWeightTruncationLevel)
	}
	if c.ExperienceReplay.MaximumSize < 1 {
		return fmt.Errorf("%w: experienceReplay.maximumSize must be >= 1, got %d", ErrInvalid, c.ExperienceReplay.MaximumSize)
	}
	if c.ExperienceReplay.StartSize < 0 {
		return fmt.Errorf("%w: experienceReplay.startSize must be >= 0, got %d", ErrInvalid, c.ExperienceReplay.StartSize)
	}
	if c.ExperienceReplay.OffPolicy.CutoffScale <= 0 {
		return fmt.Errorf("%w: experienceReplay.offPolicy.cutoffScale must be > 0, got %g", ErrInvalid, c.ExperienceReplay.OffPolicy.CutoffScale)
	}
	if c.ExperienceReplay.OffPolicy.Target <= 0 || c.ExperienceReplay.OffPolicy.Target >= 1 {
		return fmt.Errorf("%w: experienceReplay.offPolicy.target must be in (0, 1), got %g", ErrInvalid, c.ExperienceReplay.OffPolicy.Target)
	}
	if c.ExperienceReplay.OffPolicy.AnnealingRate < 0 {
		return fmt.Errorf("%w: experienceReplay.offPolicy.annealingRate must be >= 0, got %g", ErrInvalid, c.ExperienceReplay.OffPolicy.AnnealingRate)
	}
	if c.ExperienceReplay.OffPolicy.REFERBeta < 0 {
		return fmt.Errorf("%w: experienceReplay.offPolicy.REFERBeta must be >= 0, got %g", ErrInvalid, c.ExperienceReplay.OffPolicy.REFERBeta)
	}
	if c.ExperiencesBetweenPolicyUpdates <= 0 {
		return fmt.Errorf("%w: experiencesBetweenPolicyUpdates must be > 0, got %g", ErrInvalid, c.ExperiencesBetweenPolicyUpdates)
	}
	if c.RewardOutboundPenalization.Enabled && (c.RewardOutboundPenalization.Factor <= 0 || c.RewardOutboundPenalization.Factor > 1) {
		return fmt.Errorf("%w: rewardOutboundPenalization.factor must be in (0, 1], got %g", ErrInvalid, c.RewardOutboundPenalization.Factor)
	}
	if c.FileOutput.Enabled && c.FileOutput.Frequency < 1 {
		return fmt.Errorf("%w: fileOutput.frequency must be >= 1, got %d", ErrInvalid, c.FileOutput.Frequency)
	}
	if c.Mode == ModeTesting && c.PolicyTestingEpisodes < 1 {
		return fmt.Errorf("%w: policyTestingEpisodes must be >= 1 in testing mode, got %d", ErrInvalid, c.PolicyTestingEpisodes)
	}
	if !c.hasTerminationCriterion() {
		return fmt.Errorf("%w: at least one termination criterion is required", ErrInvalid)
	}
	return nil
}

func (c Config) hasTerminationCriterion() bool {
	t := c.Termination
	return t.MaxGenerations > 0 ||
		t.MaxFitnessEvaluations > 0 ||
		t.MaxEpisodes > 0 ||
		t.MaxExperiences > 0 ||
		t.MaxPolicyUpdates > 0 ||
		t.TargetAverageReward != 0
}

// Extension decodes the named extensions subtree into out. Missing entries
// leave out untouched and report false.
func (c Config) Extension(name string, out any) (bool, error) {
	raw, ok := c.Extensions[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: extension %s: %v", ErrInvalid, name, err)
	}
	return true, nil
}
