package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type TerminationKind int

const (
	NonTerminal TerminationKind = iota
	Terminal
	Truncated
)

func (k TerminationKind) String() string {
	switch k {
	case NonTerminal:
		return "non_terminal"
	case Terminal:
		return "terminal"
	case Truncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// PolicySnapshot is stored by value inside each experience so that aging
// the policy does not invalidate recorded behavior.
type PolicySnapshot struct {
	StateValue             float64   `json:"state_value"`
	DistributionParameters []float64 `json:"distribution_parameters,omitempty"`
	DiscreteActionIndex    int       `json:"discrete_action_index,omitempty"`
	ActionProbabilities    []float64 `json:"action_probabilities,omitempty"`
	UnboundedAction        []float64 `json:"unbounded_action,omitempty"`
}

type Experience struct {
	State                     []float64       `json:"state"`
	Action                    []float64       `json:"action"`
	Reward                    float64         `json:"reward"`
	Termination               TerminationKind `json:"termination"`
	EpisodeID                 int             `json:"episode_id"`
	EpisodePosition           int             `json:"episode_position"`
	BehaviorPolicy            PolicySnapshot  `json:"behavior_policy"`
	CurrentPolicy             PolicySnapshot  `json:"current_policy"`
	ImportanceWeight          float64         `json:"importance_weight"`
	TruncatedImportanceWeight float64         `json:"truncated_importance_weight"`
	RetraceValue              float64         `json:"retrace_value"`
	Priority                  float64         `json:"priority,omitempty"`
	OnPolicy                  bool            `json:"on_policy"`
	EnvironmentID             int             `json:"environment_id"`
	TruncatedState            []float64       `json:"truncated_state,omitempty"`
	TruncatedStateValue       float64         `json:"truncated_state_value,omitempty"`
}

type OffPolicyState struct {
	Count               int     `json:"count"`
	Ratio               float64 `json:"ratio"`
	CurrentCutoff       float64 `json:"current_cutoff"`
	AnnealingRate       float64 `json:"annealing_rate"`
	REFERBeta           float64 `json:"refer_beta"`
	CurrentLearningRate float64 `json:"current_learning_rate"`
}

// RescalingStats are computed once after the initial exploration phase and
// frozen for the remainder of the run.
type RescalingStats struct {
	Frozen       bool      `json:"frozen"`
	StateMeans   []float64 `json:"state_means,omitempty"`
	StateSigmas  []float64 `json:"state_sigmas,omitempty"`
	RewardSigmas []float64 `json:"reward_sigmas,omitempty"`
}

type Counters struct {
	Generation         int `json:"generation"`
	FitnessEvaluations int `json:"fitness_evaluations"`
	ExperienceCount    int `json:"experience_count"`
	EpisodeCount       int `json:"episode_count"`
	PolicyUpdateCount  int `json:"policy_update_count"`
}

// Checkpoint is the state dumped every fileOutput.frequency generations. A
// later run loading the same run id resumes at the next generation.
type Checkpoint struct {
	VersionedRecord
	RunID               string         `json:"run_id"`
	Counters            Counters       `json:"counters"`
	OffPolicy           OffPolicyState `json:"off_policy"`
	Rescaling           RescalingStats `json:"rescaling"`
	PolicyHyperparams   []byte         `json:"policy_hyperparams,omitempty"`
	SolverState         []byte         `json:"solver_state,omitempty"`
	Experiences         []Experience   `json:"experiences,omitempty"`
	TrainingAverage     float64        `json:"training_average"`
	TrainingBest        float64        `json:"training_best"`
	TrainingBestEpisode int            `json:"training_best_episode"`
	RewardHistory       []float64      `json:"reward_history,omitempty"`
	ExperienceHistory   []int          `json:"experience_history,omitempty"`
}

type RunSummary struct {
	VersionedRecord
	RunID         string  `json:"run_id"`
	Mode          string  `json:"mode"`
	ProblemName   string  `json:"problem_name"`
	Generations   int     `json:"generations"`
	BestFitness   float64 `json:"best_fitness"`
	AverageTest   float64 `json:"average_test,omitempty"`
	StopCriterion string  `json:"stop_criterion,omitempty"`
}
