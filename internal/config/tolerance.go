package config

// ToleranceConfig mirrors lifecycle.Tolerance.
type ToleranceConfig struct {
	MinSuccessRate         float64 `yaml:"min_success_rate" json:"min_success_rate" validate:"gte=0,lte=1"`
	MinSamples             uint64  `yaml:"min_samples" json:"min_samples"`
	VarianceThreshold      float64 `yaml:"variance_threshold" json:"variance_threshold" validate:"gte=0,lte=1"`
	FailureReviewThreshold uint64  `yaml:"failure_review_threshold" json:"failure_review_threshold"`
	RateWindow             string  `yaml:"rate_window" json:"rate_window"`
}

// ReasoningConfig configures the clause store.
type ReasoningConfig struct {
	// Datalog knowledge file loaded at startup (optional)
	KnowledgePath string `yaml:"knowledge_path" json:"knowledge_path,omitempty"`
	// Recursion bound for proofs
	MaxDepth int `yaml:"max_depth" json:"max_depth" validate:"gte=1"`
}

// DaemonConfig configures the control loop.
type DaemonConfig struct {
	HealthInterval string `yaml:"health_interval" json:"health_interval"`
	RuleInterval   string `yaml:"rule_interval" json:"rule_interval"`
	SocketPath     string `yaml:"socket_path" json:"socket_path"`
	MetricsAddr    string `yaml:"metrics_addr" json:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
	WatchRules     bool   `yaml:"watch_rules" json:"watch_rules"`
	Author         string `yaml:"author" json:"author"`
}
