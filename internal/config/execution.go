package config

// ExecutionConfig configures the tactile layer (probes and action effects).
type ExecutionConfig struct {
	// Upper bound for a single condition probe (ShellCheck included)
	ProbeTimeout string `yaml:"probe_timeout" json:"probe_timeout,omitempty"`

	// Upper bound for a single action (Shell, RestartService, ...)
	ActionTimeout string `yaml:"action_timeout" json:"action_timeout,omitempty"`

	// Shell used for shell_check conditions and shell actions
	Shell string `yaml:"shell" json:"shell,omitempty"`

	// Desktop notifications for rules needing attention
	Notify bool `yaml:"notify" json:"notify"`

	// JSON Lines record of every spawned process (daemon only, optional)
	AuditFile string `yaml:"audit_file,omitempty" json:"audit_file,omitempty"`
}
