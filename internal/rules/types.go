// Package rules holds crystallized automation rules: deterministic
// condition/action pairs with full provenance, persisted one YAML file per
// rule and journaled on every change.
package rules

import (
	"strings"
	"time"
)

// CrystallizationThreshold is the minimum success count before a solution
// may become a rule.
const CrystallizationThreshold = 5

// InitialVersion is the version of every newly created rule.
const InitialVersion = "1.0.0"

// Rule is a crystallized rule. ID never changes after creation and Version
// changes only through Amend.
type Rule struct {
	ID         string      `yaml:"id" json:"id" validate:"required"`
	Name       string      `yaml:"name" json:"name" validate:"required"`
	Version    string      `yaml:"version" json:"version" validate:"required"`
	When       []Condition `yaml:"when" json:"when" validate:"dive"`
	Then       []Action    `yaml:"then" json:"then" validate:"dive"`
	Provenance Provenance  `yaml:"provenance" json:"provenance"`
	Stats      RuleStats   `yaml:"stats" json:"stats"`
	Enabled    bool        `yaml:"enabled" json:"enabled"`
	Tags       []string    `yaml:"tags,omitempty" json:"tags,omitempty"`
	Retirement *Retirement `yaml:"retirement,omitempty" json:"retirement,omitempty"`
}

// Retirement marks a rule as obsolete. Retired rules are kept on disk.
type Retirement struct {
	Reason    string    `yaml:"reason" json:"reason"`
	RetiredAt time.Time `yaml:"retired_at" json:"retired_at"`
}

// Retired reports whether the rule has been retired.
func (r *Rule) Retired() bool { return r.Retirement != nil }

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	out := r
	out.When = CloneConditions(r.When)
	out.Then = append([]Action(nil), r.Then...)
	out.Tags = append([]string(nil), r.Tags...)
	out.Provenance.DecisionPath = append([]DecisionStep(nil), r.Provenance.DecisionPath...)
	out.Provenance.History = append([]RuleVersion(nil), r.Provenance.History...)
	if r.Provenance.SolutionID != nil {
		id := *r.Provenance.SolutionID
		out.Provenance.SolutionID = &id
	}
	if r.Stats.LastApplied != nil {
		t := *r.Stats.LastApplied
		out.Stats.LastApplied = &t
	}
	if r.Stats.AverageDurationMs != nil {
		d := *r.Stats.AverageDurationMs
		out.Stats.AverageDurationMs = &d
	}
	if r.Retirement != nil {
		ret := *r.Retirement
		out.Retirement = &ret
	}
	return out
}

// HasTag reports whether the rule carries tag.
func (r *Rule) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ConditionType discriminates Condition.
type ConditionType string

const (
	CondProcessRunning   ConditionType = "process_running"
	CondServiceState     ConditionType = "service_state"
	CondFileExists       ConditionType = "file_exists"
	CondFileContains     ConditionType = "file_contains"
	CondMetricThreshold  ConditionType = "metric_threshold"
	CondPortOpen         ConditionType = "port_open"
	CondPackageInstalled ConditionType = "package_installed"
	CondModuleLoaded     ConditionType = "module_loaded"
	CondShellCheck       ConditionType = "shell_check"
	CondAll              ConditionType = "all"
	CondAny              ConditionType = "any"
	CondNot              ConditionType = "not"
)

// Condition is a tagged variant; only the fields of its Type are set.
type Condition struct {
	Type       ConditionType `yaml:"type" json:"type" validate:"required"`
	Name       string        `yaml:"name,omitempty" json:"name,omitempty"`
	State      string        `yaml:"state,omitempty" json:"state,omitempty"`
	Path       string        `yaml:"path,omitempty" json:"path,omitempty"`
	Pattern    string        `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Metric     string        `yaml:"metric,omitempty" json:"metric,omitempty"`
	Op         string        `yaml:"op,omitempty" json:"op,omitempty"`
	Value      float64       `yaml:"value,omitempty" json:"value,omitempty"`
	Port       uint16        `yaml:"port,omitempty" json:"port,omitempty"`
	Protocol   string        `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Command    string        `yaml:"command,omitempty" json:"command,omitempty"`
	Conditions []Condition   `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Condition  *Condition    `yaml:"condition,omitempty" json:"condition,omitempty"`
}

func ProcessRunning(name string) Condition {
	return Condition{Type: CondProcessRunning, Name: name}
}

func ServiceState(name, state string) Condition {
	return Condition{Type: CondServiceState, Name: name, State: state}
}

func FileExists(path string) Condition {
	return Condition{Type: CondFileExists, Path: path}
}

func FileContains(path, pattern string) Condition {
	return Condition{Type: CondFileContains, Path: path, Pattern: pattern}
}

func MetricThreshold(metric, op string, value float64) Condition {
	return Condition{Type: CondMetricThreshold, Metric: metric, Op: op, Value: value}
}

func PortOpen(port uint16, protocol string) Condition {
	return Condition{Type: CondPortOpen, Port: port, Protocol: protocol}
}

func PackageInstalled(name string) Condition {
	return Condition{Type: CondPackageInstalled, Name: name}
}

func ModuleLoaded(name string) Condition {
	return Condition{Type: CondModuleLoaded, Name: name}
}

func ShellCheck(command string) Condition {
	return Condition{Type: CondShellCheck, Command: command}
}

func All(conds ...Condition) Condition {
	return Condition{Type: CondAll, Conditions: conds}
}

func Any(conds ...Condition) Condition {
	return Condition{Type: CondAny, Conditions: conds}
}

func Not(cond Condition) Condition {
	return Condition{Type: CondNot, Condition: &cond}
}

// CloneConditions deep-copies conds, including nested operands.
func CloneConditions(in []Condition) []Condition {
	if in == nil {
		return nil
	}
	out := make([]Condition, len(in))
	for i, c := range in {
		out[i] = c.clone()
	}
	return out
}

func (c Condition) clone() Condition {
	out := c
	out.Conditions = CloneConditions(c.Conditions)
	if c.Condition != nil {
		inner := c.Condition.clone()
		out.Condition = &inner
	}
	return out
}

// ActionType discriminates Action.
type ActionType string

const (
	ActShell          ActionType = "shell"
	ActRestartService ActionType = "restart_service"
	ActEnableService  ActionType = "enable_service"
	ActWriteFile      ActionType = "write_file"
	ActLoadModule     ActionType = "load_module"
	ActInstallPackage ActionType = "install_package"
	ActLog            ActionType = "log"
	ActNotify         ActionType = "notify"
	ActEscalate       ActionType = "escalate"
)

// Action is a tagged variant; only the fields of its Type are set.
type Action struct {
	Type    ActionType `yaml:"type" json:"type" validate:"required"`
	Command string     `yaml:"command,omitempty" json:"command,omitempty"`
	Sudo    bool       `yaml:"sudo,omitempty" json:"sudo,omitempty"`
	Name    string     `yaml:"name,omitempty" json:"name,omitempty"`
	Path    string     `yaml:"path,omitempty" json:"path,omitempty"`
	Content string     `yaml:"content,omitempty" json:"content,omitempty"`
	Mode    string     `yaml:"mode,omitempty" json:"mode,omitempty"`
	Options string     `yaml:"options,omitempty" json:"options,omitempty"`
	Level   string     `yaml:"level,omitempty" json:"level,omitempty"`
	Message string     `yaml:"message,omitempty" json:"message,omitempty"`
	Title   string     `yaml:"title,omitempty" json:"title,omitempty"`
	Body    string     `yaml:"body,omitempty" json:"body,omitempty"`
	Reason  string     `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// String is a one-line human description of the action.
func (a Action) String() string {
	switch a.Type {
	case ActShell:
		if a.Sudo {
			return "shell (sudo): " + a.Command
		}
		return "shell: " + a.Command
	case ActRestartService, ActEnableService, ActInstallPackage:
		return string(a.Type) + " " + a.Name
	case ActLoadModule:
		return strings.TrimSpace("load_module " + a.Name + " " + a.Options)
	case ActWriteFile:
		return "write_file " + a.Path
	case ActLog:
		return "log: " + a.Message
	case ActNotify:
		return "notify: " + a.Title
	case ActEscalate:
		return "escalate: " + a.Reason
	}
	return string(a.Type)
}

func Shell(command string, sudo bool) Action {
	return Action{Type: ActShell, Command: command, Sudo: sudo}
}

func RestartService(name string) Action {
	return Action{Type: ActRestartService, Name: name}
}

func EnableService(name string) Action {
	return Action{Type: ActEnableService, Name: name}
}

func WriteFile(path, content, mode string) Action {
	return Action{Type: ActWriteFile, Path: path, Content: content, Mode: mode}
}

func LoadModule(name, options string) Action {
	return Action{Type: ActLoadModule, Name: name, Options: options}
}

func InstallPackage(name string) Action {
	return Action{Type: ActInstallPackage, Name: name}
}

func Log(level, message string) Action {
	return Action{Type: ActLog, Level: level, Message: message}
}

func Notify(title, body string) Action {
	return Action{Type: ActNotify, Title: title, Body: body}
}

func Escalate(reason string) Action {
	return Action{Type: ActEscalate, Reason: reason}
}

// Provenance is the append-only audit trail of a rule.
type Provenance struct {
	Source          RuleSource     `yaml:"source" json:"source"`
	OriginalProblem string         `yaml:"original_problem" json:"original_problem"`
	SolutionID      *string        `yaml:"solution_id,omitempty" json:"solution_id,omitempty"`
	CreatedAt       time.Time      `yaml:"created_at" json:"created_at"`
	CreatedBy       string         `yaml:"created_by" json:"created_by"`
	DecisionPath    []DecisionStep `yaml:"decision_path" json:"decision_path"`
	History         []RuleVersion  `yaml:"history" json:"history"`
}

// SourceKind discriminates RuleSource.
type SourceKind string

const (
	SourceCrystallized SourceKind = "crystallized"
	SourceForum        SourceKind = "forum"
	SourceMesh         SourceKind = "mesh"
	SourceManual       SourceKind = "manual"
	SourceImport       SourceKind = "import"
)

// RuleSource records where a rule came from.
type RuleSource struct {
	Kind        SourceKind `yaml:"kind" json:"kind"`
	SolutionID  string     `yaml:"solution_id,omitempty" json:"solution_id,omitempty"`
	Confidence  float64    `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	URL         string     `yaml:"url,omitempty" json:"url,omitempty"`
	ThreadTitle string     `yaml:"thread_title,omitempty" json:"thread_title,omitempty"`
	PeerID      string     `yaml:"peer_id,omitempty" json:"peer_id,omitempty"`
	PeerName    string     `yaml:"peer_name,omitempty" json:"peer_name,omitempty"`
	Author      string     `yaml:"author,omitempty" json:"author,omitempty"`
	Origin      string     `yaml:"origin,omitempty" json:"origin,omitempty"`
}

// String renders the source for reports.
func (s RuleSource) String() string {
	switch s.Kind {
	case SourceCrystallized:
		return "crystallized from solution " + s.SolutionID
	case SourceForum:
		return "forum: " + s.ThreadTitle + " (" + s.URL + ")"
	case SourceMesh:
		return "mesh peer " + s.PeerName + " (" + s.PeerID + ")"
	case SourceManual:
		return "manual by " + s.Author
	case SourceImport:
		return "imported from " + s.Origin
	}
	return string(s.Kind)
}

// DecisionStep is one entry of the decision path.
type DecisionStep struct {
	Timestamp        time.Time `yaml:"timestamp" json:"timestamp"`
	Description      string    `yaml:"description" json:"description"`
	ConfidenceBefore float64   `yaml:"confidence_before" json:"confidence_before"`
	ConfidenceAfter  float64   `yaml:"confidence_after" json:"confidence_after"`
	Reason           string    `yaml:"reason" json:"reason"`
}

// RuleVersion is one entry of the version history.
type RuleVersion struct {
	Version     string    `yaml:"version" json:"version"`
	Timestamp   time.Time `yaml:"timestamp" json:"timestamp"`
	Author      string    `yaml:"author" json:"author"`
	Message     string    `yaml:"message" json:"message"`
	DiffSummary string    `yaml:"diff_summary" json:"diff_summary"`
}

// RuleStats is mutated only by Execute.
type RuleStats struct {
	AppliedCount      uint64     `yaml:"applied_count" json:"applied_count"`
	SuccessCount      uint64     `yaml:"success_count" json:"success_count"`
	FailureCount      uint64     `yaml:"failure_count" json:"failure_count"`
	EscalationCount   uint64     `yaml:"escalation_count" json:"escalation_count"`
	LastApplied       *time.Time `yaml:"last_applied,omitempty" json:"last_applied,omitempty"`
	AverageDurationMs *float64   `yaml:"average_duration_ms,omitempty" json:"average_duration_ms,omitempty"`
}

// SuccessRate returns success/applied, or 0 before any application.
func (s RuleStats) SuccessRate() float64 {
	if s.AppliedCount == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.AppliedCount)
}

// SolutionSource records where a solution was learned.
type SolutionSource string

const (
	SolutionLocal  SolutionSource = "local"
	SolutionMesh   SolutionSource = "mesh"
	SolutionForum  SolutionSource = "forum"
	SolutionManual SolutionSource = "manual"
)

// Solution is an observed problem/solution pair with its track record.
type Solution struct {
	ID           string         `json:"id"`
	Category     string         `json:"category"`
	Problem      string         `json:"problem"`
	Solution     string         `json:"solution"`
	Commands     []string       `json:"commands,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	SuccessCount uint64         `json:"success_count"`
	FailureCount uint64         `json:"failure_count"`
	Source       SolutionSource `json:"source"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Confidence is success/(success+failure+1).
func (s Solution) Confidence() float64 {
	return float64(s.SuccessCount) / float64(s.SuccessCount+s.FailureCount+1)
}

// ProblemRelation links a problem to a solution in the solution store.
type ProblemRelation struct {
	FromProblem string   `json:"from_problem"`
	ToSolution  string   `json:"to_solution"`
	Confidence  float64  `json:"confidence"`
	Context     []string `json:"context,omitempty"`
}

// ProblemContext is what a rule is matched against.
type ProblemContext struct {
	ProblemText string             `json:"problem_text"`
	Category    string             `json:"category,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}
