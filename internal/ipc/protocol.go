// Package ipc is the local command protocol between the psa CLI and the
// daemon: cbor requests and responses framed by a 4-byte length prefix over
// a unix socket.
package ipc

import (
	"time"
)

// Command names a daemon operation.
type Command string

const (
	CmdStatus      Command = "status"
	CmdHealthCheck Command = "health_check"
	CmdQuery       Command = "query"
	CmdListRules   Command = "list_rules"
	CmdProvenance  Command = "provenance"
	CmdPause       Command = "pause"
	CmdResume      Command = "resume"
	CmdShutdown    Command = "shutdown"
)

// Request is one command sent to the daemon.
type Request struct {
	Command Command `cbor:"1,keyasint"`
	Problem string  `cbor:"2,keyasint,omitempty"`
	RuleID  string  `cbor:"3,keyasint,omitempty"`
}

// Response carries the result of one Request. Exactly one payload field is
// set on success; Error is set otherwise.
type Response struct {
	OK         bool          `cbor:"1,keyasint"`
	Error      string        `cbor:"2,keyasint,omitempty"`
	Status     *Status       `cbor:"3,keyasint,omitempty"`
	Health     *HealthReport `cbor:"4,keyasint,omitempty"`
	Answer     *Answer       `cbor:"5,keyasint,omitempty"`
	Rules      []RuleSummary `cbor:"6,keyasint,omitempty"`
	Provenance string        `cbor:"7,keyasint,omitempty"`
}

// Fail builds an error response.
func Fail(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

// Status describes the running daemon.
type Status struct {
	Running         bool          `cbor:"1,keyasint" json:"running"`
	Paused          bool          `cbor:"2,keyasint" json:"paused"`
	Uptime          time.Duration `cbor:"3,keyasint" json:"uptime"`
	RulesCount      int           `cbor:"4,keyasint" json:"rules_count"`
	LastHealthCheck *time.Time    `cbor:"5,keyasint,omitempty" json:"last_health_check,omitempty"`
	IssuesDetected  uint64        `cbor:"6,keyasint" json:"issues_detected"`
	IssuesResolved  uint64        `cbor:"7,keyasint" json:"issues_resolved"`
	CorrelationID   string        `cbor:"8,keyasint" json:"correlation_id"`
	// ProcessesSpawned and ProcessSuccessRate are zero when process
	// auditing is off.
	ProcessesSpawned   int64   `cbor:"9,keyasint" json:"processes_spawned"`
	ProcessSuccessRate float64 `cbor:"10,keyasint" json:"process_success_rate"`
}

// Severity grades a health issue.
type Severity string

const (
	SeverityGood     Severity = "good"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is one problem found by a health check.
type Issue struct {
	Severity   Severity `cbor:"1,keyasint" json:"severity"`
	Category   string   `cbor:"2,keyasint" json:"category"`
	Message    string   `cbor:"3,keyasint" json:"message"`
	Suggestion string   `cbor:"4,keyasint,omitempty" json:"suggestion,omitempty"`
}

// HealthReport is the result of one health check.
type HealthReport struct {
	Overall   Severity  `cbor:"1,keyasint" json:"overall"`
	Issues    []Issue   `cbor:"2,keyasint" json:"issues"`
	Timestamp time.Time `cbor:"3,keyasint" json:"timestamp"`
}

// Answer is the daemon's reply to a problem query.
type Answer struct {
	Answer      string  `cbor:"1,keyasint" json:"answer"`
	Confidence  float64 `cbor:"2,keyasint" json:"confidence"`
	Source      string  `cbor:"3,keyasint" json:"source"`
	AppliedRule string  `cbor:"4,keyasint,omitempty" json:"applied_rule,omitempty"`
}

// RuleSummary is one row of the rule listing.
type RuleSummary struct {
	ID          string  `cbor:"1,keyasint" json:"id"`
	Name        string  `cbor:"2,keyasint" json:"name"`
	Enabled     bool    `cbor:"3,keyasint" json:"enabled"`
	Retired     bool    `cbor:"4,keyasint" json:"retired"`
	SuccessRate float64 `cbor:"5,keyasint" json:"success_rate"`
	Health      string  `cbor:"6,keyasint,omitempty" json:"health,omitempty"`
}
