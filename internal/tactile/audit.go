package tactile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"psa/internal/logging"
)

// AuditLogger fans executor audit events out to callbacks, an optional
// JSON Lines file and running execution counters.
type AuditLogger struct {
	mu sync.RWMutex

	callbacks  []func(AuditEvent)
	fileLogger *AuditFileLogger
	metrics    *ExecutionMetrics
}

// NewAuditLogger creates an audit logger with the given callbacks.
func NewAuditLogger(callbacks ...func(AuditEvent)) *AuditLogger {
	return &AuditLogger{
		callbacks: callbacks,
		metrics:   NewExecutionMetrics(),
	}
}

// AddCallback adds a callback function for audit events.
func (l *AuditLogger) AddCallback(callback func(AuditEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, callback)
}

// EnableFileLogging appends every event to path as one JSON object per line.
func (l *AuditLogger) EnableFileLogging(path string) error {
	fl, err := NewAuditFileLogger(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileLogger != nil {
		l.fileLogger.Close()
	}
	l.fileLogger = fl
	return nil
}

// Close closes the audit file, if any.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileLogger != nil {
		err := l.fileLogger.Close()
		l.fileLogger = nil
		return err
	}
	return nil
}

// Log records one event. It has the signature of ExecutorConfig.AuditCallback.
func (l *AuditLogger) Log(event AuditEvent) {
	l.mu.RLock()
	callbacks := l.callbacks
	fileLogger := l.fileLogger
	l.mu.RUnlock()

	l.metrics.RecordEvent(event)

	for _, cb := range callbacks {
		cb(event)
	}

	if fileLogger != nil {
		if err := fileLogger.Write(event); err != nil {
			logging.TactileWarn("audit file: %v", err)
		}
	}
}

// Metrics returns the current execution counters.
func (l *AuditLogger) Metrics() ExecutionMetricsSnapshot {
	return l.metrics.Snapshot()
}

// AuditFileLogger writes audit events to a file in JSON Lines format.
type AuditFileLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewAuditFileLogger opens path for appending, creating its directory.
func NewAuditFileLogger(path string) (*AuditFileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &AuditFileLogger{file: file, path: path}, nil
}

// Write appends one event.
func (l *AuditFileLogger) Write(event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit file %s not open", l.path)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.file.Write(append(data, '\n'))
	return err
}

// Close closes the file.
func (l *AuditFileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ExecutionMetrics tracks aggregate execution statistics.
type ExecutionMetrics struct {
	mu sync.Mutex

	total      int64
	successful int64
	nonZero    int64
	failed     int64
	killed     int64
	durationMs int64
	byBinary   map[string]int64
	lastEvent  time.Time
}

// NewExecutionMetrics creates an empty tracker.
func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{byBinary: make(map[string]int64)}
}

// RecordEvent updates the counters from one event.
func (m *ExecutionMetrics) RecordEvent(event AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastEvent = event.Timestamp
	switch event.Type {
	case AuditEventStart:
		m.total++
		m.byBinary[event.Command.Binary]++
	case AuditEventComplete:
		if event.Result == nil {
			return
		}
		if event.Result.ExitCode == 0 {
			m.successful++
		} else {
			m.nonZero++
		}
		m.durationMs += event.Result.Duration.Milliseconds()
	case AuditEventKilled:
		m.killed++
		if event.Result != nil {
			m.durationMs += event.Result.Duration.Milliseconds()
		}
	case AuditEventError:
		m.failed++
	}
}

// ExecutionMetricsSnapshot is a point-in-time copy of ExecutionMetrics.
type ExecutionMetricsSnapshot struct {
	TotalExecutions      int64            `json:"total_executions"`
	SuccessfulExecutions int64            `json:"successful_executions"`
	NonZeroExits         int64            `json:"non_zero_exits"`
	FailedExecutions     int64            `json:"failed_executions"`
	KilledExecutions     int64            `json:"killed_executions"`
	TotalDurationMs      int64            `json:"total_duration_ms"`
	ExecutionsByBinary   map[string]int64 `json:"executions_by_binary"`
	LastEventTime        time.Time        `json:"last_event_time"`
	SuccessRate          float64          `json:"success_rate"`
	AvgDurationMs        float64          `json:"avg_duration_ms"`
}

// Snapshot returns a copy with derived rates. A non-zero exit is a completed
// run, not a success.
func (m *ExecutionMetrics) Snapshot() ExecutionMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	byBinary := make(map[string]int64, len(m.byBinary))
	for k, v := range m.byBinary {
		byBinary[k] = v
	}

	s := ExecutionMetricsSnapshot{
		TotalExecutions:      m.total,
		SuccessfulExecutions: m.successful,
		NonZeroExits:         m.nonZero,
		FailedExecutions:     m.failed,
		KilledExecutions:     m.killed,
		TotalDurationMs:      m.durationMs,
		ExecutionsByBinary:   byBinary,
		LastEventTime:        m.lastEvent,
	}
	if timed := m.successful + m.nonZero + m.killed; timed > 0 {
		s.AvgDurationMs = float64(m.durationMs) / float64(timed)
	}
	if finished := m.successful + m.nonZero + m.failed + m.killed; finished > 0 {
		s.SuccessRate = float64(m.successful) / float64(finished)
	}
	return s
}
