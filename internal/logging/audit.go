// Audit logging for orchestration runs. Events are structured JSON lines
// covering each stage of a run (handshake, discovery, partition, execution)
// so CI consumers can reconstruct what a run did without parsing free text.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies which stage of a run an event belongs to.
type AuditEventType string

const (
	// Run lifecycle
	AuditRunStart AuditEventType = "run_start"
	AuditRunEnd   AuditEventType = "run_end"

	// Adapter stages
	AuditAdapterSpawn AuditEventType = "adapter_spawn"
	AuditHandshake    AuditEventType = "handshake"
	AuditDiscovery    AuditEventType = "discovery"
	AuditAdapterStop  AuditEventType = "adapter_stop"

	// Orchestration stages
	AuditPartition    AuditEventType = "partition"
	AuditCommandBuilt AuditEventType = "command_built"
	AuditExecution    AuditEventType = "execution"
)

// AuditEvent is one structured audit log entry.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	RunID      string         `json:"run"`
	Adapter    string         `json:"adapter,omitempty"`
	Target     string         `json:"target,omitempty"` // project root, command, etc.
	Success    bool           `json:"success"`
	DurationMs int64          `json:"dur_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Message    string         `json:"msg,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger writes run-scoped audit events.
type AuditLogger struct {
	runID   string
	adapter string
}

// InitAudit initializes the audit log. No-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// AuditWithRun creates an audit logger scoped to one orchestration run.
func AuditWithRun(runID, adapter string) *AuditLogger {
	return &AuditLogger{runID: runID, adapter: adapter}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" {
		event.RunID = a.runID
	}
	if event.Adapter == "" {
		event.Adapter = a.adapter
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// Stage records a completed run stage.
func (a *AuditLogger) Stage(event AuditEventType, success bool, elapsed time.Duration, msg string) {
	a.Log(AuditEvent{
		EventType:  event,
		Success:    success,
		DurationMs: elapsed.Milliseconds(),
		Message:    msg,
	})
}

// StageError records a failed run stage with its error.
func (a *AuditLogger) StageError(event AuditEventType, err error) {
	e := AuditEvent{EventType: event, Success: false}
	if err != nil {
		e.Error = err.Error()
	}
	a.Log(e)
}
