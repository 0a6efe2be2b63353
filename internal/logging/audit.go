package logging

import (
	"time"

	"go.uber.org/zap"
)

// AuditEventType names what happened to an execution.
type AuditEventType string

const (
	AuditExecComplete AuditEventType = "exec_complete"
	AuditExecError    AuditEventType = "exec_error"
	AuditExecCanceled AuditEventType = "exec_canceled"
	AuditExecTimeout  AuditEventType = "exec_timeout"
)

// AuditEvent is the record written for every finished execution.
type AuditEvent struct {
	EventType AuditEventType
	RequestID string
	Mode      string // stream, last
	Model     string
	Outcome   string // success or an error kind
	Status    string // status class on failure
	Duration  time.Duration
	Error     string
}

// Audit writes event to the audit category as structured fields.
func Audit(event AuditEvent) {
	fields := []zap.Field{
		zap.String("event", string(event.EventType)),
		zap.String("request_id", event.RequestID),
		zap.String("mode", event.Mode),
		zap.String("outcome", event.Outcome),
		zap.Int64("dur_ms", event.Duration.Milliseconds()),
	}
	if event.Model != "" {
		fields = append(fields, zap.String("model", event.Model))
	}
	if event.Status != "" {
		fields = append(fields, zap.String("status", event.Status))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	l := auditLogger()
	switch event.EventType {
	case AuditExecError, AuditExecTimeout:
		l.Warn("execution audit", fields...)
	default:
		l.Info("execution audit", fields...)
	}
}

func auditLogger() *zap.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root.Named(string(CategoryAudit))
}
