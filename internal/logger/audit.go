package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// AuditLogger records the lifecycle of a CommandRequest as it moves through
// policy, queueing, and execution.
type AuditLogger interface {
	Request(id, target, rawCommand string)
	Denied(id, reason string)
	Approved(id string)
	Completed(id string, exitCode int, durationMS int64)
	Cancelled(id string)
	Error(id string, err error)
}

// AuditLog is the global audit logger instance.
var AuditLog AuditLogger = NewAuditLogger(nil)

// GlobalAuditLogger returns the global audit logger.
func GlobalAuditLogger() AuditLogger {
	return AuditLog
}

// SetGlobalAuditLogger overrides the global audit logger; nil resets to
// the default implementation.
func SetGlobalAuditLogger(l AuditLogger) {
	if l == nil {
		l = NewAuditLogger(nil)
	}
	AuditLog = l
}

// StdAuditLogger logs audit events through logrus.
type StdAuditLogger struct {
	logger *logrus.Entry
}

// NewAuditLogger builds the default audit logger on top of l (or the root
// logger when l is nil).
func NewAuditLogger(l *Logger) *StdAuditLogger {
	if l == nil {
		l = root()
	}
	return &StdAuditLogger{logger: logrus.NewEntry(l).WithField("component", "audit")}
}

func (l *StdAuditLogger) Request(id, target, rawCommand string) {
	l.logger.WithFields(Fields{"id": id, "target": target}).Infof("-> request command=%s", sanitize(rawCommand))
}

func (l *StdAuditLogger) Denied(id, reason string) {
	l.logger.WithField("id", id).Infof("<- denied reason=%s", reason)
}

func (l *StdAuditLogger) Approved(id string) {
	l.logger.WithField("id", id).Info("<- approved")
}

func (l *StdAuditLogger) Completed(id string, exitCode int, durationMS int64) {
	l.logger.WithField("id", id).Infof("<- completed exit_code=%d duration_ms=%d", exitCode, durationMS)
}

func (l *StdAuditLogger) Cancelled(id string) {
	l.logger.WithField("id", id).Info("<- cancelled")
}

func (l *StdAuditLogger) Error(id string, err error) {
	l.logger.WithField("id", id).Errorf("!! error=%v", err)
}

// NoopAuditLogger discards all audit events.
type NoopAuditLogger struct{}

func (NoopAuditLogger) Request(id, target, rawCommand string)       {}
func (NoopAuditLogger) Denied(id, reason string)                    {}
func (NoopAuditLogger) Approved(id string)                          {}
func (NoopAuditLogger) Completed(id string, exitCode int, ms int64) {}
func (NoopAuditLogger) Cancelled(id string)                         {}
func (NoopAuditLogger) Error(id string, err error)                  {}

func sanitize(text string) string {
	text = strings.ReplaceAll(text, "\n", `\n`)
	text = strings.ReplaceAll(text, "\r", `\r`)
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
