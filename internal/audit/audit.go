// Package audit implements the Audit Log (component M): structured,
// leveled auditable-event logging, rebuilt over zap in place of
// old_ws/audit_logger.go's stdlib *log.Logger + manual JSON marshal, with
// the same AuditLevel/AuditEvent/Alerter shape.
package audit

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity of an audit event, mirroring
// old_ws/audit_logger.go's AuditLevel.
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
	Critical
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Info:
		return zapcore.InfoLevel
	case Warning:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	case Critical:
		return zapcore.DPanicLevel
	default:
		return zapcore.InfoLevel
	}
}

// Event is a single auditable occurrence: a channel opened, a session
// expired, a subscription self-terminated, an admission rejection.
type Event struct {
	Level     Level
	Timestamp time.Time
	Kind      string // e.g. "ChannelOpened", "SubscriptionTimeout"
	SessionID *uint32
	ChannelID *uint32
	Message   string
	Metadata  map[string]interface{}
}

// Alerter receives WARNING/ERROR/CRITICAL events for out-of-band
// notification (paging, Slack, etc.), mirroring old_ws/audit_logger.go's
// Alerter interface.
type Alerter interface {
	Alert(level Level, message string, metadata map[string]interface{})
}

// Logger writes audit Events as structured zap log entries and forwards
// them to an optional Alerter.
type Logger struct {
	zap     *zap.Logger
	alerter Alerter
}

// New wraps a zap.Logger as an audit Logger.
func New(base *zap.Logger) *Logger {
	return &Logger{zap: base.Named("audit")}
}

// SetAlerter installs the alerter invoked for Warning/Error/Critical events.
func (l *Logger) SetAlerter(a Alerter) {
	l.alerter = a
}

// Log emits ev at its configured level and forwards to the alerter if set
// and severe enough.
func (l *Logger) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	fields := []zap.Field{zap.String("kind", ev.Kind)}
	if ev.SessionID != nil {
		fields = append(fields, zap.Uint32("session_id", *ev.SessionID))
	}
	if ev.ChannelID != nil {
		fields = append(fields, zap.Uint32("channel_id", *ev.ChannelID))
	}
	for k, v := range ev.Metadata {
		fields = append(fields, zap.Any(k, v))
	}

	switch ev.Level {
	case Debug:
		l.zap.Debug(ev.Message, fields...)
	case Info:
		l.zap.Info(ev.Message, fields...)
	case Warning:
		l.zap.Warn(ev.Message, fields...)
	case Error:
		l.zap.Error(ev.Message, fields...)
	case Critical:
		l.zap.Error(ev.Message, fields...) // DPanic would crash dev builds; Error is the safe floor
	}

	if l.alerter != nil && ev.Level >= Warning {
		l.alerter.Alert(ev.Level, ev.Message, ev.Metadata)
	}
}

func (l *Logger) Debug(kind, message string, metadata map[string]interface{}) {
	l.Log(Event{Level: Debug, Kind: kind, Message: message, Metadata: metadata})
}

func (l *Logger) Info(kind, message string, metadata map[string]interface{}) {
	l.Log(Event{Level: Info, Kind: kind, Message: message, Metadata: metadata})
}

func (l *Logger) Warning(kind, message string, metadata map[string]interface{}) {
	l.Log(Event{Level: Warning, Kind: kind, Message: message, Metadata: metadata})
}

func (l *Logger) Error(kind, message string, metadata map[string]interface{}) {
	l.Log(Event{Level: Error, Kind: kind, Message: message, Metadata: metadata})
}

func (l *Logger) Critical(kind, message string, metadata map[string]interface{}) {
	l.Log(Event{Level: Critical, Kind: kind, Message: message, Metadata: metadata})
}

// WithSession scopes subsequent events to a session id, mirroring
// old_ws/audit_logger.go's WithClientID/ClientLogger helper.
func (l *Logger) WithSession(sessionID uint32) *SessionLogger {
	return &SessionLogger{logger: l, sessionID: sessionID}
}

// SessionLogger tags every emitted event with a session id.
type SessionLogger struct {
	logger    *Logger
	sessionID uint32
}

func (s *SessionLogger) Info(kind, message string, metadata map[string]interface{}) {
	id := s.sessionID
	s.logger.Log(Event{Level: Info, Kind: kind, SessionID: &id, Message: message, Metadata: metadata})
}

func (s *SessionLogger) Warning(kind, message string, metadata map[string]interface{}) {
	id := s.sessionID
	s.logger.Log(Event{Level: Warning, Kind: kind, SessionID: &id, Message: message, Metadata: metadata})
}

func (s *SessionLogger) Error(kind, message string, metadata map[string]interface{}) {
	id := s.sessionID
	s.logger.Log(Event{Level: Error, Kind: kind, SessionID: &id, Message: message, Metadata: metadata})
}
