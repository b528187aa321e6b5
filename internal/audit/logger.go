package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the append-only audit trail for the incident pipeline: every
// status transition, policy decision, approval and remediation attempt is
// recorded here in addition to whatever the orchestrator persists in
// internal/store.
type Logger interface {
	Log(ctx context.Context, event *Event) error

	LogIncidentCreated(ctx context.Context, incidentID, fingerprint string) error
	LogIncidentDeduped(ctx context.Context, incidentID, fingerprint string) error
	LogIncidentClosed(ctx context.Context, incidentID, status string) error

	LogHypothesisRanked(ctx context.Context, incidentID string, count int) error
	LogPolicyEvaluated(ctx context.Context, incidentID string, allow, requiresApproval bool) error

	LogActionProposed(ctx context.Context, incidentID, action, resource string) error
	LogActionApproved(ctx context.Context, incidentID, action, resource, approver string) error
	LogActionRejected(ctx context.Context, incidentID, action, reason string) error
	LogActionExecuted(ctx context.Context, incidentID, action, resource string, duration time.Duration) error
	LogActionFailed(ctx context.Context, incidentID, action string, err error) error

	LogVerificationCompleted(ctx context.Context, incidentID string, success bool) error
	LogSafetyViolation(ctx context.Context, rule, resource string) error
	LogBlastRadiusExceeded(ctx context.Context, incidentID string, score, max float64) error

	Sync() error
	Close() error
}

// Config configures the audit logger's file rotation.
type Config struct {
	AuditLogPath string
	AppLogPath   string
	MaxSize      int
	MaxBackups   int
	MaxAge       int
	Compress     bool
	LogLevel     string
}

// DefaultConfig returns default audit logger configuration.
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100,
		MaxBackups:   10,
		MaxAge:       30,
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements Logger with a buffered, periodically-flushed
// zap + lumberjack backend.
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	appCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(appRotator), level)
	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	auditCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(auditRotator), zapcore.InfoLevel)
	auditZapLogger := zap.New(auditCore)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}
	return nil
}

func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogIncidentCreated(ctx context.Context, incidentID, fingerprint string) error {
	event := NewEvent(EventIncidentCreated).
		WithCorrelationID(incidentID).
		WithResult(ResultSuccess).
		WithMetadata("fingerprint", fingerprint).
		WithDescription(fmt.Sprintf("incident %s created (fingerprint %s)", incidentID, fingerprint))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogIncidentDeduped(ctx context.Context, incidentID, fingerprint string) error {
	event := NewEvent(EventIncidentDeduped).
		WithCorrelationID(incidentID).
		WithResult(ResultSuccess).
		WithMetadata("fingerprint", fingerprint).
		WithDescription(fmt.Sprintf("alert deduplicated onto existing incident %s", incidentID))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogIncidentClosed(ctx context.Context, incidentID, status string) error {
	event := NewEvent(EventIncidentClosed).
		WithCorrelationID(incidentID).
		WithResult(ResultSuccess).
		WithMetadata("status", status).
		WithDescription(fmt.Sprintf("incident %s closed with status %s", incidentID, status))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogHypothesisRanked(ctx context.Context, incidentID string, count int) error {
	event := NewEvent(EventHypothesisRanked).
		WithCorrelationID(incidentID).
		WithResult(ResultSuccess).
		WithMetadata("hypothesis_count", count).
		WithDescription(fmt.Sprintf("ranked %d hypotheses for incident %s", count, incidentID))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogPolicyEvaluated(ctx context.Context, incidentID string, allow, requiresApproval bool) error {
	result := ResultSuccess
	if !allow {
		result = ResultDenied
	}
	event := NewEvent(EventPolicyEvaluated).
		WithCorrelationID(incidentID).
		WithResult(result).
		WithMetadata("allow", allow).
		WithMetadata("requires_approval", requiresApproval).
		WithDescription(fmt.Sprintf("policy evaluated for incident %s: allow=%v requires_approval=%v", incidentID, allow, requiresApproval))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogActionProposed(ctx context.Context, incidentID, action, resource string) error {
	event := NewEvent(EventActionProposed).
		WithCorrelationID(incidentID).
		WithAction(action).
		WithResource(resource, "").
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("action %s proposed for %s", action, resource))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogActionApproved(ctx context.Context, incidentID, action, resource, approver string) error {
	event := NewEvent(EventActionApproved).
		WithCorrelationID(incidentID).
		WithAction(action).
		WithResource(resource, "").
		WithUser(approver).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("action %s approved for %s by %s", action, resource, approver))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogActionRejected(ctx context.Context, incidentID, action, reason string) error {
	event := NewEvent(EventActionRejected).
		WithCorrelationID(incidentID).
		WithAction(action).
		WithResult(ResultDenied).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("action %s rejected: %s", action, reason))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogActionExecuted(ctx context.Context, incidentID, action, resource string, duration time.Duration) error {
	event := NewEvent(EventActionExecuted).
		WithCorrelationID(incidentID).
		WithAction(action).
		WithResource(resource, "").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("action %s executed for %s", action, resource))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogActionFailed(ctx context.Context, incidentID, action string, err error) error {
	event := NewEvent(EventActionFailed).
		WithCorrelationID(incidentID).
		WithAction(action).
		WithError(err, "action_error").
		WithDescription(fmt.Sprintf("action %s failed for incident %s", action, incidentID))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogVerificationCompleted(ctx context.Context, incidentID string, success bool) error {
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	event := NewEvent(EventVerificationCompleted).
		WithCorrelationID(incidentID).
		WithResult(result).
		WithDescription(fmt.Sprintf("verification completed for incident %s: success=%v", incidentID, success))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogSafetyViolation(ctx context.Context, rule, resource string) error {
	event := NewEvent(EventSafetyPolicyViolation).
		WithResource(resource, "").
		WithResult(ResultDenied).
		WithMetadata("rule", rule).
		WithDescription(fmt.Sprintf("safety violation: %s for %s", rule, resource))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogBlastRadiusExceeded(ctx context.Context, incidentID string, score, max float64) error {
	event := NewEvent(EventBlastRadiusExceeded).
		WithCorrelationID(incidentID).
		WithResult(ResultDenied).
		WithMetadata("score", score).
		WithMetadata("max_allowed", max).
		WithDescription(fmt.Sprintf("blast radius %.1f exceeds max %.1f for incident %s", score, max, incidentID))
	return l.Log(ctx, event)
}

func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.auditLogger.Sync(); err != nil {
		return err
	}
	return l.appLogger.Sync()
}

func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()
	return l.Sync()
}

type correlationIDKey struct{}

// GetCorrelationID extracts the correlation (incident) ID from context.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID attaches a correlation (incident) ID to context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// GenerateCorrelationID generates a fallback correlation ID for events with
// no incident context.
func GenerateCorrelationID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
}
