package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OperationLogger provides structured logging for a single backup, restore or
// cleanup operation with a correlation ID and an in-memory transcript that can
// be persisted into the owning ledger record.
type OperationLogger struct {
	logger        *Logger
	auditLogger   *logrus.Logger
	correlationID string
	operation     string

	mu         sync.Mutex
	transcript []string
}

// OperationLoggerConfig holds configuration for operation logging
type OperationLoggerConfig struct {
	Logger         *Logger
	Operation      string
	CorrelationID  string
	AuditLogFile   string
	EnableAuditLog bool
}

// AuditEntry represents an audit trail entry for compliance
type AuditEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Principal     string                 `json:"principal,omitempty"`
	Operation     string                 `json:"operation"`
	Resource      string                 `json:"resource"`
	Action        string                 `json:"action"`
	Result        string                 `json:"result"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// NewOperationLogger creates a new operation logger with correlation ID support
func NewOperationLogger(config OperationLoggerConfig) (*OperationLogger, error) {
	correlationID := config.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	logger := config.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}

	ol := &OperationLogger{
		logger:        logger,
		correlationID: correlationID,
		operation:     config.Operation,
	}

	if config.EnableAuditLog && config.AuditLogFile != "" {
		auditLogger := logrus.New()

		auditDir := filepath.Dir(config.AuditLogFile)
		if err := os.MkdirAll(auditDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}

		auditFile, err := os.OpenFile(config.AuditLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}

		auditLogger.SetOutput(auditFile)
		auditLogger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
		auditLogger.SetLevel(logrus.InfoLevel)

		ol.auditLogger = auditLogger
	}

	return ol, nil
}

// GetCorrelationID returns the current correlation ID
func (ol *OperationLogger) GetCorrelationID() string {
	return ol.correlationID
}

// Step records a named step in the transcript and logs it
func (ol *OperationLogger) Step(step string) {
	ol.append(step)
	ol.logger.WithFields(map[string]interface{}{
		"correlation_id": ol.correlationID,
		"operation":      ol.operation,
	}).Info(step)
}

// Stepf records a formatted step
func (ol *OperationLogger) Stepf(format string, args ...interface{}) {
	ol.Step(fmt.Sprintf(format, args...))
}

// Failure records an error in the transcript and logs it
func (ol *OperationLogger) Failure(step string, err error) {
	ol.append(fmt.Sprintf("%s: %v", step, err))
	ol.logger.WithFields(map[string]interface{}{
		"correlation_id": ol.correlationID,
		"operation":      ol.operation,
		"error":          err.Error(),
	}).Error(step)
}

// Transcript returns the accumulated log lines joined for ledger persistence
func (ol *OperationLogger) Transcript() string {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	return strings.Join(ol.transcript, "\n")
}

// Audit writes an audit trail entry when audit logging is enabled
func (ol *OperationLogger) Audit(entry AuditEntry) {
	if ol.auditLogger == nil {
		return
	}

	entry.Timestamp = time.Now().UTC()
	entry.CorrelationID = ol.correlationID
	if entry.Operation == "" {
		entry.Operation = ol.operation
	}

	ol.auditLogger.WithFields(logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"principal":      entry.Principal,
		"operation":      entry.Operation,
		"resource":       entry.Resource,
		"action":         entry.Action,
		"result":         entry.Result,
		"details":        entry.Details,
	}).Info("audit")
}

func (ol *OperationLogger) append(line string) {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	ol.transcript = append(ol.transcript, fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), line))
}
