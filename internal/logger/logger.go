package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a LOG_LEVEL value to a level, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type Logger struct {
	level  LogLevel
	fields map[string]interface{}
	parent *Logger
}

type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var defaultLogger = &Logger{level: INFO}

func New(level LogLevel) *Logger {
	return &Logger{level: level}
}

func Default() *Logger {
	return defaultLogger
}

func SetLevel(level LogLevel) {
	defaultLogger.level = level
}

// With returns a child logger that adds fields to every entry. Children
// follow their root's level.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{fields: mergeFields(l.fields, fields), parent: l.root()}
}

func With(fields map[string]interface{}) *Logger {
	return defaultLogger.With(fields)
}

func (l *Logger) root() *Logger {
	if l.parent != nil {
		return l.parent
	}
	return l
}

func (l *Logger) enabled(level LogLevel) bool {
	return level >= l.root().level
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	if !l.enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Message:   message,
		Fields:    sanitizeFields(mergeFields(l.fields, fields)),
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, mergeFields(fields...))
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, mergeFields(fields...))
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, mergeFields(fields...))
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, mergeFields(fields...))
}

// Package-level convenience functions
func Debug(message string, fields ...map[string]interface{}) {
	defaultLogger.Debug(message, fields...)
}

func Info(message string, fields ...map[string]interface{}) {
	defaultLogger.Info(message, fields...)
}

func Warn(message string, fields ...map[string]interface{}) {
	defaultLogger.Warn(message, fields...)
}

func Error(message string, fields ...map[string]interface{}) {
	defaultLogger.Error(message, fields...)
}

// StripeLogger satisfies stripe.LeveledLoggerInterface so SDK output lands in
// the same JSON stream.
type StripeLogger struct {
	Logger *Logger
}

func (s StripeLogger) logger() *Logger {
	if s.Logger == nil {
		return defaultLogger
	}
	return s.Logger
}

func (s StripeLogger) Debugf(format string, v ...interface{}) {
	s.logger().Debug(fmt.Sprintf(format, v...), map[string]interface{}{"component": "stripe"})
}

func (s StripeLogger) Infof(format string, v ...interface{}) {
	s.logger().Info(fmt.Sprintf(format, v...), map[string]interface{}{"component": "stripe"})
}

func (s StripeLogger) Warnf(format string, v ...interface{}) {
	s.logger().Warn(fmt.Sprintf(format, v...), map[string]interface{}{"component": "stripe"})
}

func (s StripeLogger) Errorf(format string, v ...interface{}) {
	s.logger().Error(fmt.Sprintf(format, v...), map[string]interface{}{"component": "stripe"})
}

// Helper functions
func mergeFields(fieldMaps ...map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, fields := range fieldMaps {
		for k, v := range fields {
			result[k] = v
		}
	}
	return result
}

var sensitiveKeys = []string{
	"key", "token", "secret", "password", "api_key", "stripe_key",
	"webhook_secret", "signature", "authorization", "auth", "dsn",
}

func sanitizeFields(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}

	sanitized := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if !isSensitive(k) {
			sanitized[k] = v
			continue
		}

		if str, ok := v.(string); ok && len(str) > 8 {
			// Show first 3 and last 3 characters
			sanitized[k] = str[:3] + "..." + str[len(str)-3:]
		} else {
			sanitized[k] = "[REDACTED]"
		}
	}

	return sanitized
}

func isSensitive(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// Initialize logger based on environment
func init() {
	// During tests, reduce log noise by setting higher log level
	if os.Getenv("GO_ENV") == "test" || strings.HasSuffix(os.Args[0], ".test") {
		SetLevel(WARN)
		return
	}

	SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
}
