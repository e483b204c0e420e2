package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProductionLogger provides structured logging for agent operations.
//
// Configuration priority:
//  1. Environment variables (GUARD_LOG_LEVEL, GUARD_DEBUG)
//  2. Auto-detection (JSON format in Kubernetes for log aggregation)
//  3. Defaults (INFO level, text format)
type ProductionLogger struct {
	level       int
	serviceName string
	format      string
	output      io.Writer
	mu          sync.Mutex
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// NewProductionLogger creates a logger for the named component.
func NewProductionLogger(serviceName string) *ProductionLogger {
	level := levelInfo
	switch strings.ToUpper(os.Getenv("GUARD_LOG_LEVEL")) {
	case "DEBUG":
		level = levelDebug
	case "WARN", "WARNING":
		level = levelWarn
	case "ERROR":
		level = levelError
	}
	if os.Getenv("GUARD_DEBUG") == "true" {
		level = levelDebug
	}

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if v := os.Getenv("GUARD_LOG_FORMAT"); v == "json" || v == "text" {
		format = v
	}

	return &ProductionLogger{
		level:       level,
		serviceName: serviceName,
		format:      format,
		output:      os.Stdout,
	}
}

// SetOutput redirects log output, primarily for tests.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}

func (l *ProductionLogger) log(level int, label, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)

	if l.format == "json" {
		entry := make(map[string]interface{}, len(fields)+4)
		for k, v := range fields {
			if err, ok := v.(error); ok {
				entry[k] = err.Error()
				continue
			}
			entry[k] = v
		}
		entry["time"] = now
		entry["level"] = label
		entry["service"] = l.serviceName
		entry["message"] = msg
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] %s: %s", now, label, l.serviceName, msg)
	for k, v := range fields {
		fmt.Fprintf(&sb, " %s=%v", k, v)
	}
	fmt.Fprintln(l.output, sb.String())
}
