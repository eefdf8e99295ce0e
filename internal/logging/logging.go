package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/config"
)

// Redacted replaces the value of any sensitive field.
const Redacted = "[REDACTED]"

// New builds the process logger from configuration.
func New(cfg config.LoggingConfig) (*logrus.Logger, error) {
	return NewWithOutput(cfg, os.Stderr)
}

// NewWithOutput is New with an explicit destination.
func NewWithOutput(cfg config.LoggingConfig, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	if len(cfg.RedactFields) > 0 {
		logger.AddHook(NewRedactionHook(cfg.RedactFields))
	}
	return logger, nil
}

// RedactionHook masks the values of sensitive fields before formatting.
type RedactionHook struct {
	fields map[string]struct{}
}

// NewRedactionHook returns a hook that redacts the named fields (case-insensitive).
func NewRedactionHook(fields []string) *RedactionHook {
	h := &RedactionHook{fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		h.fields[strings.ToLower(f)] = struct{}{}
	}
	return h
}

// Levels implements logrus.Hook.
func (h *RedactionHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *RedactionHook) Fire(entry *logrus.Entry) error {
	for k := range entry.Data {
		if _, ok := h.fields[strings.ToLower(k)]; ok {
			entry.Data[k] = Redacted
		}
	}
	return nil
}
