package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger implements utils.ExtendedLogger on top of logrus.
type Logger struct {
	logger *logrus.Logger
	file   *os.File
}

// CreateLogger creates a logger writing to logFile (or the dated default under
// logs/) and optionally mirroring to stdout.
func CreateLogger(logFile string, level string, format string, enableStdout bool) (Logger, error) {
	logrusLogger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	logrusLogger.SetLevel(logLevel)

	formatter, err := newFormatter(format)
	if err != nil {
		return Logger{}, err
	}
	logrusLogger.SetFormatter(formatter)
	logrusLogger.SetReportCaller(true)

	if logFile == "" {
		logFile = fmt.Sprintf("logs/luxmap-%s.log", time.Now().Format("2006-01-02"))
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return Logger{}, fmt.Errorf("failed to create log directory: %w", err)
	}

	//nolint:gosec // G304: logFile comes from configuration, not user input
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return Logger{}, fmt.Errorf("failed to open log file: %w", err)
	}

	if enableStdout {
		logrusLogger.SetOutput(io.MultiWriter(file, os.Stdout))
	} else {
		logrusLogger.SetOutput(file)
	}

	return Logger{
		logger: logrusLogger,
		file:   file,
	}, nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}

	switch strings.ToLower(format) {
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		}, nil
	case "text":
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

// CreateWriterLogger creates a logger that writes text lines to w. Nothing is
// written to disk, which makes it the logger of choice for tests and for the
// MCP stdio server where stdout belongs to the protocol.
func CreateWriterLogger(w io.Writer, level string) Logger {
	logrusLogger := logrus.New()
	logrusLogger.SetOutput(w)
	if logLevel, err := logrus.ParseLevel(level); err == nil {
		logrusLogger.SetLevel(logLevel)
	}
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return Logger{logger: logrusLogger}
}

// CreateDiscardLogger drops everything.
func CreateDiscardLogger() Logger {
	return CreateWriterLogger(io.Discard, "panic")
}

// CreateDefaultLogger creates logger with sensible defaults
func CreateDefaultLogger() Logger {
	l, err := CreateLogger("logs/default.log", "info", "text", false)
	if err != nil {
		return CreateWriterLogger(os.Stderr, "info")
	}
	return l
}

func (l Logger) Infof(format string, v ...any) {
	l.logger.Infof(format, v...)
}

func (l Logger) Errorf(format string, v ...any) {
	l.logger.Errorf(format, v...)
}

func (l Logger) Info(args ...interface{}) {
	l.logger.Info(args...)
}

func (l Logger) Error(args ...interface{}) {
	l.logger.Error(args...)
}

func (l Logger) Debug(args ...interface{}) {
	l.logger.Debug(args...)
}

func (l Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l Logger) Warn(args ...interface{}) {
	l.logger.Warn(args...)
}

func (l Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

func (l Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.logger.WithFields(fields)
}

func (l Logger) WithError(err error) *logrus.Entry {
	return l.logger.WithError(err)
}

// Close closes the log file, if any
func (l Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// IsInitialized returns true if the logger has been properly initialized
func (l Logger) IsInitialized() bool {
	return l.logger != nil
}
