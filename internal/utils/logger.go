package utils

import "github.com/sirupsen/logrus"

// ExtendedLogger is the logging contract every component receives.
// pkg/logger.Logger is the production implementation.
type ExtendedLogger interface {
	Infof(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Info(args ...interface{})
	Error(args ...interface{})
	Debug(args ...interface{})
	Warn(args ...interface{})
	WithField(key string, value interface{}) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
	WithError(err error) *logrus.Entry
	Close() error
}
