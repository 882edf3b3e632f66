// Package logging builds the service's zap logger from configuration.
package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fintt/settlement-engine/internal/config"
)

// New returns a JSON production logger or a console development logger at
// the configured level, plus a cleanup func that flushes buffered entries.
func New(cfg config.Logging) (*zap.Logger, func(), error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "logging level %q", cfg.Level)
	}

	var zc zap.Config
	switch cfg.Format {
	case "", "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, nil, errors.Errorf("unknown logging format %q", cfg.Format)
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, nil, errors.Wrap(err, "build logger")
	}
	logger = logger.With(zap.String("service", "settlement-engine"))

	cleanup := func() {
		// Syncing a terminal stdout/stderr fails harmlessly on linux.
		if err := logger.Sync(); err != nil && !isIgnorableSyncError(err) {
			logger.Warn("logger sync failed", zap.Error(err))
		}
	}
	return logger, cleanup, nil
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "inappropriate ioctl for device") ||
		strings.Contains(msg, "invalid argument")
}
