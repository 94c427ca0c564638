package log

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CMSgov/claimfin/claimfin/constants"
	"github.com/CMSgov/claimfin/conf"
	sloglogrus "github.com/samber/slog-logrus"
	"github.com/sirupsen/logrus"
)

var (
	Engine logrus.FieldLogger
	Query  logrus.FieldLogger
	Audit  logrus.FieldLogger

	Worker logrus.FieldLogger
	Health logrus.FieldLogger
)

type ctxLoggerKeyType string

const CtxLoggerKey ctxLoggerKeyType = "ctxLogger"

func init() {
	SetupLoggers()
}

// SetupLoggers (re)builds every package level logger from the current
// configuration. Tests call it after pointing a *_LOG variable at a file.
func SetupLoggers() {
	Engine = logger(logrus.New(), conf.GetEnv("CLAIMFIN_ENGINE_LOG"), "engine")
	Query = logger(logrus.New(), conf.GetEnv("CLAIMFIN_QUERY_LOG"), "engine")
	Audit = logger(logrus.New(), conf.GetEnv("CLAIMFIN_AUDIT_LOG"), "engine")

	Worker = logger(logrus.New(), conf.GetEnv("CLAIMFIN_WORKER_LOG"), "worker")
	Health = logger(logrus.New(), conf.GetEnv("CLAIMFIN_WORKER_HEALTH_LOG"), "worker")
}

func logger(logger *logrus.Logger, outputFile string, application string) logrus.FieldLogger {
	logger.Formatter = &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}

	if outputFile != "" {
		if file, err := os.OpenFile(filepath.Clean(outputFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640); err == nil {
			logger.SetOutput(file)
		} else {
			logger.Infof("Failed to open output file %s. Will use stderr. %s",
				outputFile, err.Error())
		}
	}

	return logger.WithFields(logrus.Fields{
		"application": application,
		"environment": conf.GetEnv("DEPLOYMENT_TARGET"),
		"source_app":  "claimfin",
		"version":     constants.Version,
	})
}

func defaultFieldLogger(logType string) logrus.FieldLogger {
	return logger(logrus.New(), "", "default").WithField("log_type", logType)
}

// NewSlogLogger bridges a logrus logger into the slog API for libraries that
// only accept *slog.Logger (river).
func NewSlogLogger(l logrus.FieldLogger, application string) *slog.Logger {
	ll := logrus.StandardLogger()
	switch v := l.(type) {
	case *logrus.Entry:
		ll = v.Logger
	case *logrus.Logger:
		ll = v
	}
	return slogLoggerFromHandler(sloglogrus.Option{Logger: ll}.NewLogrusHandler(), application)
}

func slogLoggerFromHandler(handler slog.Handler, application string) *slog.Logger {
	return slog.New(handler).With(
		"application", application,
		"environment", conf.GetEnv("DEPLOYMENT_TARGET"),
		"source_app", "claimfin",
		"version", constants.Version,
	)
}

// StructuredLoggerEntry carries a FieldLogger through a context so that
// fields added at the top of a call chain appear on every entry below it.
type StructuredLoggerEntry struct {
	Logger logrus.FieldLogger
}

// NewStructuredLoggerEntry stores logger in ctx and returns the new context.
func NewStructuredLoggerEntry(logger logrus.FieldLogger, ctx context.Context) context.Context {
	return context.WithValue(ctx, CtxLoggerKey, &StructuredLoggerEntry{Logger: logger})
}

// SetCtxLogger adds a field to the logger stored in ctx. When ctx holds no
// logger, the Engine logger is used as the base.
func SetCtxLogger(ctx context.Context, key string, value interface{}) (context.Context, logrus.FieldLogger) {
	return SetLoggerFields(ctx, logrus.Fields{key: value})
}

// SetLoggerFields adds fields to the logger stored in ctx.
func SetLoggerFields(ctx context.Context, fields logrus.Fields) (context.Context, logrus.FieldLogger) {
	entry, ok := ctx.Value(CtxLoggerKey).(*StructuredLoggerEntry)
	if !ok || entry == nil {
		entry = &StructuredLoggerEntry{Logger: Engine}
		ctx = context.WithValue(ctx, CtxLoggerKey, entry)
	}
	entry.Logger = entry.Logger.WithFields(fields)
	return ctx, entry.Logger
}

// GetCtxLogger returns the logger stored in ctx, or Engine when none is set.
func GetCtxLogger(ctx context.Context) logrus.FieldLogger {
	if entry, ok := ctx.Value(CtxLoggerKey).(*StructuredLoggerEntry); ok && entry != nil {
		return entry.Logger
	}
	return Engine
}

func WriteErrorWithFields(ctx context.Context, msg string, fields logrus.Fields) (context.Context, logrus.FieldLogger) {
	ctx, logger := SetLoggerFields(ctx, fields)
	logger.Error(msg)
	return ctx, logger
}

func WriteWarnWithFields(ctx context.Context, msg string, fields logrus.Fields) (context.Context, logrus.FieldLogger) {
	ctx, logger := SetLoggerFields(ctx, fields)
	logger.Warn(msg)
	return ctx, logger
}

func WriteInfoWithFields(ctx context.Context, msg string, fields logrus.Fields) (context.Context, logrus.FieldLogger) {
	ctx, logger := SetLoggerFields(ctx, fields)
	logger.Info(msg)
	return ctx, logger
}
