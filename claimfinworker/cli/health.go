package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"

	"github.com/CMSgov/claimfin/claimfin/health"
	"github.com/CMSgov/claimfin/conf"
)

func NewHealthLogger(checker health.Checker) *HealthLogger {
	l := HealthLogger{Logger: logrus.New(), checker: checker}
	l.Logger.Formatter = &logrus.JSONFormatter{}
	l.Logger.SetReportCaller(true)
	filePath := conf.GetEnv("WORKER_HEALTH_LOG")

	if filePath != "" {
		/* #nosec -- 0640 permissions required for Splunk ingestion */
		file, err := os.OpenFile(filepath.Clean(filePath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			l.Logger.SetOutput(file)
		} else {
			l.Logger.Info("Failed to open worker health log file; using default stderr")
		}
	}

	return &l
}

type HealthLogger struct {
	Logger  *logrus.Logger
	checker health.Checker
}

func (l *HealthLogger) Log(ctx context.Context) bool {
	return checkHealth(ctx, l.Logger, l.checker)
}

func checkHealth(ctx context.Context, logger logrus.FieldLogger, checker health.Checker) bool {
	logFields := logrus.Fields{}
	logFields["type"] = "health"
	logFields["id"] = uuid.NewRandom()

	_, dbOk := checker.IsDatabaseOK(ctx)
	if dbOk {
		logFields["db"] = "ok"
	} else {
		logFields["db"] = "error"
	}

	_, schedOk := checker.IsSchedulerOK()
	if schedOk {
		logFields["scheduler"] = "ok"
	} else {
		logFields["scheduler"] = "error"
	}

	logger.WithFields(logFields).Info()
	return dbOk && schedOk
}
