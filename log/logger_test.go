package log

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/CMSgov/claimfin/claimfin/constants"
	"github.com/CMSgov/claimfin/conf"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getLogger(l logrus.FieldLogger) *logrus.Logger {
	return l.(*logrus.Entry).Logger
}

// TestLoggers verifies that all of our loggers are set up
// with the expected parameters and write to the expected files.
func TestLoggers(t *testing.T) {
	env := uuid.New()
	require.NoError(t, conf.SetEnv(t, "DEPLOYMENT_TARGET", env))
	t.Cleanup(func() { assert.NoError(t, conf.UnsetEnv(t, "DEPLOYMENT_TARGET")) })

	tests := []struct {
		logEnv string
		// Use a supplier since SetupLoggers replaces the package level loggers.
		logSupplier func() logrus.FieldLogger
		application string
	}{
		{"CLAIMFIN_ENGINE_LOG", func() logrus.FieldLogger { return Engine }, "engine"},
		{"CLAIMFIN_QUERY_LOG", func() logrus.FieldLogger { return Query }, "engine"},
		{"CLAIMFIN_AUDIT_LOG", func() logrus.FieldLogger { return Audit }, "engine"},
		{"CLAIMFIN_WORKER_LOG", func() logrus.FieldLogger { return Worker }, "worker"},
		{"CLAIMFIN_WORKER_HEALTH_LOG", func() logrus.FieldLogger { return Health }, "worker"},
	}
	for _, tt := range tests {
		t.Run(tt.logEnv, func(t *testing.T) {
			logFile, err := os.CreateTemp("", "*")
			require.NoError(t, err)
			t.Cleanup(func() {
				assert.NoError(t, os.Remove(logFile.Name()))
				assert.NoError(t, conf.UnsetEnv(t, tt.logEnv))
				SetupLoggers()
			})

			require.NoError(t, conf.SetEnv(t, tt.logEnv, logFile.Name()))
			SetupLoggers()

			msg := uuid.New()
			tt.logSupplier().Info(msg)

			data, err := io.ReadAll(logFile)
			require.NoError(t, err)
			res := strings.Split(string(data), "\n")
			// msg + new line
			assert.Len(t, res, 2)

			var fields logrus.Fields
			require.NoError(t, json.Unmarshal([]byte(res[0]), &fields))
			assert.Equal(t, tt.application, fields["application"])
			assert.Equal(t, env, fields["environment"])
			assert.Equal(t, msg, fields["msg"])
			assert.Equal(t, "claimfin", fields["source_app"])
			assert.Equal(t, constants.Version, fields["version"])
			_, err = time.Parse(time.RFC3339Nano, fields["time"].(string))
			assert.NoError(t, err)
		})
	}
}

func TestDefaultLogger(t *testing.T) {
	l := defaultFieldLogger("test-log-type")
	testLogger := test.NewLocal(getLogger(l))

	msg := uuid.New()
	l.Info(msg)

	assert.Equal(t, 1, len(testLogger.Entries))
	assert.Equal(t, msg, testLogger.LastEntry().Message)
	assert.Equal(t, "default", testLogger.LastEntry().Data["application"])
	assert.Equal(t, "test-log-type", testLogger.LastEntry().Data["log_type"])
	assert.Equal(t, constants.Version, testLogger.LastEntry().Data["version"])
}

func TestSetLoggerFields(t *testing.T) {
	l := defaultFieldLogger("test-log-type")
	testLogger := test.NewLocal(getLogger(l))
	ctx := NewStructuredLoggerEntry(l, context.Background())
	_, logger := SetLoggerFields(ctx, logrus.Fields{"claim_key": "CLM-1", "transaction_id": "123456"})

	logger.WithField("test", "entry").Error("test-msg")
	entry := testLogger.LastEntry()

	assert.Equal(t, "test-msg", entry.Message)
	assert.Equal(t, "CLM-1", entry.Data["claim_key"])
	assert.Equal(t, "123456", entry.Data["transaction_id"])
	assert.Equal(t, "entry", entry.Data["test"])
}

func TestSetCtxLogger(t *testing.T) {
	l := defaultFieldLogger("test-log-type")
	testLogger := test.NewLocal(getLogger(l))
	ctx := NewStructuredLoggerEntry(l, context.Background())

	ctx, _ = SetCtxLogger(ctx, "claim_key", "CLM-2")
	GetCtxLogger(ctx).Info("from ctx")

	entry := testLogger.LastEntry()
	assert.Equal(t, "from ctx", entry.Message)
	assert.Equal(t, "CLM-2", entry.Data["claim_key"])
}

func TestGetCtxLoggerWithoutEntry(t *testing.T) {
	assert.Equal(t, Engine, GetCtxLogger(context.Background()))

	ctx, logger := SetCtxLogger(context.Background(), "k", "v")
	assert.NotNil(t, logger)
	assert.Equal(t, logger, GetCtxLogger(ctx))
}

func TestWriteWithFields(t *testing.T) {
	tests := []struct {
		name  string
		write func(context.Context, string, logrus.Fields) (context.Context, logrus.FieldLogger)
		level logrus.Level
	}{
		{"error", WriteErrorWithFields, logrus.ErrorLevel},
		{"warn", WriteWarnWithFields, logrus.WarnLevel},
		{"info", WriteInfoWithFields, logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := defaultFieldLogger("test-log-type")
			testLogger := test.NewLocal(getLogger(l))
			ctx := NewStructuredLoggerEntry(l, context.Background())

			resultCtx, resultLogger := tt.write(ctx, "test-msg", logrus.Fields{"key1": "val1", "key2": "val2"})
			entry := testLogger.LastEntry()

			assert.Equal(t, "test-msg", entry.Message)
			assert.Equal(t, "val1", entry.Data["key1"])
			assert.Equal(t, "val2", entry.Data["key2"])
			assert.Equal(t, tt.level, entry.Level)

			// verify logger retains fields
			resultLogger.Error("new-test")
			entry = testLogger.LastEntry()
			assert.Equal(t, "new-test", entry.Message)
			assert.Equal(t, "val1", entry.Data["key1"])

			// verify logger set in ctx retains fields
			GetCtxLogger(resultCtx).Error("newest-test")
			entry = testLogger.LastEntry()
			assert.Equal(t, "newest-test", entry.Message)
			assert.Equal(t, "val1", entry.Data["key1"])
		})
	}
}

func TestSlogLogger(t *testing.T) {
	environment := uuid.New()
	require.NoError(t, conf.SetEnv(t, "DEPLOYMENT_TARGET", environment))
	t.Cleanup(func() { assert.NoError(t, conf.UnsetEnv(t, "DEPLOYMENT_TARGET")) })

	application := "test_app"

	var output bytes.Buffer
	logger := slogLoggerFromHandler(slog.NewJSONHandler(&output, nil), application)
	logger.Info("test message")
	var logJson map[string]string
	err := json.Unmarshal(output.Bytes(), &logJson)

	assert.Nil(t, err)
	assert.Equal(t, "test message", logJson["msg"])
	assert.Equal(t, application, logJson["application"])
	assert.Equal(t, environment, logJson["environment"])
	assert.Equal(t, "claimfin", logJson["source_app"])
	assert.Equal(t, constants.Version, logJson["version"])
}

func TestNewSlogLoggerWritesThroughLogrus(t *testing.T) {
	l := defaultFieldLogger("river")
	testLogger := test.NewLocal(getLogger(l))

	NewSlogLogger(l, "worker").Warn("bridged")

	entry := testLogger.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "bridged", entry.Message)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "worker", entry.Data["application"])
}
