package health

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type HealthCheckerTestSuite struct {
	suite.Suite
	mock pgxmock.PgxConnIface
}

func (s *HealthCheckerTestSuite) SetupTest() {
	mock, err := pgxmock.NewConn(pgxmock.MonitorPingsOption(true))
	s.Require().NoError(err)
	s.mock = mock
}

func (s *HealthCheckerTestSuite) TearDownTest() {
	s.NoError(s.mock.ExpectationsWereMet())
	s.mock.Close(context.Background())
}

func TestHealthCheckerTestSuite(t *testing.T) {
	suite.Run(t, new(HealthCheckerTestSuite))
}

func (s *HealthCheckerTestSuite) TestIsDatabaseOK() {
	s.mock.ExpectPing()

	result, ok := NewHealthChecker(s.mock, nil, 0).IsDatabaseOK(context.Background())
	s.True(ok)
	s.Equal("ok", result)
}

func (s *HealthCheckerTestSuite) TestIsDatabaseOKPingError() {
	s.mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	result, ok := NewHealthChecker(s.mock, nil, 0).IsDatabaseOK(context.Background())
	s.False(ok)
	s.Equal("database ping error", result)
}

func TestIsDatabaseOKNotConfigured(t *testing.T) {
	result, ok := NewHealthChecker(nil, nil, 0).IsDatabaseOK(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "database not configured", result)
}

func TestIsSchedulerOK(t *testing.T) {
	tests := []struct {
		name    string
		backlog BacklogFunc
		max     int
		result  string
		ok      bool
	}{
		{"no scheduler", nil, 10, "ok", true},
		{"under limit", func() int { return 3 }, 10, "ok", true},
		{"at limit", func() int { return 10 }, 10, "ok", true},
		{"over limit", func() int { return 11 }, 10, "recompute backlog 11", false},
		{"check disabled", func() int { return 5000 }, 0, "ok", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := NewHealthChecker(nil, tt.backlog, tt.max).IsSchedulerOK()
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.result, result)
		})
	}
}
