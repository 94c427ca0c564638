package health

import "context"

type MockHealthChecker struct {
	DbOk        bool
	SchedulerOk bool
}

func (m MockHealthChecker) IsDatabaseOK(ctx context.Context) (string, bool) {
	return "", m.DbOk
}

func (m MockHealthChecker) IsSchedulerOK() (string, bool) {
	return "", m.SchedulerOk
}
