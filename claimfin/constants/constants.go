package constants

// This is set during compilation.
var Version = "latest"

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Projection names exposed by the query engine.
const (
	ProjectionClaims        = "claims"
	ProjectionActivities    = "activities"
	ProjectionRejected      = "rejected"
	ProjectionMonthly       = "monthly"
	ProjectionDoctorDenial  = "doctor_denial"
	ProjectionPayerwise     = "payerwise"
	ProjectionResubmissions = "resubmissions"
)

const (
	DegradedOutcome  = "degraded"
	SucceededOutcome = "succeeded"
	FailedOutcome    = "failed"
)
