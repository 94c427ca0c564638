package projection

import (
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"

	"github.com/CMSgov/claimfin/claimfin/models"
)

// ExportRow is the Parquet layout of a projection row. Amounts keep their
// two decimal text form.
type ExportRow struct {
	ClaimKey          string `parquet:"claim_key"`
	ActivityID        string `parquet:"activity_id"`
	ActivityCode      string `parquet:"activity_code"`
	ClaimDate         string `parquet:"claim_date"`
	Month             string `parquet:"month"`
	FacilityID        string `parquet:"facility_id"`
	FacilityName      string `parquet:"facility_name"`
	PayerID           string `parquet:"payer_id"`
	PayerName         string `parquet:"payer_name"`
	ClinicianID       string `parquet:"clinician_id"`
	ClinicianName     string `parquet:"clinician_name"`
	Status            string `parquet:"status"`
	DenialCode        string `parquet:"denial_code"`
	DenialDescription string `parquet:"denial_description"`

	Submitted   string `parquet:"submitted"`
	Paid        string `parquet:"paid"`
	Denied      string `parquet:"denied"`
	Rejected    string `parquet:"rejected"`
	Outstanding string `parquet:"outstanding"`

	Claims                 int64 `parquet:"claims"`
	TotalActivities        int64 `parquet:"total_activities"`
	PaidActivities         int64 `parquet:"paid_activities"`
	RejectedActivities     int64 `parquet:"rejected_activities"`
	RemittanceCount        int64 `parquet:"remittance_count"`
	ResubmissionCount      int64 `parquet:"resubmission_count"`
	ProcessingCycles       int64 `parquet:"processing_cycles"`
	RejectedNotResubmitted bool  `parquet:"rejected_not_resubmitted"`

	FirstRemittance       *string `parquet:"first_remittance,optional"`
	LastRemittance        *string `parquet:"last_remittance,optional"`
	DaysToFirstPayment    *int64  `parquet:"days_to_first_payment,optional"`
	DaysToFinalSettlement *int64  `parquet:"days_to_final_settlement,optional"`
	PaymentReference      string  `parquet:"payment_reference"`
	AgingDays             int64   `parquet:"aging_days"`
	Stale                 bool    `parquet:"stale"`
}

func exportRow(r Row) ExportRow {
	e := ExportRow{
		ClaimKey:               string(r.ClaimKey),
		ActivityID:             r.ActivityID,
		ActivityCode:           r.ActivityCode,
		ClaimDate:              r.ClaimDate.Format(time.DateOnly),
		Month:                  r.Month,
		FacilityID:             r.FacilityID,
		FacilityName:           r.FacilityName,
		PayerID:                r.PayerID,
		PayerName:              r.PayerName,
		ClinicianID:            r.ClinicianID,
		ClinicianName:          r.ClinicianName,
		Status:                 string(r.Status),
		DenialCode:             r.DenialCode,
		DenialDescription:      r.DenialDescription,
		Submitted:              models.Money(r.Submitted),
		Paid:                   models.Money(r.Paid),
		Denied:                 models.Money(r.Denied),
		Rejected:               models.Money(r.Rejected),
		Outstanding:            models.Money(r.Outstanding),
		Claims:                 int64(r.Claims),
		TotalActivities:        int64(r.TotalActivities),
		PaidActivities:         int64(r.PaidActivities),
		RejectedActivities:     int64(r.RejectedActivities),
		RemittanceCount:        int64(r.RemittanceCount),
		ResubmissionCount:      int64(r.ResubmissionCount),
		ProcessingCycles:       int64(r.ProcessingCycles),
		RejectedNotResubmitted: r.RejectedNotResubmitted,
		PaymentReference:       r.PaymentReference,
		AgingDays:              int64(r.AgingDays),
		Stale:                  r.Stale,
	}
	if r.FirstRemittance != nil {
		s := r.FirstRemittance.UTC().Format(time.RFC3339)
		e.FirstRemittance = &s
	}
	if r.LastRemittance != nil {
		s := r.LastRemittance.UTC().Format(time.RFC3339)
		e.LastRemittance = &s
	}
	if r.DaysToFirstPayment != nil {
		d := int64(*r.DaysToFirstPayment)
		e.DaysToFirstPayment = &d
	}
	if r.DaysToFinalSettlement != nil {
		d := int64(*r.DaysToFinalSettlement)
		e.DaysToFinalSettlement = &d
	}
	return e
}

// ExportParquet writes rows to w as a Snappy compressed Parquet file.
func ExportParquet(w io.Writer, rows []Row) (int, error) {
	writer := parquet.NewGenericWriter[ExportRow](w,
		parquet.Compression(&parquet.Snappy),
	)

	batch := make([]ExportRow, 0, len(rows))
	for _, r := range rows {
		batch = append(batch, exportRow(r))
	}
	n, err := writer.Write(batch)
	if err != nil {
		return n, errors.Wrap(err, "failed to write parquet rows")
	}
	if err := writer.Close(); err != nil {
		return n, errors.Wrap(err, "failed to close parquet writer")
	}
	return n, nil
}
