package projection

import (
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"

	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/claimfin/summarystore"
)

type Field string

const (
	ClaimDate   Field = "claim_date"
	FacilityID  Field = "facility_id"
	PayerID     Field = "payer_id"
	ClaimKey    Field = "claim_key"
	ClinicianID Field = "clinician_id"
	Status      Field = "status"
	DenialCode  Field = "denial_code"
)

// Clause is one condition of a Filter.
type Clause interface {
	field() Field
	matchString(v string) bool
	matchTime(t time.Time) bool
	where(sb *sqlbuilder.SelectBuilder, column string) string
}

// Eq matches rows whose field equals Value.
type Eq struct {
	Field Field
	Value string
}

func (c Eq) field() Field               { return c.Field }
func (c Eq) matchString(v string) bool  { return v == c.Value }
func (c Eq) matchTime(t time.Time) bool { return false }

func (c Eq) where(sb *sqlbuilder.SelectBuilder, column string) string {
	return sb.Equal(column, c.Value)
}

// In matches rows whose field is one of Values. An empty In matches nothing.
type In struct {
	Field  Field
	Values []string
}

func (c In) field() Field { return c.Field }

func (c In) matchString(v string) bool {
	for _, candidate := range c.Values {
		if v == candidate {
			return true
		}
	}
	return false
}

func (c In) matchTime(t time.Time) bool { return false }

func (c In) where(sb *sqlbuilder.SelectBuilder, column string) string {
	if len(c.Values) == 0 {
		return "FALSE"
	}
	args := make([]interface{}, len(c.Values))
	for i, v := range c.Values {
		args[i] = v
	}
	return sb.In(column, args...)
}

// Range matches claim dates between From and To, both inclusive. A nil bound
// leaves that side open.
type Range struct {
	Field Field
	From  *time.Time
	To    *time.Time
}

func (c Range) field() Field              { return c.Field }
func (c Range) matchString(v string) bool { return false }

func (c Range) matchTime(t time.Time) bool {
	if c.From != nil && t.Before(*c.From) {
		return false
	}
	if c.To != nil && t.After(*c.To) {
		return false
	}
	return true
}

func (c Range) where(sb *sqlbuilder.SelectBuilder, column string) string {
	var exprs []string
	if c.From != nil {
		exprs = append(exprs, sb.GreaterEqualThan(column, c.From.UTC()))
	}
	if c.To != nil {
		exprs = append(exprs, sb.LessEqualThan(column, c.To.UTC()))
	}
	if len(exprs) == 0 {
		return ""
	}
	return sb.And(exprs...)
}

// Filter is the conjunction of its clauses. The zero Filter matches every row.
type Filter struct {
	Clauses []Clause
}

func NewFilter(clauses ...Clause) Filter {
	return Filter{Clauses: clauses}
}

// And returns a new filter with c appended.
func (f Filter) And(c ...Clause) Filter {
	clauses := make([]Clause, 0, len(f.Clauses)+len(c))
	clauses = append(clauses, f.Clauses...)
	return Filter{Clauses: append(clauses, c...)}
}

// FilterSet is the common shape of report filters. Empty values match all.
type FilterSet struct {
	DateFrom    *time.Time
	DateTo      *time.Time
	FacilityIDs []string
	PayerIDs    []string
	ClaimKeys   []string
}

func (fs FilterSet) Filter() Filter {
	var f Filter
	if fs.DateFrom != nil || fs.DateTo != nil {
		f = f.And(Range{Field: ClaimDate, From: fs.DateFrom, To: fs.DateTo})
	}
	if len(fs.FacilityIDs) > 0 {
		f = f.And(In{Field: FacilityID, Values: fs.FacilityIDs})
	}
	if len(fs.PayerIDs) > 0 {
		f = f.And(In{Field: PayerID, Values: fs.PayerIDs})
	}
	if len(fs.ClaimKeys) > 0 {
		f = f.And(In{Field: ClaimKey, Values: fs.ClaimKeys})
	}
	return f
}

func (f Filter) validate(def *Definition) error {
	for _, c := range f.Clauses {
		if c == nil {
			return &customErrors.ValidationError{Field: "filter", Msg: "nil clause"}
		}
		if !def.supports(c.field()) {
			return &customErrors.ValidationError{
				Field: string(c.field()),
				Msg:   fmt.Sprintf("field is not available on the %s projection", def.Name),
			}
		}
		_, isRange := c.(Range)
		if isRange != (c.field() == ClaimDate) {
			return &customErrors.ValidationError{
				Field: string(c.field()),
				Msg:   "ranges apply to claim_date only and claim_date accepts ranges only",
			}
		}
	}
	return nil
}

// Match evaluates the filter against a projection row.
func (f Filter) Match(r *Row) bool {
	for _, c := range f.Clauses {
		if c.field() == ClaimDate {
			if !c.matchTime(r.ClaimDate) {
				return false
			}
			continue
		}
		if !c.matchString(r.value(c.field())) {
			return false
		}
	}
	return true
}

// Where renders the clauses whose field has a column into sb. Clauses on
// fields missing from columns are skipped.
func (f Filter) Where(sb *sqlbuilder.SelectBuilder, columns map[string]string) {
	for _, c := range f.Clauses {
		column, ok := columns[string(c.field())]
		if !ok {
			continue
		}
		if expr := c.where(sb, column); expr != "" {
			sb.Where(expr)
		}
	}
}

// MatchPayment evaluates the clauses a ClaimPayment carries, using the same
// field set as summarystore.PaymentColumns.
func (f Filter) MatchPayment(p models.ClaimPayment) bool {
	for _, c := range f.Clauses {
		if _, ok := summarystore.PaymentColumns[string(c.field())]; !ok {
			continue
		}
		switch c.field() {
		case ClaimDate:
			if !c.matchTime(p.ClaimDate()) {
				return false
			}
		case FacilityID:
			if !c.matchString(p.FacilityID) {
				return false
			}
		case PayerID:
			if !c.matchString(p.PayerID) {
				return false
			}
		case ClaimKey:
			if !c.matchString(string(p.ClaimKey)) {
				return false
			}
		case Status:
			if !c.matchString(string(p.PaymentStatus)) {
				return false
			}
		}
	}
	return true
}

// Pushdown returns the part of f that can be evaluated against claim
// payments for the named projection. On activity grain projections status
// refers to the activity, so it is left for the row scan.
func (f Filter) Pushdown(name string) summarystore.Predicate {
	def, ok := definitions[name]
	if !ok || def.Grain == ClaimGrain {
		return f
	}
	var kept Filter
	for _, c := range f.Clauses {
		if c.field() != Status {
			kept.Clauses = append(kept.Clauses, c)
		}
	}
	return kept
}

var _ summarystore.Predicate = Filter{}
