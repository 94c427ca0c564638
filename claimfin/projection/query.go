package projection

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ccoveille/go-safecast"
	"github.com/sirupsen/logrus"

	"github.com/CMSgov/claimfin/claimfin/constants"
	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/claimfin/models"
	"github.com/CMSgov/claimfin/log"
)

// Sort orders a page. The zero Sort orders by claim date ascending.
type Sort struct {
	Field string
	Desc  bool
}

// PageRequest selects a page. Number is one based; zero values use the
// first page and the default page size.
type PageRequest struct {
	Number int
	Size   int
}

type PageResult struct {
	Rows  []Row
	Total int
	Page  int
	Size  int
	Epoch uint64
}

// sortFields compare rows by one column. claim_key relies on the identity
// tiebreak alone.
var sortFields = map[string]func(a, b *Row) int{
	"claim_date":    func(a, b *Row) int { return a.ClaimDate.Compare(b.ClaimDate) },
	"submitted":     func(a, b *Row) int { return a.Submitted.Cmp(b.Submitted) },
	"paid":          func(a, b *Row) int { return a.Paid.Cmp(b.Paid) },
	"outstanding":   func(a, b *Row) int { return a.Outstanding.Cmp(b.Outstanding) },
	"rejected":      func(a, b *Row) int { return a.Rejected.Cmp(b.Rejected) },
	"denied":        func(a, b *Row) int { return a.Denied.Cmp(b.Denied) },
	"claims":        func(a, b *Row) int { return cmp.Compare(a.Claims, b.Claims) },
	"resubmissions": func(a, b *Row) int { return cmp.Compare(a.ResubmissionCount, b.ResubmissionCount) },
	"claim_key":     func(a, b *Row) int { return 0 },
}

func (p PageRequest) normalize() (PageRequest, int, error) {
	if p.Number < 0 {
		return p, 0, &customErrors.ValidationError{Field: "page", Msg: "page number must not be negative"}
	}
	if p.Size < 0 {
		return p, 0, &customErrors.ValidationError{Field: "size", Msg: "page size must not be negative"}
	}
	if p.Number == 0 {
		p.Number = 1
	}
	if p.Size == 0 {
		p.Size = constants.DefaultPageSize
	}
	if p.Size > constants.MaxPageSize {
		p.Size = constants.MaxPageSize
	}
	offset, err := safecast.ToInt(int64(p.Number-1) * int64(p.Size))
	if err != nil {
		return p, 0, &customErrors.ValidationError{Field: "page", Msg: err.Error()}
	}
	return p, offset, nil
}

// Query returns one page of the named projection. Rows are read from the
// current snapshot only.
func (s *Store) Query(ctx context.Context, name string, filter Filter, order Sort, page PageRequest) (PageResult, error) {
	page, offset, err := page.normalize()
	if err != nil {
		return PageResult{}, err
	}
	matched, epoch, err := s.collect(name, filter, order)
	if err != nil {
		return PageResult{}, err
	}

	res := PageResult{Total: len(matched), Page: page.Number, Size: page.Size, Epoch: epoch}
	if offset < len(matched) {
		end := offset + page.Size
		if end > len(matched) {
			end = len(matched)
		}
		res.Rows = s.copyRows(matched[offset:end])
	}

	log.Query.WithFields(logrus.Fields{
		"projection": name,
		"clauses":    len(filter.Clauses),
		"total":      res.Total,
		"epoch":      res.Epoch,
	}).Debug("projection query")
	return res, nil
}

// All returns every matching row of one snapshot, sorted like Query.
func (s *Store) All(ctx context.Context, name string, filter Filter, order Sort) ([]Row, uint64, error) {
	matched, epoch, err := s.collect(name, filter, order)
	if err != nil {
		return nil, 0, err
	}
	return s.copyRows(matched), epoch, nil
}

func (s *Store) collect(name string, filter Filter, order Sort) ([]*Row, uint64, error) {
	def, compare, err := resolve(name, filter, order)
	if err != nil {
		return nil, 0, err
	}

	snap := s.current.Load()
	var matched []*Row
	if def.aggregate != nil {
		matched = rowPointers(def.aggregate(scan(snap.tables[def.source], filter)))
	} else {
		matched = scan(snap.tables[name], filter)
	}
	sortMatched(matched, compare, order.Desc)
	return matched, snap.Epoch, nil
}

// Scan evaluates the named projection against the source instead of the
// published snapshot. The clauses claim payments carry are pushed into the
// source scan and the rest are applied to the built rows.
func (s *Store) Scan(ctx context.Context, name string, filter Filter, order Sort) ([]Row, error) {
	def, compare, err := resolve(name, filter, order)
	if err != nil {
		return nil, err
	}
	built := def
	if def.aggregate != nil {
		built = definitions[def.source]
	}

	payments, err := s.src.ScanPayments(ctx, filter.Pushdown(built.Name))
	if err != nil {
		return nil, err
	}
	var rows []Row
	for _, p := range payments {
		in, err := s.input(ctx, p)
		if err != nil {
			return nil, err
		}
		rows = append(rows, built.build(ctx, in, s.ref)...)
	}
	sort.SliceStable(rows, func(i, j int) bool { return baseLess(&rows[i], &rows[j]) })

	matched := scan(newTable(rows), filter)
	if def.aggregate != nil {
		matched = rowPointers(def.aggregate(matched))
	}
	sortMatched(matched, compare, order.Desc)

	log.Query.WithFields(logrus.Fields{
		"projection": name,
		"payments":   len(payments),
		"rows":       len(matched),
	}).Debug("projection scanned from source")
	return s.copyRows(matched), nil
}

// resolve validates a request against the named definition and returns the
// comparator of its sort field.
func resolve(name string, filter Filter, order Sort) (*Definition, func(a, b *Row) int, error) {
	def, ok := definitions[name]
	if !ok {
		return nil, nil, &customErrors.ValidationError{Field: "projection", Msg: fmt.Sprintf("unknown projection %q", name)}
	}
	if err := filter.validate(def); err != nil {
		return nil, nil, err
	}
	if order.Field == "" {
		order.Field = "claim_date"
	}
	compare, ok := sortFields[order.Field]
	if !ok {
		return nil, nil, &customErrors.ValidationError{Field: "sort", Msg: fmt.Sprintf("cannot sort by %q", order.Field)}
	}
	return def, compare, nil
}

func sortMatched(matched []*Row, compare func(a, b *Row) int, desc bool) {
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if c := compare(a, b); c != 0 {
			if desc {
				return c > 0
			}
			return c < 0
		}
		if desc {
			return keyLess(b, a)
		}
		return keyLess(a, b)
	})
}

func rowPointers(rows []Row) []*Row {
	out := make([]*Row, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out
}

// copyRows copies rows out of the snapshot and fills the query time columns.
func (s *Store) copyRows(rows []*Row) []Row {
	now := s.now().UTC()
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		row := *r
		if row.Outstanding.IsPositive() {
			row.AgingDays = agingDays(row.ClaimDate, now)
		}
		out = append(out, row)
	}
	return out
}

// scan returns the rows of t matching filter in base order. Candidates come
// from the smallest posting list the filter can use, else from the claim
// date window, else from the whole table.
func scan(t *table, filter Filter) []*Row {
	var candidates []int
	indexed := false
	best := math.MaxInt
	for _, c := range filter.Clauses {
		var values []string
		switch v := c.(type) {
		case Eq:
			values = []string{v.Value}
		case In:
			values = v.Values
		default:
			continue
		}
		postings := postingsFor(t, c.field(), values)
		if postings == nil {
			continue
		}
		if n := len(postings); n < best {
			best, candidates, indexed = n, postings, true
		}
	}

	var out []*Row
	if indexed {
		for _, i := range candidates {
			if r := &t.rows[i]; filter.Match(r) {
				out = append(out, r)
			}
		}
		return out
	}

	lo, hi := dateWindow(t.rows, filter)
	for i := lo; i < hi; i++ {
		if r := &t.rows[i]; filter.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// postingsFor returns the sorted row positions for values of an indexed
// field, or nil when the field has no index.
func postingsFor(t *table, f Field, values []string) []int {
	var lists [][]int
	switch f {
	case ClaimKey:
		for _, value := range values {
			lists = append(lists, t.byClaim[models.ClaimKey(value)])
		}
	case FacilityID:
		for _, value := range values {
			lists = append(lists, t.byFacility[value])
		}
	case PayerID:
		for _, value := range values {
			lists = append(lists, t.byPayer[value])
		}
	default:
		return nil
	}

	seen := make(map[int]struct{})
	postings := []int{}
	for _, l := range lists {
		for _, i := range l {
			if _, ok := seen[i]; ok {
				continue
			}
			seen[i] = struct{}{}
			postings = append(postings, i)
		}
	}
	sort.Ints(postings)
	return postings
}

// dateWindow binary searches the rows covered by the claim date ranges of
// filter.
func dateWindow(rows []Row, filter Filter) (int, int) {
	lo, hi := 0, len(rows)
	for _, c := range filter.Clauses {
		r, ok := c.(Range)
		if !ok {
			continue
		}
		if r.From != nil {
			from := *r.From
			if i := sort.Search(len(rows), func(i int) bool { return !rows[i].ClaimDate.Before(from) }); i > lo {
				lo = i
			}
		}
		if r.To != nil {
			to := *r.To
			if i := sort.Search(len(rows), func(i int) bool { return rows[i].ClaimDate.After(to) }); i < hi {
				hi = i
			}
		}
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

func agingDays(claimDate, now time.Time) int {
	d := int(now.Sub(claimDate).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
